package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch observes a configuration file and invokes onChange with the freshly
// loaded configuration on each modification. Reload errors are logged and
// the previous configuration stays in effect. Watch blocks until ctx ends.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Error().Str("path", path).Err(err).Msg("config reload failed, keeping previous configuration")
				continue
			}

			logger.Info().Str("path", path).Msg("configuration reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
