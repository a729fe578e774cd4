package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlumen/openlumen/pkg/config"
	"github.com/openlumen/openlumen/pkg/devices"
	"github.com/openlumen/openlumen/pkg/engine"
	"github.com/openlumen/openlumen/pkg/stores"
	"github.com/openlumen/openlumen/pkg/telemetry"
	"github.com/openlumen/openlumen/pkg/workflows"
)

// runtime holds the shared plumbing a command builds before doing its work:
// loaded configuration, the logger and an opened store.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *stores.SQLiteStore
}

// setup loads the configuration and opens the store. Callers must close the
// returned runtime.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, store: store}, nil
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn().Err(err).Msg("failed to close store")
	}
}

// deviceClient builds the configured device client.
func (rt *runtime) deviceClient() (engine.DeviceClient, error) {
	switch rt.cfg.Devices.Driver {
	case "ssh":
		return devices.NewSSHClient(devices.SSHConfig{
			User:           rt.cfg.Devices.SSH.User,
			PrivateKeyPath: rt.cfg.Devices.SSH.KeyFile,
			KnownHostsPath: rt.cfg.Devices.SSH.KnownHostsFile,
			Timeout:        rt.cfg.Devices.SSH.Timeout,
		})
	default:
		return devices.NewMemoryClient(), nil
	}
}

// buildEngine wires a process engine with the full workflow catalogue, for
// one-shot commands that execute processes without the daemon.
func (rt *runtime) buildEngine() (*engine.Engine, error) {
	deviceClient, err := rt.deviceClient()
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistry()
	if err := workflows.Register(registry, workflows.Deps{
		Devices:   deviceClient,
		Inventory: devices.NewMemoryInventory(),
	}); err != nil {
		return nil, err
	}

	return engine.NewEngine(rt.store, registry, engine.Options{
		Logger: telemetry.ComponentLogger(rt.logger, "engine"),
	}), nil
}

// runProcess executes one process to its next stopping point under a
// short-lived lease, the same protocol the scheduler's workers follow.
func runProcess(ctx context.Context, store stores.Store, eng *engine.Engine, processID string) error {
	proc, err := store.GetProcess(ctx, processID)
	if err != nil {
		return fmt.Errorf("failed to load process %q: %w", processID, err)
	}

	const leaseTTL = 30 * time.Second
	owner := "cli-" + uuid.New().String()

	lease := &stores.Lease{
		SubscriptionID: proc.SubscriptionID,
		ProcessID:      proc.ID,
		Owner:          owner,
		ExpiresAt:      time.Now().Add(leaseTTL),
	}
	if err := store.AcquireLease(ctx, lease, time.Now()); err != nil {
		return fmt.Errorf("subscription %q is being worked on: %w", proc.SubscriptionID, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = store.ReleaseLease(releaseCtx, proc.SubscriptionID, proc.ID)
	}()

	// Renew in the background so long workflows outlive the initial TTL.
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go func() {
		ticker := time.NewTicker(leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_ = store.RenewLease(renewCtx, proc.SubscriptionID, owner, time.Now().Add(leaseTTL), time.Now())
			}
		}
	}()

	return eng.Run(ctx, processID)
}

// output renders a command result: JSON when --json is set, otherwise the
// given plain-text renderer.
func output(v any, text func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
