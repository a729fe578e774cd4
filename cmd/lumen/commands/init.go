package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openlumen/openlumen/pkg/config"
	"github.com/openlumen/openlumen/pkg/stores"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the orchestrator database",
		Long: `Initialize the orchestrator by creating the SQLite database and
applying all schema migrations.

Running init against an existing database applies any pending migrations
and is otherwise a no-op.`,
		Example: `  # Initialize with the default database path
  lumen init

  # Initialize with a config file
  lumen init --config /etc/openlumen/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Migrate(ctx); err != nil {
				return err
			}

			log.Info().Str("path", cfg.Database.Path).Msg("Database initialized")
			fmt.Printf("Initialized database at %s\n", cfg.Database.Path)
			return nil
		},
	}

	return cmd
}
