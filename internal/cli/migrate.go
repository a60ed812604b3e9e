package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"hike-coordinator/internal/common/database"
	"hike-coordinator/internal/store/postgres"
)

// MigrateCmd returns the migrate command
func MigrateCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Apply or roll back the database schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrations need the postgres driver, configured %q", cfg.Database.Driver)
			}

			ctx, cancel := commandContext()
			defer cancel()

			pg, err := database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Ping(ctx); err != nil {
				return err
			}

			log := newCLILogger()
			switch direction {
			case "up":
				if err := postgres.Migrate(pg.DB, log); err != nil {
					return err
				}
			case "down":
				if err := postgres.MigrateDown(pg.DB, steps, log); err != nil {
					return err
				}
			case "version":
			default:
				return fmt.Errorf("unknown direction %q, want up, down or version", direction)
			}

			version, dirty, err := postgres.SchemaVersion(pg.DB, log)
			if err != nil {
				return err
			}
			state := ok("clean")
			if dirty {
				state = bad("dirty")
			}
			fmt.Printf("Schema version: %d (%s)\n", version, state)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "migrations to roll back with down")
	return cmd
}
