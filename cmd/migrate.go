package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/store/pg"
)

var migrationsDir string

// resolveMigrationsDir picks --migrations-dir, then CONDUCTOR_MIGRATIONS_DIR,
// then ./migrations next to the binary.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("CONDUCTOR_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// withMigrator opens the managed-mode database and runs fn against it.
func withMigrator(fn func(*pg.Migrator) (pg.SchemaStatus, error)) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("CONDUCTOR_POSTGRES_DSN is not set")
	}
	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	m, err := pg.NewMigrator(db, resolveMigrationsDir())
	if err != nil {
		return err
	}
	defer m.Close()

	st, err := fn(m)
	if err != nil {
		return err
	}
	slog.Debug("migrate.status", "version", st.Version, "latest", st.Latest, "dirty", st.Dirty, "servers", st.Servers)
	fmt.Println(st)
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the agent_servers schema for managed mode",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations next to the binary)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator((*pg.Migrator).Up)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *pg.Migrator) (pg.SchemaStatus, error) { return m.Down(steps) })
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version and server record count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator((*pg.Migrator).Status)
		},
	})
	return cmd
}
