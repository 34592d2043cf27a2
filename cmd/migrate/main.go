// Command migrate applies or inspects the Record Store schema using goose
// against the embedded migration set in internal/store.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/deathcap/dapptest/internal/config"
	"github.com/deathcap/dapptest/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{Use: "migrate", Short: "Apply or inspect the record store schema"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file")

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: withDB(goose.Up)},
		&cobra.Command{Use: "down", Short: "Roll back the most recent migration", RunE: withDB(goose.Down)},
		&cobra.Command{Use: "status", Short: "Print applied/pending migrations", RunE: withDB(goose.Status)},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withDB opens a *sql.DB against the configured Postgres DSN, points goose
// at the embedded migration set, and runs op against it.
func withDB(op func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("migrate: load config: %w", err)
		}

		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrate: open db: %w", err)
		}
		defer db.Close()

		goose.SetBaseFS(store.Migrations)
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("migrate: set dialect: %w", err)
		}

		if err := op(db, "migrations"); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return nil
	}
}
