package cli

import (
	"errors"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/pullmend/pullmend/internal/observability"
	"github.com/pullmend/pullmend/state"
)

var migrateDatabaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateDatabaseURL == "" {
			return errors.New("database-url or DATABASE_URL required")
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, migrateDatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		store := state.NewStore(db)
		if err := store.ApplyMigrations(ctx); err != nil {
			return err
		}
		observability.NewLogger("migrate").Info("migrations applied", "event", "migrations_applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
}
