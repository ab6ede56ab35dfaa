package cli

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/pullmend/pullmend/registry"
	"github.com/pullmend/pullmend/remediation"
	"github.com/pullmend/pullmend/state"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage per-repository action registry entries",
}

var registryEnableFlags struct {
	databaseURL  string
	repoID       string
	action       string
	maxRetries   int
	mergeMethod  string
	branchDelete bool
	disable      bool
}

var registryEnableCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a registry entry for a repository action",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := registryEnableFlags
		if f.databaseURL == "" {
			return errors.New("database-url or DATABASE_URL required")
		}
		if f.repoID == "" {
			return errors.New("repo is required (owner/name)")
		}
		if f.action != registry.ActionRerunFailedJobs && f.action != registry.ActionMergePullRequest {
			return fmt.Errorf("unknown action %q", f.action)
		}

		ctx := cmd.Context()
		db, err := openDB(ctx, f.databaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		entry := registry.Entry{
			RegistryID:          "reg_" + remediation.NewCorrelationID(),
			Version:             1,
			Enabled:             !f.disable,
			MergeMethod:         f.mergeMethod,
			BranchDeleteEnabled: f.branchDelete,
		}
		if f.maxRetries > 0 {
			entry.MaxRetries = &f.maxRetries
		}

		store := state.NewStore(db)
		if err := store.UpsertRegistryEntry(ctx, f.repoID, f.action, entry); err != nil {
			return err
		}
		fmt.Printf("registry entry for %s/%s set (enabled=%v)\n", f.repoID, f.action, entry.Enabled)
		return nil
	},
}

func init() {
	flags := registryEnableCmd.Flags()
	flags.StringVar(&registryEnableFlags.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	flags.StringVar(&registryEnableFlags.repoID, "repo", "", "repository id (owner/name)")
	flags.StringVar(&registryEnableFlags.action, "action", registry.ActionRerunFailedJobs, "action type (rerun_failed_jobs or merge_pull_request)")
	flags.IntVar(&registryEnableFlags.maxRetries, "max-retries", 0, "retry ceiling for reruns (0 leaves it unset)")
	flags.StringVar(&registryEnableFlags.mergeMethod, "merge-method", "merge", "merge method (merge, squash, rebase)")
	flags.BoolVar(&registryEnableFlags.branchDelete, "branch-delete", false, "delete the head branch after a merge")
	flags.BoolVar(&registryEnableFlags.disable, "disable", false, "disable the action instead of enabling it")

	registryCmd.AddCommand(registryEnableCmd)
}
