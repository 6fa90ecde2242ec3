package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/db"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the dispatch schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := requireDatabaseURL()
		if err != nil {
			return err
		}
		changed, err := db.Migrate(cmd.Context(), dsn)
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ migrations applied")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ schema already up to date")
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration (drops the dispatch schema)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, _ := cmd.Flags().GetBool("yes"); !ok {
			return fmt.Errorf("refusing to drop the schema without --yes")
		}
		dsn, err := requireDatabaseURL()
		if err != nil {
			return err
		}
		if err := db.MigrateDown(cmd.Context(), dsn); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := requireDatabaseURL()
		if err != nil {
			return err
		}
		v, dirty, err := db.MigrationVersion(cmd.Context(), dsn)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{"version": v, "dirty": dirty})
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d", v)
		if dirty {
			fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)

	migrateDownCmd.Flags().Bool("yes", false, "confirm dropping the schema")
}
