package main

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/CZERTAINLY/basinstats/internal/model"
	"github.com/CZERTAINLY/basinstats/internal/store"
	"github.com/CZERTAINLY/basinstats/internal/table"

	"github.com/spf13/cobra"
)

var runsFlags struct {
	DB     string
	Format string
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "inspects the run history kept in the database",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "lists saved runs, the most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withHistory(cmd, func(ctx context.Context, db *sql.DB) error {
			return listRuns(ctx, db, cmd.OutOrStdout())
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id|latest>",
	Short: "prints records of a saved run, failures go to stderr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := table.ParseFormat(cmp.Or(runsFlags.Format, string(table.FormatCSV)))
		if err != nil {
			return err
		}
		return withHistory(cmd, func(ctx context.Context, db *sql.DB) error {
			return showRun(ctx, db, args[0], format, cmd.OutOrStdout(), cmd.ErrOrStderr())
		})
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id|latest>",
	Short: "removes a saved run with its records and failures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(cmd, func(ctx context.Context, db *sql.DB) error {
			return deleteRun(ctx, db, args[0], cmd.OutOrStdout())
		})
	},
}

func addRunsFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&runsFlags.DB, "db", "", "sqlite database keeping the run history, run.db from config by default")
	runsShowCmd.Flags().StringVar(&runsFlags.Format, "format", "", "output format: csv, json or yaml")
	cmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
}

func withHistory(cmd *cobra.Command, fn func(context.Context, *sql.DB) error) error {
	path := cmp.Or(runsFlags.DB, config.Run.DB)
	if path == "" {
		return errors.New("no run history database, use --db or run.db in config")
	}
	ctx := cmd.Context()
	db, err := store.InitDB(ctx, path)
	if err != nil {
		return fmt.Errorf("opening run history %s: %w", path, err)
	}
	defer func() {
		_ = db.Close()
	}()
	return fn(ctx, db)
}

// findRun returns the saved run id, latest means the most recent one
func findRun(ctx context.Context, db *sql.DB, id string) (store.RunRow, error) {
	if id == "latest" {
		return store.Latest(ctx, db)
	}
	return store.Get(ctx, db, id)
}

func listRuns(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := store.List(ctx, db)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, row); err != nil {
			return err
		}
	}
	return nil
}

func showRun(ctx context.Context, db *sql.DB, id string, format table.Format, stdout, stderr io.Writer) error {
	row, err := findRun(ctx, db, id)
	if err != nil {
		return err
	}
	records, err := store.Records(ctx, db, row.ID)
	if err != nil {
		return err
	}
	failures, err := store.Failures(ctx, db, row.ID)
	if err != nil {
		return err
	}
	result := model.Result{RunID: row.ID, Records: records, Failures: failures}
	printFailures(stderr, result)
	return table.Write(stdout, format, result)
}

func deleteRun(ctx context.Context, db *sql.DB, id string, w io.Writer) error {
	row, err := findRun(ctx, db, id)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, db, row.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "run %s deleted\n", row.ID)
	return err
}
