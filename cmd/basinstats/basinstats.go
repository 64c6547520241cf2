package main

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/CZERTAINLY/basinstats/internal/engine"
	"github.com/CZERTAINLY/basinstats/internal/log"
	"github.com/CZERTAINLY/basinstats/internal/model"
	"github.com/CZERTAINLY/basinstats/internal/pipeline"
	"github.com/CZERTAINLY/basinstats/internal/store"
	"github.com/CZERTAINLY/basinstats/internal/table"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type runOptions struct {
	Points        string
	Raster        string
	Concurrency   int
	Out           string
	Format        string
	DB            string
	Workspace     string
	KeepWorkspace bool
	RetryFailed   string
}

var runFlags runOptions

func addPlanFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runFlags.Points, "points", "", "pour point table (csv, json or yaml) with UID, x and y")
	cmd.Flags().StringVar(&runFlags.Raster, "raster", "", "raster summarized over each basin")
	cmd.Flags().StringVar(&runFlags.Format, "format", "", "output format: csv, json or yaml - guessed from --out by default")
	_ = cmd.MarkFlagRequired("points")
	_ = cmd.MarkFlagRequired("raster")
}

func addRunFlags(cmd *cobra.Command) {
	addPlanFlags(cmd)
	cmd.Flags().IntVar(&runFlags.Concurrency, "concurrency", 0, "number of parallel engine jobs, run.concurrency from config by default")
	cmd.Flags().StringVar(&runFlags.Out, "out", "", "output file, stdout by default")
	cmd.Flags().StringVar(&runFlags.DB, "db", "", "sqlite database keeping the run history, run.db from config by default")
	cmd.Flags().StringVar(&runFlags.Workspace, "workspace", "", "parent directory of the run workspace")
	cmd.Flags().BoolVar(&runFlags.KeepWorkspace, "keep-workspace", false, "do not remove the run workspace")
	cmd.Flags().StringVar(&runFlags.RetryFailed, "retry-failed", "", "process only pour points failed in the given run id or latest, needs --db")
}

func doRun(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("basinstats",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	opts := runFlags
	if !cmd.Flags().Changed("concurrency") {
		opts.Concurrency = config.Run.Concurrency
	}
	if opts.DB == "" {
		opts.DB = config.Run.DB
	}
	if opts.Workspace == "" {
		opts.Workspace = config.Run.Workspace
	}
	opts.KeepWorkspace = opts.KeepWorkspace || config.Run.KeepWorkspace

	return run(ctx, config, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// run executes the pipeline for opts and stores its result. Per pour
// point failures are printed to stderr and do not make run fail.
func run(ctx context.Context, cfg model.Config, opts runOptions, stdout, stderr io.Writer) error {
	format, err := outputFormat(opts)
	if err != nil {
		return err
	}
	points, err := table.ReadFile(opts.Points)
	if err != nil {
		return err
	}

	var db *sql.DB
	if opts.DB != "" {
		db, err = store.InitDB(ctx, opts.DB)
		if err != nil {
			return fmt.Errorf("opening run history %s: %w", opts.DB, err)
		}
		defer func() {
			_ = db.Close()
		}()
	}
	if opts.RetryFailed != "" {
		if db == nil {
			return errors.New("--retry-failed needs a run history database, use --db")
		}
		points, err = retryPoints(ctx, db, opts.RetryFailed, points)
		if err != nil {
			return err
		}
	}

	eng, err := engine.NewCommands(cfg.Engine)
	if err != nil {
		return err
	}
	p := pipeline.New(eng).WithWorkspace(opts.Workspace, opts.KeepWorkspace)

	started := time.Now()
	result, runErr := p.Run(ctx, points, opts.Concurrency, opts.Raster, session(cfg))
	stopped := time.Now()
	if result.RunID == "" {
		// nothing started
		return runErr
	}
	printFailures(stderr, result)
	if result.Partial() {
		slog.WarnContext(ctx, "run partial", "run_id", result.RunID, "failed", result.FailedUIDs())
	}

	errs := []error{runErr}
	if db != nil {
		errs = append(errs, save(ctx, db, store.Run{
			ID:      result.RunID,
			Raster:  opts.Raster,
			Session: cfg.Session.Name,
			Started: started,
			Stopped: stopped,
			Points:  len(points),
		}, result, runErr))
	}
	if len(result.Records) > 0 {
		errs = append(errs, writeResult(opts.Out, format, result, stdout))
	}
	return errors.Join(errs...)
}

func doJobs(cmd *cobra.Command, _ []string) error {
	format, err := table.ParseFormat(cmp.Or(runFlags.Format, string(table.FormatYAML)))
	if err != nil {
		return err
	}
	points, err := table.ReadFile(runFlags.Points)
	if err != nil {
		return err
	}
	eng, err := engine.NewCommands(config.Engine)
	if err != nil {
		return err
	}
	sess := session(config)
	sess.OutputDir = "$WORKSPACE/results"
	plan, err := pipeline.New(eng).Plan(points, runFlags.Raster, sess)
	if err != nil {
		return err
	}
	return writePlan(cmd.OutOrStdout(), format, plan)
}

func writePlan(w io.Writer, format table.Format, plan pipeline.Plan) error {
	switch format {
	case table.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	case table.FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(plan); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("jobs can be printed as json or yaml, not %s", format)
}

func session(cfg model.Config) model.Session {
	return model.Session{
		Name:        cfg.Session.Name,
		Direction:   cfg.Session.Direction,
		LabelPrefix: cfg.Session.LabelPrefix,
	}
}

func outputFormat(opts runOptions) (table.Format, error) {
	if opts.Format != "" {
		return table.ParseFormat(opts.Format)
	}
	if opts.Out == "" {
		return table.FormatCSV, nil
	}
	return table.FormatOf(opts.Out), nil
}

// retryPoints keeps the points which failed in a previous run, runID
// latest means the most recent run
func retryPoints(ctx context.Context, db *sql.DB, runID string, points []model.PourPoint) ([]model.PourPoint, error) {
	row, err := findRun(ctx, db, runID)
	if err != nil {
		return nil, err
	}
	runID = row.ID
	failed, err := store.FailedUIDs(ctx, db, runID)
	if err != nil {
		return nil, err
	}
	points = slices.DeleteFunc(slices.Clone(points), func(p model.PourPoint) bool {
		_, ok := failed[p.UID]
		return !ok
	})
	if len(points) == 0 {
		return nil, fmt.Errorf("no failed pour points of run %s in the table: %w", runID, model.ErrEmptyInput)
	}
	slog.InfoContext(ctx, "retrying failed pour points", "run_id", runID, "points", len(points))
	return points, nil
}

func save(ctx context.Context, db *sql.DB, run store.Run, result model.Result, runErr error) error {
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	if err := store.Save(ctx, db, run, result); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	slog.DebugContext(ctx, "run saved", "run_id", run.ID)
	return nil
}

func writeResult(path string, format table.Format, result model.Result, stdout io.Writer) error {
	if path == "" {
		return table.Write(stdout, format, result)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	if err := table.Write(f, format, result); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func printFailures(w io.Writer, result model.Result) {
	if !result.Partial() {
		return
	}
	_, _ = fmt.Fprintf(w, "run %s: %d pour point(s) failed\n", result.RunID, len(result.Failures))
	for _, f := range result.Failures {
		_, _ = fmt.Fprintf(w, "  %s\n", f)
	}
}
