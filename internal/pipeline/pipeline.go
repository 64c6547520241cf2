// Package pipeline composes delineation, zonal statistics and result
// collection of a pour point table into a single run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CZERTAINLY/basinstats/internal/engine"
	"github.com/CZERTAINLY/basinstats/internal/executor"
	"github.com/CZERTAINLY/basinstats/internal/jobs"
	"github.com/CZERTAINLY/basinstats/internal/log"
	"github.com/CZERTAINLY/basinstats/internal/model"
	"github.com/CZERTAINLY/basinstats/internal/univar"
	"github.com/CZERTAINLY/basinstats/internal/workspace"

	"github.com/google/uuid"
)

type Pipeline struct {
	engine    engine.Engine
	parentDir string
	keep      bool
	newRunID  func() string
}

func New(eng engine.Engine) *Pipeline {
	return &Pipeline{
		engine:   eng,
		newRunID: uuid.NewString,
	}
}

// WithWorkspace sets the parent directory of run workspaces, empty means
// os.TempDir. If keep is true, workspaces are not removed after a run.
func (p *Pipeline) WithWorkspace(parentDir string, keep bool) *Pipeline {
	p.parentDir = parentDir
	p.keep = keep
	return p
}

// Run delineates a basin for every pour point, computes statistics of
// statRaster over it and returns the records in the order of points.
//
// Pour points failing in any phase are reported in Result.Failures and the
// run goes on with the rest. The returned error is not nil only for
// conditions making the whole run meaningless: empty or inconsistent
// input, invalid concurrency, unavailable engine, workspace failure,
// canceled context or no record produced at all (ErrNoRecords, the
// Result still carries the failures).
func (p *Pipeline) Run(ctx context.Context, points []model.PourPoint, concurrency int, statRaster string, session model.Session) (result model.Result, err error) {
	if err := validate(points, concurrency); err != nil {
		return result, err
	}

	runID := p.newRunID()
	result.RunID = runID
	session = runSession(session, runID, statRaster)
	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID))
	slog.InfoContext(ctx, "run started", "points", len(points), "concurrency", concurrency, "raster", statRaster, "session", session.Name)

	if err := p.engine.Check(ctx, session); err != nil {
		if !errors.Is(err, model.ErrEngineUnavailable) {
			err = errors.Join(model.ErrEngineUnavailable, err)
		}
		return result, fmt.Errorf("checking engine: %w", err)
	}

	ws, err := workspace.Open(p.parentDir, runID)
	if err != nil {
		return result, err
	}
	ws.Keep(p.keep)
	slog.DebugContext(ctx, "workspace opened", "dir", ws.Dir())
	defer func() {
		// cleanup must run even for a canceled run
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := p.engine.Discard(cleanupCtx, session, session.Pattern()); derr != nil {
			slog.WarnContext(cleanupCtx, "discarding intermediate rasters failed", "pattern", session.Pattern(), "error", derr)
		}
		if cerr := ws.Close(cleanupCtx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	failures := newFailures()

	delineated, err := p.phase(ctx, ws, model.PhaseDelineate, points, concurrency, session, failures)
	if err != nil {
		return result, err
	}

	// zonal statistics need the basins, so the barrier above is required
	resultsDir, err := ws.Results()
	if err != nil {
		return result, err
	}
	session.OutputDir = resultsDir

	summarized, err := p.phase(ctx, ws, model.PhaseSummarize, delineated, concurrency, session, failures)
	if err != nil {
		return result, err
	}

	records := make(map[string]model.StatRecord, len(summarized))
	for _, pt := range summarized {
		rec, perr := univar.ParseFile(pt.UID, ws.ResultPath(pt.UID))
		if perr != nil {
			slog.WarnContext(ctx, "parsing result failed", "uid", pt.UID, "error", perr)
			failures.add(model.NewFailure(pt.UID, model.PhaseCollect, perr))
			continue
		}
		records[pt.UID] = rec
	}

	result.Records = make([]model.StatRecord, 0, len(records))
	for _, pt := range points {
		if rec, ok := records[pt.UID]; ok {
			result.Records = append(result.Records, rec)
			continue
		}
		if !failures.has(pt.UID) {
			failures.add(model.NewFailure(pt.UID, model.PhaseCollect, fmt.Errorf("no record: %w", model.ErrMissingResultFile)))
		}
	}
	result.Failures = failures.ordered(points)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run canceled: %w", err)
	}
	slog.InfoContext(ctx, "run finished", "records", len(result.Records), "failures", len(result.Failures))
	if len(result.Records) == 0 {
		return result, fmt.Errorf("all %d pour points failed: %w", len(points), model.ErrNoRecords)
	}
	return result, nil
}

// phase runs a batch of jobs and returns the points which succeeded,
// in the order of points
func (p *Pipeline) phase(ctx context.Context, ws *workspace.Workspace, phase model.Phase, points []model.PourPoint, concurrency int, session model.Session, failures *failures) ([]model.PourPoint, error) {
	ctx = log.ContextAttrs(ctx, slog.String("phase", string(phase)))

	batch, buildFailures := jobs.BuildAll(points, phase, session)
	for _, f := range buildFailures {
		slog.WarnContext(ctx, "invalid pour point", "uid", f.UID, "reason", f.Reason)
		failures.add(f)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	path, err := ws.WriteJobList(phase, batch)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "job list written", "path", path)
	p.writeScript(ctx, ws, phase, batch, session)

	exec := executor.New(func(ctx context.Context, job model.Job) error {
		return jobs.Execute(ctx, p.engine, session, job)
	})
	outcomes, err := exec.Run(ctx, batch, concurrency)
	if err != nil {
		return nil, err
	}

	ret := make([]model.PourPoint, 0, len(batch))
	for _, pt := range points {
		o, ok := outcomes.Get(pt.UID)
		if !ok {
			// not built, already in failures
			continue
		}
		if !o.Succeeded {
			failures.add(model.NewFailure(pt.UID, phase, o.Err))
			continue
		}
		ret = append(ret, pt)
	}
	slog.InfoContext(ctx, "phase finished", "jobs", outcomes.Len(), "succeeded", len(outcomes.Succeeded()))
	return ret, nil
}

// writeScript stores the commands of a batch for a manual rerun if the
// engine can tell them
func (p *Pipeline) writeScript(ctx context.Context, ws *workspace.Workspace, phase model.Phase, batch []model.Job, session model.Session) {
	scripter, ok := p.engine.(engine.Scripter)
	if !ok {
		return
	}
	var lines []string
	for _, job := range batch {
		l, err := scripter.Script(session, job)
		if err != nil {
			slog.WarnContext(ctx, "rendering run script failed", "uid", job.ID, "error", err)
			return
		}
		lines = append(lines, l...)
	}
	path, err := ws.WriteScript(phase, lines)
	if err != nil {
		slog.WarnContext(ctx, "writing run script failed", "error", err)
		return
	}
	slog.DebugContext(ctx, "run script written", "path", path)
}

func validate(points []model.PourPoint, concurrency int) error {
	if len(points) == 0 {
		return fmt.Errorf("run: %w", model.ErrEmptyInput)
	}
	if concurrency < 1 {
		return fmt.Errorf("run: concurrency %d: %w", concurrency, model.ErrInvalidConcurrency)
	}
	seen := make(map[string]struct{}, len(points))
	for idx, pt := range points {
		if _, ok := seen[pt.UID]; ok {
			return fmt.Errorf("row %d: duplicate uid %q: %w", idx+1, pt.UID, model.ErrInvalidPourPoint)
		}
		seen[pt.UID] = struct{}{}
	}
	return nil
}

// runSession makes raster labels unique for the run, so concurrent runs
// in the same engine session do not collide
func runSession(session model.Session, runID, statRaster string) model.Session {
	if session.LabelPrefix == "" {
		session.LabelPrefix = model.DefaultLabelPrefix
	}
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	session.LabelPrefix += short + "_"
	session.StatRaster = statRaster
	return session
}

// failures keeps the first failure of every uid
type failures struct {
	byUID map[string]model.Failure
}

func newFailures() *failures {
	return &failures{byUID: make(map[string]model.Failure)}
}

func (f *failures) add(failure model.Failure) {
	if _, ok := f.byUID[failure.UID]; ok {
		return
	}
	f.byUID[failure.UID] = failure
}

func (f *failures) has(uid string) bool {
	_, ok := f.byUID[uid]
	return ok
}

func (f *failures) ordered(points []model.PourPoint) []model.Failure {
	ret := make([]model.Failure, 0, len(f.byUID))
	for _, pt := range points {
		if failure, ok := f.byUID[pt.UID]; ok {
			ret = append(ret, failure)
		}
	}
	return ret
}
