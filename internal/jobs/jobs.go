// Package jobs converts pour points into engine job descriptions and
// dispatches the descriptions back to the engine.
package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/CZERTAINLY/basinstats/internal/model"
)

// Engine is the part of the raster engine a job needs
type Engine interface {
	Delineate(ctx context.Context, session model.Session, x, y float64, label string) error
	ZonalStats(ctx context.Context, session model.Session, raster, zone, outputPath string) error
}

const (
	ParamX         = "x"
	ParamY         = "y"
	ParamDirection = "direction"
	ParamOutput    = "output"
	ParamMap       = "map"
	ParamZones     = "zones"
)

// Build creates a job of phase for point p. It has no side effects.
func Build(p model.PourPoint, phase model.Phase, session model.Session) (model.Job, error) {
	if err := p.Validate(); err != nil {
		return model.Job{}, err
	}

	var params map[string]string
	switch phase {
	case model.PhaseDelineate:
		params = map[string]string{
			ParamX:         formatFloat(p.X),
			ParamY:         formatFloat(p.Y),
			ParamDirection: session.Direction,
			ParamOutput:    session.Label(p.UID),
		}
	case model.PhaseSummarize:
		params = map[string]string{
			ParamMap:    session.StatRaster,
			ParamZones:  session.Label(p.UID),
			ParamOutput: ResultPath(session.OutputDir, p.UID),
		}
	default:
		return model.Job{}, fmt.Errorf("building job for %q: %w", phase, model.ErrInvalidPhase)
	}

	return model.Job{
		ID:     p.UID,
		Phase:  phase,
		Params: params,
	}, nil
}

// BuildAll builds jobs of phase for all points. Points which can't be
// built are returned as failures and are not part of the returned jobs.
func BuildAll(points []model.PourPoint, phase model.Phase, session model.Session) ([]model.Job, []model.Failure) {
	ret := make([]model.Job, 0, len(points))
	var failures []model.Failure
	for _, p := range points {
		job, err := Build(p, phase, session)
		if err != nil {
			failures = append(failures, model.NewFailure(p.UID, phase, err))
			continue
		}
		ret = append(ret, job)
	}
	return ret, failures
}

// ResultPath is the location of the statistics document of uid in dir
func ResultPath(dir, uid string) string {
	return filepath.Join(dir, model.ResultFileName(uid))
}

// Execute runs the job against the engine
func Execute(ctx context.Context, engine Engine, session model.Session, job model.Job) error {
	switch job.Phase {
	case model.PhaseDelineate:
		x, err := parseFloat(job, ParamX)
		if err != nil {
			return err
		}
		y, err := parseFloat(job, ParamY)
		if err != nil {
			return err
		}
		if dir := job.Params[ParamDirection]; dir != "" {
			session.Direction = dir
		}
		return engine.Delineate(ctx, session, x, y, job.Params[ParamOutput])
	case model.PhaseSummarize:
		return engine.ZonalStats(ctx, session, job.Params[ParamMap], job.Params[ParamZones], job.Params[ParamOutput])
	default:
		return fmt.Errorf("executing job %s: phase %q: %w", job.ID, job.Phase, model.ErrInvalidPhase)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(job model.Job, key string) (float64, error) {
	s, ok := job.Params[key]
	if !ok {
		return 0, fmt.Errorf("job %s: missing parameter %s: %w", job.ID, key, model.ErrInvalidPourPoint)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("job %s: parameter %s: %w", job.ID, key, model.ErrInvalidPourPoint)
	}
	return f, nil
}
