package pipeline

import (
	"github.com/CZERTAINLY/basinstats/internal/jobs"
	"github.com/CZERTAINLY/basinstats/internal/model"
)

// Plan is the dry run of a Run: the job lists of both phases without
// touching the engine.
type Plan struct {
	Session   model.Session   `json:"session" yaml:"session"`
	Delineate []model.Job     `json:"delineate" yaml:"delineate"`
	Summarize []model.Job     `json:"summarize" yaml:"summarize"`
	Failures  []model.Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Plan builds the jobs Run would submit assuming every delineation
// succeeds. Summarize jobs point to session.OutputDir.
func (p *Pipeline) Plan(points []model.PourPoint, statRaster string, session model.Session) (Plan, error) {
	if err := validate(points, 1); err != nil {
		return Plan{}, err
	}
	session = runSession(session, p.newRunID(), statRaster)
	plan := Plan{Session: session}

	var valid []model.PourPoint
	for _, pt := range points {
		if err := pt.Validate(); err != nil {
			plan.Failures = append(plan.Failures, model.NewFailure(pt.UID, model.PhaseDelineate, err))
			continue
		}
		valid = append(valid, pt)
	}
	// BuildAll cannot fail for validated points
	plan.Delineate, _ = jobs.BuildAll(valid, model.PhaseDelineate, session)
	plan.Summarize, _ = jobs.BuildAll(valid, model.PhaseSummarize, session)
	return plan, nil
}
