package model

import (
	"fmt"
	"time"
)

// Phase of a basin statistics run
type Phase string

const (
	PhaseDelineate Phase = "delineate"
	PhaseSummarize Phase = "summarize"
	// PhaseCollect is used for result parsing failures only, no job runs in it
	PhaseCollect Phase = "collect"
)

// ParsePhase converts a stored phase name back to a Phase
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseDelineate, PhaseSummarize, PhaseCollect:
		return p, nil
	}
	return "", fmt.Errorf("phase %q: %w", s, ErrInvalidPhase)
}

// Job is a description of a single engine invocation. Params are
// opaque to everything except the engine dispatch.
type Job struct {
	ID     string            `json:"id" yaml:"id"`
	Phase  Phase             `json:"phase" yaml:"phase"`
	Params map[string]string `json:"params" yaml:"params"`
}

// Outcome is the result of exactly one executed Job.
type Outcome struct {
	ID        string
	Succeeded bool
	Err       error
	Started   time.Time
	Stopped   time.Time
}
