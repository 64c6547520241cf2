package executor

import (
	"errors"
	"fmt"

	"github.com/CZERTAINLY/basinstats/internal/model"
)

// Outcomes of a batch in the order of submitted jobs
type Outcomes struct {
	outcomes []model.Outcome
	byID     map[string]int
}

func newOutcomes(outcomes []model.Outcome) Outcomes {
	byID := make(map[string]int, len(outcomes))
	for idx, o := range outcomes {
		byID[o.ID] = idx
	}
	return Outcomes{outcomes: outcomes, byID: byID}
}

// Len returns the number of outcomes, which equals the number of submitted jobs
func (o Outcomes) Len() int {
	return len(o.outcomes)
}

// Get returns the outcome of a job with id
func (o Outcomes) Get(id string) (model.Outcome, bool) {
	idx, ok := o.byID[id]
	if !ok {
		return model.Outcome{}, false
	}
	return o.outcomes[idx], true
}

// Succeeded returns ids of succeeded jobs in the submission order
func (o Outcomes) Succeeded() []string {
	var ret []string
	for _, outcome := range o.outcomes {
		if outcome.Succeeded {
			ret = append(ret, outcome.ID)
		}
	}
	return ret
}

// Failed returns ids of failed jobs in the submission order
func (o Outcomes) Failed() []string {
	var ret []string
	for _, outcome := range o.outcomes {
		if !outcome.Succeeded {
			ret = append(ret, outcome.ID)
		}
	}
	return ret
}

// Partial is true if at least one job has failed
func (o Outcomes) Partial() bool {
	for _, outcome := range o.outcomes {
		if !outcome.Succeeded {
			return true
		}
	}
	return false
}

func joinJobFailure(err error) error {
	if errors.Is(err, model.ErrJobFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrJobFailure, err)
}
