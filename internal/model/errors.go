package model

import (
	"errors"
)

var (
	// fatal errors: the run can't produce anything meaningful
	ErrEmptyInput         = errors.New("empty pour point table")
	ErrInvalidConcurrency = errors.New("invalid concurrency")
	ErrEngineUnavailable  = errors.New("engine unavailable")
	ErrWorkspace          = errors.New("workspace error")
	ErrNoRecords          = errors.New("no records produced")

	// per record errors, collected into Result.Failures
	ErrInvalidPourPoint  = errors.New("invalid pour point")
	ErrInvalidPhase      = errors.New("invalid phase")
	ErrJobFailure        = errors.New("job failed")
	ErrMissingResultFile = errors.New("missing result file")
	ErrUnexpectedFormat  = errors.New("unexpected format")
)
