package model

import (
	"fmt"
	"math"
	"regexp"
)

// PourPoint marks the outlet of a watershed to be delineated.
type PourPoint struct {
	UID string  `json:"uid" yaml:"uid"`
	X   float64 `json:"x" yaml:"x"`
	Y   float64 `json:"y" yaml:"y"`
}

// UID ends up in raster names and file names, so keep it boring
var uidRx = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate returns ErrInvalidPourPoint when the point can't be turned into a job
func (p PourPoint) Validate() error {
	switch {
	case p.UID == "":
		return fmt.Errorf("empty uid: %w", ErrInvalidPourPoint)
	case !uidRx.MatchString(p.UID):
		return fmt.Errorf("uid %q contains unsupported characters: %w", p.UID, ErrInvalidPourPoint)
	case !finite(p.X) || !finite(p.Y):
		return fmt.Errorf("uid %q: non finite coordinates (%v, %v): %w", p.UID, p.X, p.Y, ErrInvalidPourPoint)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ResultFileName is the name of the statistics document produced for uid.
func ResultFileName(uid string) string {
	return "basin_stats_" + uid + ".txt"
}
