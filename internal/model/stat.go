package model

import (
	"fmt"
	"math"
)

// StatRecord holds zonal statistics of one basin. Fields are NaN when
// the basin has no valid cells.
type StatRecord struct {
	UID       string
	N         float64
	NullCells float64
	Cells     float64
	Min       float64
	Max       float64
	Range     float64
	Mean      float64
	MeanOfAbs float64
	StdDev    float64
	Variance  float64
	Sum       float64
}

// StatColumns are the column names of a StatRecord in output tables
var StatColumns = []string{
	"UID", "N", "NULL_CELLS", "CELLS", "MIN", "MAX", "RANGE",
	"MEAN", "MAE", "STDDEV", "VAR", "SUM",
}

// Values returns the numeric fields in StatColumns order (without UID)
func (r StatRecord) Values() []float64 {
	return []float64{
		r.N, r.NullCells, r.Cells, r.Min, r.Max, r.Range,
		r.Mean, r.MeanOfAbs, r.StdDev, r.Variance, r.Sum,
	}
}

// EmptyStatRecord returns a record with every statistic set to NaN
func EmptyStatRecord(uid string) StatRecord {
	nan := math.NaN()
	return StatRecord{
		UID: uid, N: nan, NullCells: nan, Cells: nan, Min: nan, Max: nan, Range: nan,
		Mean: nan, MeanOfAbs: nan, StdDev: nan, Variance: nan, Sum: nan,
	}
}

// Failure explains why a pour point is missing in Result.Records
type Failure struct {
	UID    string `json:"uid" yaml:"uid"`
	Phase  Phase  `json:"phase" yaml:"phase"`
	Reason string `json:"reason" yaml:"reason"`
	Err    error  `json:"-" yaml:"-"`
}

// NewFailure records err as the reason why uid failed in phase
func NewFailure(uid string, phase Phase, err error) Failure {
	return Failure{
		UID:    uid,
		Phase:  phase,
		Reason: err.Error(),
		Err:    err,
	}
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s: %s", f.UID, f.Phase, f.Reason)
}

// Result of a pipeline run. Records are in the order of the input table.
type Result struct {
	RunID    string
	Records  []StatRecord
	Failures []Failure
}

// Partial reports whether some pour points have no record
func (r Result) Partial() bool {
	return len(r.Failures) > 0
}

// FailedUIDs returns uids of failed pour points in the order of failures
func (r Result) FailedUIDs() []string {
	ret := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ret = append(ret, f.UID)
	}
	return ret
}
