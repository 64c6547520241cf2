package table

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/CZERTAINLY/basinstats/internal/model"

	"gopkg.in/yaml.v3"
)

// Write stores the records of result in the given format. CSV carries
// records only, JSON and YAML documents contain failures as well. NaN
// is an empty cell in CSV and null elsewhere.
func Write(w io.Writer, format Format, result model.Result) error {
	switch format {
	case FormatCSV:
		return AsCSV(w, result.Records)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(newDocument(result))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newDocument(result)); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q", format)
}

func AsCSV(w io.Writer, records []model.StatRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(model.StatColumns); err != nil {
		return err
	}
	line := make([]string, len(model.StatColumns))
	for _, r := range records {
		line[0] = r.UID
		for i, v := range r.Values() {
			line[i+1] = formatValue(v)
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

type document struct {
	RunID    string          `json:"run_id" yaml:"run_id"`
	Records  []row           `json:"records" yaml:"records"`
	Failures []model.Failure `json:"failures" yaml:"failures"`
}

// row mirrors model.StatColumns
type row struct {
	UID       string   `json:"UID" yaml:"UID"`
	N         *float64 `json:"N" yaml:"N"`
	NullCells *float64 `json:"NULL_CELLS" yaml:"NULL_CELLS"`
	Cells     *float64 `json:"CELLS" yaml:"CELLS"`
	Min       *float64 `json:"MIN" yaml:"MIN"`
	Max       *float64 `json:"MAX" yaml:"MAX"`
	Range     *float64 `json:"RANGE" yaml:"RANGE"`
	Mean      *float64 `json:"MEAN" yaml:"MEAN"`
	MeanOfAbs *float64 `json:"MAE" yaml:"MAE"`
	StdDev    *float64 `json:"STDDEV" yaml:"STDDEV"`
	Variance  *float64 `json:"VAR" yaml:"VAR"`
	Sum       *float64 `json:"SUM" yaml:"SUM"`
}

func newDocument(result model.Result) document {
	doc := document{
		RunID:    result.RunID,
		Records:  make([]row, len(result.Records)),
		Failures: result.Failures,
	}
	if doc.Failures == nil {
		doc.Failures = []model.Failure{}
	}
	for i, r := range result.Records {
		doc.Records[i] = row{
			UID:       r.UID,
			N:         ptr(r.N),
			NullCells: ptr(r.NullCells),
			Cells:     ptr(r.Cells),
			Min:       ptr(r.Min),
			Max:       ptr(r.Max),
			Range:     ptr(r.Range),
			Mean:      ptr(r.Mean),
			MeanOfAbs: ptr(r.MeanOfAbs),
			StdDev:    ptr(r.StdDev),
			Variance:  ptr(r.Variance),
			Sum:       ptr(r.Sum),
		}
	}
	return doc
}

func ptr(f float64) *float64 {
	if math.IsNaN(f) {
		return nil
	}
	return &f
}
