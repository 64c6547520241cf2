// Package univar parses the statistics documents written by the engine for
// every basin. The document is positional: a fixed sequence of key=value
// lines. Keys are checked only to detect a format change, values are
// always read by line index.
package univar

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/basinstats/internal/model"
)

// skip marks a line which must be present, but is not stored
const skip = ""

// layout is the line order of a document, the 11th line holds the
// coefficient of variation, which is not part of a StatRecord
var layout = [...]string{
	"n",
	"null_cells",
	"cells",
	"min",
	"max",
	"range",
	"mean",
	"mean_of_abs",
	"stddev",
	"variance",
	skip,
	"sum",
}

// ParseFile parses a result document of a pour point identified by uid.
// Returns ErrMissingResultFile if the file does not exist.
func ParseFile(uid, path string) (model.StatRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.StatRecord{}, fmt.Errorf("%s: %w", path, model.ErrMissingResultFile)
		}
		return model.StatRecord{}, fmt.Errorf("opening result file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	rec, err := Parse(uid, f)
	if err != nil {
		return model.StatRecord{}, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// Parse reads a document from r. The returned record is either fully
// populated or the error is not nil and wraps ErrUnexpectedFormat.
func Parse(uid string, r io.Reader) (model.StatRecord, error) {
	var values [len(layout)]float64

	scanner := bufio.NewScanner(r)
	idx := 0
	for idx < len(layout) && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		v, err := parseLine(idx, line)
		if err != nil {
			return model.StatRecord{}, err
		}
		values[idx] = v
		idx++
	}
	if err := scanner.Err(); err != nil {
		return model.StatRecord{}, fmt.Errorf("reading result: %w", err)
	}
	if idx < len(layout) {
		return model.StatRecord{}, fmt.Errorf("got %d lines, expected %d: %w", idx, len(layout), model.ErrUnexpectedFormat)
	}

	return model.StatRecord{
		UID:       uid,
		N:         values[0],
		NullCells: values[1],
		Cells:     values[2],
		Min:       values[3],
		Max:       values[4],
		Range:     values[5],
		Mean:      values[6],
		MeanOfAbs: values[7],
		StdDev:    values[8],
		Variance:  values[9],
		Sum:       values[11],
	}, nil
}

func parseLine(idx int, line string) (float64, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return 0, fmt.Errorf("line %d: missing '=': %w", idx+1, model.ErrUnexpectedFormat)
	}
	expected := layout[idx]
	if expected == skip {
		return math.NaN(), nil
	}
	if key = strings.TrimSpace(key); key != expected {
		return 0, fmt.Errorf("line %d: expected key %q, got %q: %w", idx+1, expected, key, model.ErrUnexpectedFormat)
	}
	v, err := parseValue(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: %w", idx+1, key, errors.Join(model.ErrUnexpectedFormat, err))
	}
	return v, nil
}

// parseValue returns NaN for an empty value, engines print nothing or
// a signed nan for a basin without valid cells
func parseValue(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "", "nan", "-nan", "+nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
