package table

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/basinstats/internal/model"

	"gopkg.in/yaml.v3"
)

// ReadFile reads pour points from path in the format given by its extension
func ReadFile(path string) ([]model.PourPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pour points: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	points, err := Read(f, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return points, nil
}

// Read reads pour points from r. A CSV table must have a header with UID,
// X and Y columns in any order and letter case, other columns are
// ignored. JSON and YAML documents are lists of {uid, x, y} objects.
func Read(r io.Reader, format Format) ([]model.PourPoint, error) {
	var points []model.PourPoint
	var err error
	switch format {
	case FormatCSV:
		points, err = readCSV(r)
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&points)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&points)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	// an empty document is an empty table
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(points) == 0 {
		return nil, model.ErrEmptyInput
	}
	return points, nil
}

func readCSV(r io.Reader) ([]model.PourPoint, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols, err := columns(header)
	if err != nil {
		return nil, err
	}

	var points []model.PourPoint
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		p := model.PourPoint{UID: strings.TrimSpace(rec[cols[0]])}
		if p.X, err = parseCoord(rec[cols[1]]); err != nil {
			return nil, fmt.Errorf("line %d: x: %w", line, err)
		}
		if p.Y, err = parseCoord(rec[cols[2]]); err != nil {
			return nil, fmt.Errorf("line %d: y: %w", line, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// columns returns indexes of uid, x and y
func columns(header []string) ([3]int, error) {
	ret := [3]int{-1, -1, -1}
	for idx, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "uid":
			ret[0] = idx
		case "x":
			ret[1] = idx
		case "y":
			ret[2] = idx
		}
	}
	for i, name := range []string{"UID", "x", "y"} {
		if ret[i] < 0 {
			return ret, fmt.Errorf("header %v: missing column %s", header, name)
		}
	}
	return ret, nil
}

func parseCoord(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrInvalidPourPoint, err)
	}
	return f, nil
}
