package univar_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/basinstats/internal/model"
	"github.com/CZERTAINLY/basinstats/internal/univar"

	"github.com/stretchr/testify/require"
)

const wellFormed = `n=100
null_cells=5
cells=95
min=1.0
max=9.0
range=8.0
mean=4.5
mean_of_abs=1.2
stddev=2.1
variance=4.41
skip=0
sum=427.5
`

func TestParse(t *testing.T) {
	t.Parallel()
	rec, err := univar.Parse("42", strings.NewReader(wellFormed))
	require.NoError(t, err)
	require.Equal(t, model.StatRecord{
		UID:       "42",
		N:         100,
		NullCells: 5,
		Cells:     95,
		Min:       1.0,
		Max:       9.0,
		Range:     8.0,
		Mean:      4.5,
		MeanOfAbs: 1.2,
		StdDev:    2.1,
		Variance:  4.41,
		Sum:       427.5,
	}, rec)
}

func TestParse_EngineOutput(t *testing.T) {
	t.Parallel()
	// r.univar -g prints coeff_var on the skipped line and extended stats may follow
	doc := strings.Join([]string{
		"n=3", "null_cells=0", "cells=3", "min=-1", "max=1", "range=2", "mean=0",
		"mean_of_abs=0.666667", "stddev=0.816497", "variance=0.666667",
		"coeff_var=-nan", "sum=0", "first_quartile=-1",
	}, "\r\n")
	rec, err := univar.Parse("a", strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 3.0, rec.N)
	require.Equal(t, -1.0, rec.Min)
	require.Equal(t, 0.0, rec.Sum)
}

func TestParse_NoValidCells(t *testing.T) {
	t.Parallel()
	doc := "n=0\nnull_cells=10\ncells=10\nmin=nan\nmax=-nan\nrange=\nmean=nan\nmean_of_abs=nan\nstddev=nan\nvariance=nan\ncoeff_var=nan\nsum=0\n"
	rec, err := univar.Parse("empty", strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 0.0, rec.N)
	require.True(t, math.IsNaN(rec.Min))
	require.True(t, math.IsNaN(rec.Max))
	require.True(t, math.IsNaN(rec.Range))
}

func TestParse_UnexpectedFormat(t *testing.T) {
	t.Parallel()
	lines := strings.Split(strings.TrimSpace(wellFormed), "\n")

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"empty", ""},
		{"truncated", strings.Join(lines[:11], "\n")},
		{"single line", lines[0]},
		{"non numeric", strings.Replace(wellFormed, "mean=4.5", "mean=four", 1)},
		{"wrong key", strings.Replace(wellFormed, "stddev=", "sd=", 1)},
		{"swapped lines", strings.Replace(strings.Replace(wellFormed, "min=1.0", "XX", 1), "max=9.0", "min=1.0", 1)},
		{"missing equal sign", strings.Replace(wellFormed, "sum=427.5", "sum 427.5", 1)},
		{"blank line", strings.Replace(wellFormed, "cells=95\n", "cells=95\n\n", 1)},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			rec, err := univar.Parse("x", strings.NewReader(tt.given))
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrUnexpectedFormat)
			require.Zero(t, rec)
		})
	}
}

func TestParseFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	t.Run("ok", func(t *testing.T) {
		path := filepath.Join(dir, model.ResultFileName("7"))
		require.NoError(t, os.WriteFile(path, []byte(wellFormed), 0o644))
		rec, err := univar.ParseFile("7", path)
		require.NoError(t, err)
		require.Equal(t, "7", rec.UID)
		require.Equal(t, 427.5, rec.Sum)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := univar.ParseFile("8", filepath.Join(dir, model.ResultFileName("8")))
		require.ErrorIs(t, err, model.ErrMissingResultFile)
	})

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(dir, model.ResultFileName("9"))
		require.NoError(t, os.WriteFile(path, []byte("n=1\n"), 0o644))
		_, err := univar.ParseFile("9", path)
		require.ErrorIs(t, err, model.ErrUnexpectedFormat)
	})
}
