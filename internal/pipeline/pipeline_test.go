package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/CZERTAINLY/basinstats/internal/model"
	"github.com/CZERTAINLY/basinstats/internal/pipeline"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine keeps rasters in memory and writes statistics documents
// derived from pour point coordinates: n=x, max=y
type fakeEngine struct {
	checkErr      error
	failDelineate map[string]bool
	failZonal     map[string]bool
	garbage       map[string]bool
	noOutput      map[string]bool
	onDelineate   func(ctx context.Context, uid string) error

	mu        sync.Mutex
	rasters   map[string][2]float64
	zonal     []string
	discarded []string
}

func newFake() *fakeEngine {
	return &fakeEngine{rasters: make(map[string][2]float64)}
}

func (f *fakeEngine) Check(context.Context, model.Session) error {
	return f.checkErr
}

func (f *fakeEngine) Delineate(ctx context.Context, session model.Session, x, y float64, label string) error {
	uid := strings.TrimPrefix(label, session.LabelPrefix)
	if f.onDelineate != nil {
		if err := f.onDelineate(ctx, uid); err != nil {
			return err
		}
	}
	if f.failDelineate[uid] {
		return errors.New("r.water.outlet: outlet outside the region")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rasters[label] = [2]float64{x, y}
	return nil
}

func (f *fakeEngine) ZonalStats(_ context.Context, session model.Session, raster, zone, outputPath string) error {
	uid := strings.TrimPrefix(zone, session.LabelPrefix)
	f.mu.Lock()
	xy, ok := f.rasters[zone]
	f.zonal = append(f.zonal, uid)
	f.mu.Unlock()

	switch {
	case !ok:
		return fmt.Errorf("raster %s not found", zone)
	case raster != "dem":
		return fmt.Errorf("raster %s not found", raster)
	case f.failZonal[uid]:
		return errors.New("r.univar: out of memory")
	case f.noOutput[uid]:
		return nil
	case f.garbage[uid]:
		return os.WriteFile(outputPath, []byte("n=lots\n"), 0o644)
	}
	return os.WriteFile(outputPath, []byte(document(xy[0], xy[1])), 0o644)
}

func (f *fakeEngine) Discard(_ context.Context, _ model.Session, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, pattern)
	for label := range f.rasters {
		if strings.HasPrefix(label, prefix) {
			delete(f.rasters, label)
		}
	}
	return nil
}

func (f *fakeEngine) zonalCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.zonal...)
}

func (f *fakeEngine) rasterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rasters)
}

func document(x, y float64) string {
	fs := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
	return "n=" + fs(x) + "\nnull_cells=0\ncells=" + fs(x) + "\nmin=0\nmax=" + fs(y) +
		"\nrange=" + fs(y) + "\nmean=1\nmean_of_abs=1\nstddev=0\nvariance=0\ncoeff_var=0\nsum=" + fs(x) + "\n"
}

func points(n int) []model.PourPoint {
	ret := make([]model.PourPoint, n)
	for i := range n {
		ret[i] = model.PourPoint{UID: "p" + strconv.Itoa(i), X: float64(i + 1), Y: float64(10 * i)}
	}
	return ret
}

func session() model.Session {
	return model.Session{Name: "mapset", Direction: "fdir", LabelPrefix: "basin_"}
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "workspace leaked")
}

func uids(records []model.StatRecord) []string {
	ret := make([]string, len(records))
	for i, r := range records {
		ret[i] = r.UID
	}
	return ret
}

func TestRun(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	eng := newFake()
	pts := points(7)

	result, err := pipeline.New(eng).WithWorkspace(parent, false).Run(t.Context(), pts, 3, "dem", session())
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.False(t, result.Partial())
	require.Empty(t, result.Failures)
	require.Equal(t, []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}, uids(result.Records))
	for i, rec := range result.Records {
		require.Equal(t, pts[i].X, rec.N)
		require.Equal(t, pts[i].Y, rec.Max)
		require.Equal(t, pts[i].X, rec.Sum)
	}

	requireEmptyDir(t, parent)
	require.Zero(t, eng.rasterCount())
	require.Len(t, eng.discarded, 1)
	require.True(t, strings.HasPrefix(eng.discarded[0], "basin_"))
	require.True(t, strings.HasSuffix(eng.discarded[0], "_*"))
}

func TestRun_Serial(t *testing.T) {
	t.Parallel()
	pts := points(5)
	p := pipeline.New(newFake()).WithWorkspace(t.TempDir(), false)

	serial, err := p.Run(t.Context(), pts, 1, "dem", session())
	require.NoError(t, err)
	wide, err := p.Run(t.Context(), pts, 5, "dem", session())
	require.NoError(t, err)
	require.Equal(t, serial.Records, wide.Records)
	require.NotEqual(t, serial.RunID, wide.RunID)
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	eng := newFake()
	eng.failDelineate = map[string]bool{"p1": true}
	eng.failZonal = map[string]bool{"p3": true}
	eng.garbage = map[string]bool{"p4": true}
	eng.noOutput = map[string]bool{"p5": true}

	pts := points(7)
	pts = append(pts,
		model.PourPoint{UID: "nan", X: math.NaN(), Y: 1},
		model.PourPoint{UID: "a b", X: 1, Y: 1},
	)

	result, err := pipeline.New(eng).WithWorkspace(parent, false).Run(t.Context(), pts, 4, "dem", session())
	require.NoError(t, err)
	require.True(t, result.Partial())
	require.Equal(t, []string{"p0", "p2", "p6"}, uids(result.Records))
	require.Equal(t, []string{"p1", "p3", "p4", "p5", "nan", "a b"}, result.FailedUIDs())

	var testCases = []struct {
		uid   string
		phase model.Phase
		err   error
	}{
		{"p1", model.PhaseDelineate, model.ErrJobFailure},
		{"p3", model.PhaseSummarize, model.ErrJobFailure},
		{"p4", model.PhaseCollect, model.ErrUnexpectedFormat},
		{"p5", model.PhaseCollect, model.ErrMissingResultFile},
		{"nan", model.PhaseDelineate, model.ErrInvalidPourPoint},
		{"a b", model.PhaseDelineate, model.ErrInvalidPourPoint},
	}
	for i, tt := range testCases {
		f := result.Failures[i]
		require.Equal(t, tt.uid, f.UID)
		require.Equal(t, tt.phase, f.Phase, tt.uid)
		require.ErrorIs(t, f.Err, tt.err, tt.uid)
		require.NotEmpty(t, f.Reason)
	}

	require.NotContains(t, eng.zonalCalls(), "p1")
	require.NotContains(t, eng.zonalCalls(), "nan")
	requireEmptyDir(t, parent)
	require.Zero(t, eng.rasterCount())
}

func TestRun_NoRecords(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	eng := newFake()
	eng.failDelineate = map[string]bool{"p0": true, "p1": true}

	result, err := pipeline.New(eng).WithWorkspace(parent, false).Run(t.Context(), points(2), 2, "dem", session())
	require.ErrorIs(t, err, model.ErrNoRecords)
	require.Empty(t, result.Records)
	require.Equal(t, []string{"p0", "p1"}, result.FailedUIDs())
	require.Empty(t, eng.zonalCalls())
	requireEmptyDir(t, parent)
}

func TestRun_Fatal(t *testing.T) {
	t.Parallel()
	dup := points(3)
	dup[2].UID = "p0"

	var testCases = []struct {
		scenario string
		given    func() (*fakeEngine, []model.PourPoint, int)
		then     error
	}{
		{
			scenario: "empty input",
			given:    func() (*fakeEngine, []model.PourPoint, int) { return newFake(), nil, 2 },
			then:     model.ErrEmptyInput,
		},
		{
			scenario: "zero concurrency",
			given:    func() (*fakeEngine, []model.PourPoint, int) { return newFake(), points(2), 0 },
			then:     model.ErrInvalidConcurrency,
		},
		{
			scenario: "duplicate uid",
			given:    func() (*fakeEngine, []model.PourPoint, int) { return newFake(), dup, 2 },
			then:     model.ErrInvalidPourPoint,
		},
		{
			scenario: "engine unavailable",
			given: func() (*fakeEngine, []model.PourPoint, int) {
				eng := newFake()
				eng.checkErr = errors.New("no such mapset")
				return eng, points(2), 2
			},
			then: model.ErrEngineUnavailable,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			parent := t.TempDir()
			eng, pts, concurrency := tt.given()
			result, err := pipeline.New(eng).WithWorkspace(parent, false).Run(t.Context(), pts, concurrency, "dem", session())
			require.ErrorIs(t, err, tt.then)
			require.Empty(t, result.Records)
			require.Empty(t, eng.zonalCalls())
			requireEmptyDir(t, parent)
		})
	}
}

func TestRun_WorkspaceFailure(t *testing.T) {
	t.Parallel()
	parent := filepath.Join(t.TempDir(), "missing")
	_, err := pipeline.New(newFake()).WithWorkspace(parent, false).Run(t.Context(), points(1), 1, "dem", session())
	require.ErrorIs(t, err, model.ErrWorkspace)
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	eng := newFake()
	eng.onDelineate = func(ctx context.Context, uid string) error {
		if uid != "p1" {
			return nil
		}
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	result, err := pipeline.New(eng).WithWorkspace(parent, false).Run(ctx, points(4), 1, "dem", session())
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, result.Records)
	require.Len(t, result.Failures, 4)
	requireEmptyDir(t, parent)
	require.Len(t, eng.discarded, 1)
	require.Zero(t, eng.rasterCount())
}

func TestRun_Concurrent(t *testing.T) {
	t.Parallel()
	eng := newFake()
	p := pipeline.New(eng).WithWorkspace(t.TempDir(), false)

	var wg sync.WaitGroup
	results := make([]model.Result, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Go(func() {
			results[i], errs[i] = p.Run(t.Context(), points(6), 2, "dem", session())
		})
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Records, 6)
		require.Empty(t, results[i].Failures)
	}
	require.Len(t, eng.discarded, 3)
	require.NotEqual(t, eng.discarded[0], eng.discarded[1])
	require.NotEqual(t, eng.discarded[1], eng.discarded[2])
}

func TestPlan(t *testing.T) {
	t.Parallel()
	pts := points(2)
	pts = append(pts, model.PourPoint{UID: "", X: 1, Y: 1})
	sess := session()
	sess.OutputDir = "/out"

	plan, err := pipeline.New(newFake()).Plan(pts, "dem", sess)
	require.NoError(t, err)
	require.Equal(t, "dem", plan.Session.StatRaster)
	require.True(t, strings.HasPrefix(plan.Session.LabelPrefix, "basin_"))
	require.Len(t, plan.Delineate, 2)
	require.Len(t, plan.Summarize, 2)
	require.Len(t, plan.Failures, 1)
	require.ErrorIs(t, plan.Failures[0].Err, model.ErrInvalidPourPoint)

	require.Equal(t, plan.Session.Label("p1"), plan.Delineate[1].Params["output"])
	require.Equal(t, "/out/basin_stats_p1.txt", plan.Summarize[1].Params["output"])

	_, err = pipeline.New(newFake()).Plan(nil, "dem", sess)
	require.ErrorIs(t, err, model.ErrEmptyInput)
}
