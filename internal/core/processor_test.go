package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saimfit/internal/config"
	"saimfit/internal/fit"
	"saimfit/internal/layers"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// countingFitter reports the first intensity as the height.
type countingFitter struct {
	calls atomic.Int64
}

func (f *countingFitter) Fit(s []float64) fit.Result {
	f.calls.Add(1)
	return fit.Result{Height: s[0], RSquared: 1, A: 1, B: 2, Status: fit.Fitted}
}

func testConfig() config.FitConfig {
	cfg := config.Default()
	cfg.Threshold = 100
	cfg.Workers = 4
	return cfg
}

// uniformStack builds a w x h x depth stack where pixel (x, y) has every
// frame equal to value(x, y).
func uniformStack(w, h, depth int, value func(x, y int) float64) *Stack {
	series := make([][][]float64, h)
	for y := range series {
		series[y] = make([][]float64, w)
		for x := range series[y] {
			s := make([]float64, depth)
			for i := range s {
				s[i] = value(x, y)
			}
			series[y][x] = s
		}
	}
	return NewStackFromSeries(series)
}

func TestProcessSkipsBelowThreshold(t *testing.T) {
	src := uniformStack(4, 3, 5, func(x, y int) float64 {
		if x%2 == 0 {
			return 50
		}
		return 500 + float64(y)
	})
	f := &countingFitter{}
	out, err := NewProcessor(testConfig(), f, testLogger()).Process(context.Background(), src, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 6, f.calls.Load(), "skipped pixels never reach the fitter")
	assert.Equal(t, layers.Counts{Skipped: 6, Fitted: 6}, out.Counts())
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if x%2 == 0 {
				assert.Equal(t, fit.Skipped, out.Status(x, y))
				assert.Zero(t, out.At(layers.PlaneHeight, x, y))
			} else {
				assert.Equal(t, fit.Fitted, out.Status(x, y))
				assert.Equal(t, 500+float64(y), out.At(layers.PlaneHeight, x, y))
			}
		}
	}
	assert.False(t, out.Partial())
}

func TestProcessThresholdIsInclusive(t *testing.T) {
	src := uniformStack(1, 1, 3, func(int, int) float64 { return 100 })
	f := &countingFitter{}
	out, err := NewProcessor(testConfig(), f, testLogger()).Process(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, fit.Skipped, out.Status(0, 0))
}

func TestProcessRegion(t *testing.T) {
	cfg := testConfig()
	cfg.Region = config.Region{X: 1, Y: 1, Width: 2, Height: 1}
	src := uniformStack(4, 3, 2, func(int, int) float64 { return 1000 })
	f := &countingFitter{}

	out, err := NewProcessor(cfg, f, testLogger()).Process(context.Background(), src, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.Equal(t, fit.Fitted, out.Status(1, 1))
	assert.Equal(t, fit.Fitted, out.Status(2, 1))
	assert.Equal(t, fit.Skipped, out.Status(0, 0))
	assert.Equal(t, layers.Counts{Skipped: 10, Fitted: 2}, out.Counts())
}

func TestProcessRegionOutsideStack(t *testing.T) {
	cfg := testConfig()
	cfg.Region = config.Region{X: 10, Y: 10, Width: 2, Height: 2}
	src := uniformStack(2, 2, 2, func(int, int) float64 { return 1000 })

	_, err := NewProcessor(cfg, &countingFitter{}, testLogger()).Process(context.Background(), src, nil)
	var shapeErr *ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestProcessProgressAtMostOncePerRow(t *testing.T) {
	const w, h = 5, 7
	src := uniformStack(w, h, 2, func(int, int) float64 { return 1000 })

	var (
		mu      sync.Mutex
		reports []Progress
	)
	progress := func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	}
	_, err := NewProcessor(testConfig(), &countingFitter{}, testLogger()).Process(context.Background(), src, progress)
	require.NoError(t, err)

	require.Len(t, reports, h)
	rows := map[int]bool{}
	last := 0
	for _, p := range reports {
		assert.Equal(t, w*h, p.Total)
		assert.GreaterOrEqual(t, p.Done, last, "done count never goes back")
		assert.False(t, rows[p.Row], "row %d reported twice", p.Row)
		rows[p.Row] = true
		last = p.Done
	}
	assert.Equal(t, w*h, last)
	assert.Equal(t, 1.0, reports[len(reports)-1].Fraction())
}

func TestProcessShapeErrors(t *testing.T) {
	f := &countingFitter{}
	p := NewProcessor(testConfig(), f, testLogger())

	_, err := p.Process(context.Background(), NewStack(2, 2, [][]float32{{1, 2, 3}}), nil)
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Contains(t, err.Error(), "frame 0 has 3 samples")

	_, err = p.Process(context.Background(), NewStack(2, 2, nil), nil)
	assert.True(t, errors.As(err, &shapeErr))

	_, err = p.Process(context.Background(), nil, nil)
	assert.True(t, errors.As(err, &shapeErr))
	assert.Zero(t, f.calls.Load())
}

func TestProcessDepthMismatchWithEngine(t *testing.T) {
	cfg := testConfig()
	angles, err := config.NewAngleSeries(0, 1, 5, false, false)
	require.NoError(t, err)
	engine, err := fit.NewEngine(cfg, angles)
	require.NoError(t, err)

	src := uniformStack(2, 2, 4, func(int, int) float64 { return 1000 })
	_, err = NewProcessor(cfg, engine, testLogger()).Process(context.Background(), src, nil)
	var shapeErr *ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestProcessCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := uniformStack(3, 3, 2, func(int, int) float64 { return 1000 })
	f := &countingFitter{}

	out, err := NewProcessor(testConfig(), f, testLogger()).Process(ctx, src, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out)
	assert.True(t, out.Partial())
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, layers.Counts{Pending: 9}, out.Counts())
}

func TestSelection(t *testing.T) {
	sel, err := NewSelection(config.Region{}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, sel.Size())

	sel, err = NewSelection(config.Region{X: 2, Y: 0, Width: 5, Height: 5}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sel.Size(), "clipped to the stack")
	assert.True(t, sel.Contains(2, 1))
	assert.False(t, sel.Contains(1, 1))
}
