package core

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saimfit/internal/algorithms"
	"saimfit/internal/config"
	"saimfit/internal/fit"
	"saimfit/internal/layers"
	"saimfit/internal/optics"
)

// gatedFitter blocks every fit until release is closed.
type gatedFitter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func newGatedFitter() *gatedFitter {
	return &gatedFitter{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFitter) Fit([]float64) fit.Result {
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })
	<-f.release
	return fit.Result{Height: 42, RSquared: 1, A: 1, B: 1, Status: fit.Fitted}
}

func factoryFor(f Fitter) FitterFactory {
	return func(config.FitConfig, config.AngleSeries) (Fitter, error) { return f, nil }
}

func waitRun(t *testing.T, run *Run) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := run.Wait(ctx)
	require.NoError(t, err, "run did not finish in time")
	return state
}

func TestSessionIdleBeforeStart(t *testing.T) {
	s := NewSession(testLogger())
	assert.Equal(t, Idle, s.Status())
	assert.Nil(t, s.Result())
	assert.Nil(t, s.Current())
	s.Stop()
}

func TestSessionCompletes(t *testing.T) {
	f := &countingFitter{}
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))
	src := uniformStack(3, 2, 4, func(x, _ int) float64 { return float64(200 * x) })

	run, err := s.Start(testConfig(), src)
	require.NoError(t, err)
	assert.NotEqual(t, "", run.ID().String())

	assert.Equal(t, Completed, waitRun(t, run))
	assert.Equal(t, Completed, s.Status())
	require.NotNil(t, s.Result())
	assert.NoError(t, run.Err())
	assert.Equal(t, layers.Counts{Skipped: 2, Fitted: 4}, run.Result().Counts())

	rep := run.Report()
	assert.Equal(t, run.ID().String(), rep.ID)
	assert.Equal(t, Completed, rep.State)
	assert.Equal(t, 3, rep.Width)
	assert.False(t, rep.Partial)
	assert.Greater(t, rep.PixelsPerSecond(), 0.0)
}

func TestReportPixelsPerSecond(t *testing.T) {
	rep := Report{Duration: 2 * time.Second, Counts: layers.Counts{Pending: 5, Skipped: 4, Fitted: 5, Failed: 1}}
	assert.Equal(t, 5.0, rep.PixelsPerSecond(), "pending pixels were never visited")
	assert.Zero(t, Report{}.PixelsPerSecond())
}

func TestSessionStopAborts(t *testing.T) {
	f := newGatedFitter()
	cfg := testConfig()
	cfg.Workers = 1
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))
	src := uniformStack(4, 4, 3, func(int, int) float64 { return 1000 })

	run, err := s.Start(cfg, src)
	require.NoError(t, err)

	<-f.started
	s.Stop()
	assert.Equal(t, Running, run.Status(), "stop returns before the worker exits")
	assert.Nil(t, run.Result())
	close(f.release)

	assert.Equal(t, Aborted, waitRun(t, run))
	assert.NoError(t, run.Err())
	out := run.Result()
	require.NotNil(t, out)
	assert.True(t, out.Partial())
	assert.EqualValues(t, 1, f.calls.Load())

	assert.Equal(t, fit.Fitted, out.Status(0, 0))
	assert.Equal(t, 42.0, out.At(layers.PlaneHeight, 0, 0), "the in-flight pixel completes")
	assert.Equal(t, layers.Counts{Pending: 15, Fitted: 1}, out.Counts())
	for i, v := range out.Plane(layers.PlaneHeight)[1:] {
		assert.Zero(t, v, "pixel %d keeps the sentinel", i+1)
	}
}

func TestSessionAlreadyRunning(t *testing.T) {
	f := newGatedFitter()
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))
	src := uniformStack(2, 2, 3, func(int, int) float64 { return 1000 })

	run, err := s.Start(testConfig(), src)
	require.NoError(t, err)
	<-f.started

	second, err := s.Start(testConfig(), src)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Nil(t, second)
	assert.Same(t, run, s.Current())
	assert.Equal(t, Running, run.Status())

	close(f.release)
	assert.Equal(t, Completed, waitRun(t, run))
	assert.Equal(t, layers.Counts{Fitted: 4}, run.Result().Counts())
}

func TestSessionConcurrentStartsAdmitOne(t *testing.T) {
	f := newGatedFitter()
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))
	src := uniformStack(2, 2, 3, func(int, int) float64 { return 1000 })

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(testConfig(), src)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 15, rejected.Load())

	close(f.release)
	waitRun(t, s.Current())
}

func TestSessionRestartFromTerminal(t *testing.T) {
	f := &countingFitter{}
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))
	src := uniformStack(2, 2, 3, func(int, int) float64 { return 1000 })

	first, err := s.Start(testConfig(), src)
	require.NoError(t, err)
	waitRun(t, first)

	second, err := s.Start(testConfig(), src)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, Completed, waitRun(t, second))
	assert.Same(t, second, s.Current())
	assert.Equal(t, Completed, first.Status(), "terminal states are sticky")
}

func TestSessionConfigErrorDoesNotStart(t *testing.T) {
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(&countingFitter{})))
	cfg := testConfig()
	cfg.Wavelength = -1

	run, err := s.Start(cfg, uniformStack(1, 1, 1, func(int, int) float64 { return 1 }))
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Nil(t, run)
	assert.Equal(t, Idle, s.Status())

	cfg = testConfig()
	cfg.Heights = nil
	_, err = s.Start(cfg, nil)
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), config.HeightsFormatMessage)
}

func TestSessionAngleErrorsFromStackDepthDoNotStart(t *testing.T) {
	f := &countingFitter{}
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))
	cfg := testConfig()
	cfg.FirstAngle = 80
	cfg.AngleStep = 5

	run, err := s.Start(cfg, uniformStack(2, 2, 4, func(int, int) float64 { return 1000 }))
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "angles", cfgErr.Field)
	assert.Nil(t, run)
	assert.Equal(t, Idle, s.Status())

	cfg = testConfig()
	cfg.FirstAngle = 0
	cfg.MirrorAround0 = true
	run, err = s.Start(cfg, uniformStack(2, 2, 4, func(int, int) float64 { return 1000 }))
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "count", cfgErr.Field)
	assert.Nil(t, run)
	assert.Nil(t, s.Current())
	assert.Zero(t, f.calls.Load())
}

func TestSessionNextRunOnlyAfterTerminalState(t *testing.T) {
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(&countingFitter{})))
	src := uniformStack(2, 2, 2, func(int, int) float64 { return 1000 })

	prev, err := s.Start(testConfig(), src)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		var next *Run
		require.Eventually(t, func() bool {
			next, err = s.Start(testConfig(), src)
			return err == nil
		}, 5*time.Second, time.Microsecond)
		assert.True(t, prev.Status().Terminal(), "run %d admitted while its predecessor was %s", i, prev.Status())
		prev = next
	}
	waitRun(t, prev)
}

func TestSessionFailsOnBadShape(t *testing.T) {
	f := &countingFitter{}
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(f)))

	run, err := s.Start(testConfig(), NewStack(3, 3, [][]float32{{1, 2}}))
	require.NoError(t, err)
	assert.Equal(t, Failed, waitRun(t, run))
	assert.Nil(t, run.Result())
	var shapeErr *ShapeError
	assert.True(t, errors.As(run.Err(), &shapeErr))
	assert.Zero(t, f.calls.Load())
}

func TestSessionFailsOnDepthMismatch(t *testing.T) {
	s := NewSession(testLogger(), WithFitterFactory(factoryFor(&countingFitter{})))
	cfg := testConfig()
	cfg.Count = 5

	run, err := s.Start(cfg, uniformStack(2, 2, 3, func(int, int) float64 { return 1000 }))
	require.NoError(t, err)
	assert.Equal(t, Failed, waitRun(t, run))
	var shapeErr *ShapeError
	require.True(t, errors.As(run.Err(), &shapeErr))
	assert.ErrorIs(t, run.Err(), config.ErrDepthMismatch)
}

func TestSessionProgressAndDebugger(t *testing.T) {
	var calls atomic.Int32
	d := NewRunDebugger(testLogger())
	s := NewSession(testLogger(),
		WithFitterFactory(factoryFor(&countingFitter{})),
		WithProgress(func(Progress) { calls.Add(1) }),
		WithDebugger(d),
	)
	run, err := s.Start(testConfig(), uniformStack(2, 3, 2, func(int, int) float64 { return 1000 }))
	require.NoError(t, err)
	waitRun(t, run)

	assert.EqualValues(t, 3, calls.Load())
	require.Eventually(t, func() bool { return len(d.Reports()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Completed, d.Reports()[0].State)
	assert.Equal(t, 2, d.GetStats()["total_operations"])

	var buf bytes.Buffer
	d.PrintStatus(&buf)
	assert.Contains(t, buf.String(), run.ID().String())
}

func TestSessionEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Wavelength = 488
	cfg.NSample = 1.36
	cfg.DOx = 0
	cfg.FirstAngle = 44
	cfg.AngleStep = 0.005
	cfg.Count = 300
	cfg.MirrorAround0 = false
	cfg.ZeroDoubled = false
	cfg.A = 1000
	cfg.B = 200
	cfg.Heights = []float64{50, 100, 150}
	cfg.Threshold = 100

	angles, err := cfg.AngleSeries(300)
	require.NoError(t, err)
	signal := optics.Predict(optics.Setup{Wavelength: 488, NSample: 1.36}, angles, 80, 1000, 200)
	zero := make([]float64, 300)
	src := NewStackFromSeries([][][]float64{
		{signal, zero},
		{zero, zero},
	})

	for _, tc := range []struct {
		solver string
		height float64
		r2     float64
	}{
		{solver: algorithms.LevenbergMarquardt, height: 0.5, r2: 1e-6},
		{solver: algorithms.NelderMead, height: 2, r2: 1e-3},
	} {
		t.Run(tc.solver, func(t *testing.T) {
			cfg := cfg.Clone()
			cfg.Solver = tc.solver

			s := NewSession(testLogger())
			run, err := s.Start(cfg, src)
			require.NoError(t, err)
			require.Equal(t, Completed, waitRun(t, run))

			out := run.Result()
			require.NotNil(t, out)
			assert.Equal(t, fit.Fitted, out.Status(0, 0))
			assert.Equal(t, layers.Counts{Skipped: 3, Fitted: 1}, out.Counts())
			assert.InDelta(t, 80, out.At(layers.PlaneHeight, 0, 0), tc.height)
			assert.InDelta(t, 1, out.At(layers.PlaneRSquared, 0, 0), tc.r2)
			for _, p := range [][2]int{{1, 0}, {0, 1}, {1, 1}} {
				for _, plane := range layers.Planes() {
					assert.Zero(t, out.At(plane, p[0], p[1]))
				}
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Running.Terminal())
}
