// internal/core/session.go
// Fit session: one run at a time, stoppable, with a sticky terminal state
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"saimfit/internal/config"
	"saimfit/internal/layers"
)

// ErrAlreadyRunning is returned by Start while a run is in flight.
var ErrAlreadyRunning = errors.New("a fit run is already in progress")

// State is the lifecycle state of a session or run.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s is Completed, Aborted or Failed.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted || s == Failed
}

// Run is the handle of one fit run.
type Run struct {
	id      uuid.UUID
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// Written once by the run goroutine before done is closed.
	result   *layers.Stack
	err      error
	finished time.Time
}

func newRun(cancel context.CancelFunc) *Run {
	r := &Run{
		id:      uuid.New(),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	r.state.Store(int32(Running))
	return r
}

// ID returns the unique id of the run.
func (r *Run) ID() uuid.UUID { return r.id }

// Stop requests cancellation and returns immediately. The run becomes
// Aborted once its workers have actually exited; use Wait or Done to observe
// that. Stopping a finished run has no effect.
func (r *Run) Stop() { r.cancel() }

// Status returns the current state of the run.
func (r *Run) Status() State { return State(r.state.Load()) }

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the output stack of a finished run: the full stack when
// Completed, the partial one when Aborted, nil when Failed or still running.
func (r *Run) Result() *layers.Stack {
	select {
	case <-r.done:
		return r.result
	default:
		return nil
	}
}

// Err returns the error that failed the run, or nil.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the run finishes or ctx is done, and returns the final
// state.
func (r *Run) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.Status(), nil
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
}

// Duration returns how long the run took, or has taken so far.
func (r *Run) Duration() time.Duration {
	select {
	case <-r.done:
		return r.finished.Sub(r.started)
	default:
		return time.Since(r.started)
	}
}

// Report summarises the run. It is meaningful once the run is done.
func (r *Run) Report() Report {
	rep := Report{
		ID:       r.id.String(),
		State:    r.Status(),
		Started:  r.started,
		Duration: r.Duration(),
	}
	if err := r.Err(); err != nil {
		rep.Error = err.Error()
	}
	if res := r.Result(); res != nil {
		rep.Width, rep.Height = res.Width(), res.Height()
		rep.Counts = res.Counts()
		rep.Partial = res.Partial()
	}
	return rep
}

// finish publishes the outcome. Result and error come first, then the
// state, then release runs, then done is closed: a terminal Status never
// coexists with an admitted successor, and anyone woken by done can start
// the next run.
func (r *Run) finish(state State, result *layers.Stack, err error, release func()) {
	r.result = result
	r.err = err
	r.finished = time.Now()
	r.state.Store(int32(state))
	release()
	close(r.done)
}

// Session runs fits one at a time.
type Session struct {
	logger   *logrus.Logger
	factory  FitterFactory
	progress ProgressFunc
	debugger *RunDebugger

	running atomic.Bool
	mu      sync.RWMutex
	current *Run
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithFitterFactory replaces the fit engine, mainly for tests.
func WithFitterFactory(f FitterFactory) SessionOption {
	return func(s *Session) { s.factory = f }
}

// WithProgress registers a progress callback for every run.
func WithProgress(p ProgressFunc) SessionOption {
	return func(s *Session) { s.progress = p }
}

// WithDebugger records run operations into d.
func WithDebugger(d *RunDebugger) SessionOption {
	return func(s *Session) { s.debugger = d }
}

func NewSession(logger *logrus.Logger, opts ...SessionOption) *Session {
	s := &Session{logger: logger, factory: NewEngineFitter}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates cfg and begins a run over src in the background.
// A configuration error is returned without any state change; while a run is
// in flight Start returns ErrAlreadyRunning and leaves that run untouched.
// Starting from a terminal state discards the previous run.
func (s *Session) Start(cfg config.FitConfig, src Source) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkAngles(cfg, src); err != nil {
		return nil, err
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("SESSION: Start rejected, run in progress")
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := newRun(cancel)
	cfg = cfg.Clone()

	s.mu.Lock()
	s.current = run
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"run":        run.id.String(),
		"solver":     cfg.SolverName(),
		"wavelength": cfg.Wavelength,
		"heights":    config.FormatHeights(cfg.Heights),
	}).Info("SESSION: Run started")
	if s.debugger != nil {
		s.debugger.LogRunStart(run.id.String(), cfg)
	}

	go s.execute(ctx, run, cfg, src)
	return run, nil
}

func (s *Session) execute(ctx context.Context, run *Run, cfg config.FitConfig, src Source) {
	defer run.cancel()

	result, err := s.process(ctx, cfg, src)

	var state State
	switch {
	case err == nil:
		state = Completed
	case errors.Is(err, context.Canceled):
		state = Aborted
		err = nil
	default:
		state = Failed
		result = nil
	}

	fields := logrus.Fields{
		"run":      run.id.String(),
		"state":    state.String(),
		"duration": time.Since(run.started).String(),
	}
	if result != nil {
		c := result.Counts()
		fields["fitted"] = c.Fitted
		fields["skipped"] = c.Skipped
		fields["failed"] = c.Failed
		fields["pending"] = c.Pending
	}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("SESSION: Run failed")
	} else {
		s.logger.WithFields(fields).Info("SESSION: Run finished")
	}

	run.finish(state, result, err, func() { s.running.Store(false) })

	if s.debugger != nil {
		s.debugger.LogRunComplete(run.Report())
	}
}

// checkAngles builds the angle series for the configured count, or for the
// stack depth when Count is 0. Only configuration errors come back; a bad
// stack or a count that disagrees with it fails the run instead.
func checkAngles(cfg config.FitConfig, src Source) error {
	count := cfg.Count
	if count == 0 {
		if ValidateSource(src) != nil {
			return nil
		}
		_, _, count = src.Dims()
	}
	_, err := config.NewAngleSeries(cfg.FirstAngle, cfg.AngleStep, count, cfg.MirrorAround0, cfg.ZeroDoubled)
	return err
}

func (s *Session) process(ctx context.Context, cfg config.FitConfig, src Source) (*layers.Stack, error) {
	fitter, err := prepare(cfg, src, s.factory)
	if err != nil {
		return nil, err
	}
	return NewProcessor(cfg, fitter, s.logger).Process(ctx, src, s.progress)
}

// Current returns the latest run, or nil if none was started.
func (s *Session) Current() *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Stop stops the current run, if any.
func (s *Session) Stop() {
	if r := s.Current(); r != nil {
		s.logger.WithField("run", r.id.String()).Info("SESSION: Stop requested")
		r.Stop()
	}
}

// Status returns the state of the current run, Idle if none was started.
// A terminal state is visible shortly before Start admits the next run, so
// Start may still return ErrAlreadyRunning right after Status turns terminal.
func (s *Session) Status() State {
	if r := s.Current(); r != nil {
		return r.Status()
	}
	return Idle
}

// Result returns the output of the current run; see Run.Result.
func (s *Session) Result() *layers.Stack {
	if r := s.Current(); r != nil {
		return r.Result()
	}
	return nil
}
