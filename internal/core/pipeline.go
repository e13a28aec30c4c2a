// internal/core/pipeline.go
// Live preview: re-fit on every change, last request wins
package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"saimfit/internal/config"
	"saimfit/internal/layers"
)

// ErrSuperseded is returned by a preview that a newer one replaced.
var ErrSuperseded = errors.New("preview superseded by a newer request")

// DefaultPreviewDelay is the debounce window of Request.
const DefaultPreviewDelay = 200 * time.Millisecond

// Previewer re-fits on demand. Every new preview cancels the one in flight;
// only the newest generation may deliver a result.
type Previewer struct {
	logger   *logrus.Logger
	factory  FitterFactory
	debugger *RunDebugger
	delay    time.Duration

	generation atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	timer  *time.Timer

	onUpdate func(*layers.Stack)
	onError  func(error)
}

// PreviewOption configures a Previewer.
type PreviewOption func(*Previewer)

// WithPreviewDelay sets the debounce window of Request.
func WithPreviewDelay(d time.Duration) PreviewOption {
	return func(p *Previewer) { p.delay = d }
}

// WithPreviewDebugger records previews into d.
func WithPreviewDebugger(d *RunDebugger) PreviewOption {
	return func(p *Previewer) { p.debugger = d }
}

// NewPreviewer returns a Previewer fitting with factory, or with the default
// engine when factory is nil.
func NewPreviewer(logger *logrus.Logger, factory FitterFactory, opts ...PreviewOption) *Previewer {
	if factory == nil {
		factory = NewEngineFitter
	}
	p := &Previewer{
		logger:  logger,
		factory: factory,
		delay:   DefaultPreviewDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetCallbacks sets the receivers of debounced previews.
func (p *Previewer) SetCallbacks(onUpdate func(*layers.Stack), onError func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = onUpdate
	p.onError = onError
}

// Run fits src synchronously as the newest preview, cancelling any preview
// in flight. If a newer preview starts before this one finishes, Run returns
// ErrSuperseded. If ctx itself is cancelled, the partial stack is returned
// with ctx.Err().
func (p *Previewer) Run(ctx context.Context, cfg config.FitConfig, src Source) (*layers.Stack, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	gen, ctx, cancel := p.begin(ctx)
	p.mu.Unlock()
	defer cancel()

	return p.execute(ctx, gen, cfg, src)
}

// Request schedules a preview after the debounce window. Earlier pending or
// running previews are abandoned at once; the result goes to the callbacks
// only if no newer preview was requested meanwhile.
func (p *Previewer) Request(cfg config.FitConfig, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	gen := p.generation.Add(1)
	cfg = cfg.Clone()

	p.logger.WithFields(logrus.Fields{
		"generation": gen,
		"delay_ms":   p.delay.Milliseconds(),
	}).Debug("PREVIEW: Scheduling")

	p.timer = time.AfterFunc(p.delay, func() {
		p.fire(gen, cfg, src)
	})
}

// Stop cancels the pending and running previews. Nothing is delivered
// afterwards until the next Request.
func (p *Previewer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.generation.Add(1)
}

// Generation returns the number of the newest preview.
func (p *Previewer) Generation() uint64 {
	return p.generation.Load()
}

// begin registers a new newest preview. Callers hold p.mu.
func (p *Previewer) begin(parent context.Context) (uint64, context.Context, context.CancelFunc) {
	if p.cancel != nil {
		p.cancel()
	}
	gen := p.generation.Add(1)
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	return gen, ctx, cancel
}

func (p *Previewer) current(gen uint64) bool {
	return p.generation.Load() == gen
}

func (p *Previewer) fire(gen uint64, cfg config.FitConfig, src Source) {
	p.mu.Lock()
	if !p.current(gen) {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	onUpdate, onError := p.onUpdate, p.onError
	p.mu.Unlock()
	defer cancel()

	out, err := p.execute(ctx, gen, cfg, src)
	switch {
	case errors.Is(err, ErrSuperseded):
		return
	case err != nil:
		if onError != nil {
			onError(err)
		}
	default:
		if onUpdate != nil {
			onUpdate(out)
		} else {
			p.logger.Warn("PREVIEW: No update callback set")
		}
	}
}

func (p *Previewer) execute(ctx context.Context, gen uint64, cfg config.FitConfig, src Source) (*layers.Stack, error) {
	start := time.Now()
	out, err := p.fitPreview(ctx, cfg, src)
	if !p.current(gen) {
		out, err = nil, ErrSuperseded
	}

	fields := logrus.Fields{
		"generation":  gen,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Debug("PREVIEW: Not delivered")
	} else {
		p.logger.WithFields(fields).Debug("PREVIEW: Completed")
	}
	if p.debugger != nil {
		p.debugger.LogPreview(gen, time.Since(start), err)
	}
	return out, err
}

func (p *Previewer) fitPreview(ctx context.Context, cfg config.FitConfig, src Source) (*layers.Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fitter, err := prepare(cfg, src, p.factory)
	if err != nil {
		return nil, err
	}
	return NewProcessor(cfg, fitter, p.logger).Process(ctx, src, nil)
}
