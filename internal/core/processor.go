// internal/core/processor.go
// Parallel per-pixel fitting over an input stack
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"saimfit/internal/config"
	"saimfit/internal/fit"
	"saimfit/internal/layers"
)

// Fitter fits one pixel series. *fit.Engine is the production implementation.
type Fitter interface {
	Fit(intensities []float64) fit.Result
}

// FitterFactory builds the fitter for a run.
type FitterFactory func(cfg config.FitConfig, angles config.AngleSeries) (Fitter, error)

// NewEngineFitter is the default FitterFactory.
func NewEngineFitter(cfg config.FitConfig, angles config.AngleSeries) (Fitter, error) {
	return fit.NewEngine(cfg, angles)
}

// Progress reports completed pixels, skipped ones included.
type Progress struct {
	Done  int
	Total int
	Row   int // row whose completion triggered the report
}

// Fraction returns Done/Total.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Done) / float64(p.Total)
}

// ProgressFunc receives progress reports. Calls are serialised and happen
// at most once per finished row.
type ProgressFunc func(Progress)

// Processor fans the pixels of a stack out over a pool of goroutines. Rows
// are the unit of work, so every worker owns disjoint pixels of the output.
type Processor struct {
	cfg    config.FitConfig
	fitter Fitter
	logger *logrus.Logger
}

func NewProcessor(cfg config.FitConfig, fitter Fitter, logger *logrus.Logger) *Processor {
	return &Processor{cfg: cfg, fitter: fitter, logger: logger}
}

// Process fits every selected pixel above threshold. Cancellation is checked
// before each pixel; an in-flight pixel fit is never interrupted. When ctx
// is cancelled before all pixels are done, the partial stack is returned
// together with ctx.Err().
func (p *Processor) Process(ctx context.Context, src Source, progress ProgressFunc) (*layers.Stack, error) {
	if err := ValidateSource(src); err != nil {
		return nil, err
	}
	width, height, depth := src.Dims()
	if l, ok := p.fitter.(interface{ Len() int }); ok && l.Len() != depth {
		return nil, &ShapeError{Reason: fmt.Sprintf("stack has %d frames, fitter expects %d", depth, l.Len())}
	}
	sel, err := NewSelection(p.cfg.Region, width, height)
	if err != nil {
		return nil, err
	}

	out := layers.NewStack(width, height)
	total := width * height
	workers := p.cfg.WorkerCount()
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}

	p.logger.WithFields(logrus.Fields{
		"width":    width,
		"height":   height,
		"depth":    depth,
		"workers":  workers,
		"selected": sel.Size(),
	}).Debug("PROCESSOR: Starting")

	var (
		done     atomic.Int64
		fitted   atomic.Int64
		rows     = make(chan int, workers)
		finished = make(chan int, workers)
		wg       sync.WaitGroup
	)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			series := make([]float64, depth)
			for y := range rows {
				for x := 0; x < width; x++ {
					if ctx.Err() != nil {
						return
					}
					if p.processPixel(src, out, sel, series, x, y) {
						fitted.Add(1)
					}
					done.Add(1)
				}
				select {
				case finished <- y:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Collector: the only goroutine that calls progress.
	var cwg sync.WaitGroup
	cwg.Add(1)
	go func() {
		defer cwg.Done()
		for y := range finished {
			if progress != nil {
				progress(Progress{Done: int(done.Load()), Total: total, Row: y})
			}
		}
	}()

feed:
	for y := 0; y < height; y++ {
		select {
		case <-ctx.Done():
			break feed
		case rows <- y:
		}
	}
	close(rows)
	wg.Wait()
	close(finished)
	cwg.Wait()

	completed := int(done.Load())
	if err := ctx.Err(); err != nil && completed < total {
		out.SetPartial(true)
		p.logger.WithFields(logrus.Fields{
			"done":  completed,
			"total": total,
		}).Info("PROCESSOR: Cancelled")
		return out, err
	}

	p.logger.WithFields(logrus.Fields{
		"total":  total,
		"fitted": fitted.Load(),
	}).Debug("PROCESSOR: Finished")
	return out, nil
}

// processPixel handles pixel (x, y) and reports whether the fitter ran.
func (p *Processor) processPixel(src Source, out *layers.Stack, sel Selection, series []float64, x, y int) bool {
	if !sel.Contains(x, y) {
		out.Set(fit.SkippedAt(x, y))
		return false
	}
	src.Series(series, x, y)
	if p.cfg.BelowThreshold(series) {
		out.Set(fit.SkippedAt(x, y))
		return false
	}
	r := p.fitter.Fit(series)
	r.X, r.Y = x, y
	out.Set(r)
	return true
}

// prepare checks src against cfg and builds the fitter. Every error here is
// structural: it happens before the first pixel.
func prepare(cfg config.FitConfig, src Source, factory FitterFactory) (Fitter, error) {
	if err := ValidateSource(src); err != nil {
		return nil, err
	}
	_, _, depth := src.Dims()
	angles, err := cfg.AngleSeries(depth)
	if err != nil {
		if errors.Is(err, config.ErrDepthMismatch) {
			return nil, &ShapeError{Reason: err.Error(), Err: err}
		}
		return nil, err
	}
	fitter, err := factory(cfg, angles)
	if err != nil {
		return nil, fmt.Errorf("building fitter: %w", err)
	}
	return fitter, nil
}
