// Per-pixel multi-start fit of the SAIM model
package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"saimfit/internal/algorithms"
	"saimfit/internal/config"
	"saimfit/internal/optics"
)

// Engine fits one pixel series at a time. It holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	model   *optics.Model
	solver  algorithms.Solver
	heights []float64
	a0, b0  float64
	maxIter int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSolver overrides the solver named in the configuration.
func WithSolver(s algorithms.Solver) Option {
	return func(e *Engine) { e.solver = s }
}

// NewEngine builds the model for angles once; every Fit call reuses it.
func NewEngine(cfg config.FitConfig, angles config.AngleSeries, opts ...Option) (*Engine, error) {
	if len(angles) == 0 {
		return nil, fmt.Errorf("no angles")
	}
	if len(cfg.Heights) == 0 {
		return nil, &config.ConfigError{Field: "heights", Reason: config.HeightsFormatMessage}
	}
	e := &Engine{
		model: optics.NewModel(optics.Setup{
			Wavelength: cfg.Wavelength,
			NSample:    cfg.NSample,
			DOx:        cfg.DOx,
		}, angles),
		heights: append([]float64(nil), cfg.Heights...),
		a0:      cfg.A,
		b0:      cfg.B,
		maxIter: cfg.Iterations(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.solver == nil {
		s, err := algorithms.Lookup(cfg.SolverName())
		if err != nil {
			return nil, &config.ConfigError{Field: "solver", Reason: err.Error(), Err: err}
		}
		e.solver = s
	}
	return e, nil
}

// Len returns the number of angles the engine expects per series.
func (e *Engine) Len() int { return e.model.Len() }

// Fit runs the solver from every height guess and keeps the start with the
// lowest residual. A start that errors or ends on non-finite values is
// dropped; if none is left the result is Failed.
func (e *Engine) Fit(intensities []float64) Result {
	if len(intensities) != e.model.Len() {
		return Result{Status: Failed}
	}

	pred := make([]float64, len(intensities))
	residuals := func(dst, p []float64) {
		e.model.Eval(pred, p[0], p[1], p[2])
		for i := range dst {
			dst[i] = pred[i] - intensities[i]
		}
	}

	best := Result{Status: Failed, Cost: math.Inf(1)}
	for _, h := range e.heights {
		sol, err := e.solver.Solve(algorithms.Problem{
			Size:          len(intensities),
			Func:          residuals,
			Init:          []float64{h, e.a0, e.b0},
			MaxIterations: e.maxIter,
		})
		if err != nil || len(sol.X) != 3 || !usable(sol) {
			continue
		}
		best.Starts++
		if sol.Cost < best.Cost {
			best.Height, best.A, best.B = sol.X[0], sol.X[1], sol.X[2]
			best.Cost = sol.Cost
			best.Status = Fitted
		}
	}
	if best.Status != Fitted {
		return Result{Status: Failed, Starts: best.Starts}
	}

	e.model.Eval(pred, best.Height, best.A, best.B)
	best.RSquared = rSquared(pred, intensities)
	return best
}

func usable(sol algorithms.Solution) bool {
	if math.IsNaN(sol.Cost) || math.IsInf(sol.Cost, 0) {
		return false
	}
	for _, v := range sol.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// rSquared is 1 - SSres/SStot. A flat series has no variance to explain
// and scores 0.
func rSquared(pred, obs []float64) float64 {
	if v := stat.Variance(obs, nil); !(v > 0) {
		return 0
	}
	return stat.RSquaredFrom(pred, obs, nil)
}

// Fit is the one-shot form: it builds an engine for angles and fits a
// single series.
func Fit(angles config.AngleSeries, intensities []float64, cfg config.FitConfig) (Result, error) {
	e, err := NewEngine(cfg, angles)
	if err != nil {
		return Result{}, err
	}
	return e.Fit(intensities), nil
}
