// Derivative-free fallback using gonum's Nelder-Mead simplex
package algorithms

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Simplex minimises the sum of squared residuals with Nelder-Mead. The
// parameters are scaled by their start values so one simplex size suits
// heights, amplitudes and offsets alike. A collapsed simplex is rebuilt
// around the best point up to Restarts times.
type Simplex struct {
	Tolerance float64
	Restarts  int
	// IterationsPerParam scales the iteration budget; a simplex step is much
	// cheaper than a Gauss-Newton step.
	IterationsPerParam int
}

func NewNelderMead() *Simplex {
	return &Simplex{Tolerance: 1e-12, Restarts: 4, IterationsPerParam: 5}
}

func (s *Simplex) GetName() string {
	return "Nelder-Mead"
}

func (s *Simplex) GetDescription() string {
	return "Derivative-free simplex search on the sum of squared residuals"
}

func (s *Simplex) Solve(p Problem) (Solution, error) {
	if err := validate(p); err != nil {
		return Solution{}, err
	}
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultIterations
	}
	n := len(p.Init)
	if s.IterationsPerParam > 1 {
		maxIter *= s.IterationsPerParam * n
	}

	x := append([]float64(nil), p.Init...)
	r := make([]float64, p.Size)
	p.Func(r, x)
	best := sumSquares(r)

	sol := Solution{}
	for round := 0; round <= s.Restarts; round++ {
		res, err := s.minimize(p, x, r, maxIter)
		if err != nil {
			return Solution{}, err
		}
		if !finite(res.Cost) {
			return Solution{Cost: res.Cost}, ErrDiverged
		}
		sol.Iterations += res.Iterations
		sol.Converged = res.Converged
		drop := best - res.Cost
		if res.Cost < best {
			copy(x, res.X)
			best = res.Cost
		}
		if !res.Converged || drop <= s.Tolerance*math.Max(best, 1) {
			break
		}
	}

	sol.X = x
	sol.Cost = best
	return sol, nil
}

// minimize runs one simplex search started around x0.
func (s *Simplex) minimize(p Problem, x0, r []float64, maxIter int) (Solution, error) {
	n := len(x0)
	scale := make([]float64, n)
	u0 := make([]float64, n)
	for i, v := range x0 {
		scale[i] = math.Max(math.Abs(v), 1)
		u0[i] = v / scale[i]
	}

	x := make([]float64, n)
	unscale := func(u []float64) {
		for i := range u {
			x[i] = u[i] * scale[i]
		}
	}

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			unscale(u)
			p.Func(r, x)
			return sumSquares(r)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.Tolerance,
			Relative:   s.Tolerance,
			Iterations: 2 * n * 10,
		},
	}

	res, err := optimize.Minimize(problem, u0, settings, &optimize.NelderMead{})
	if err != nil {
		return Solution{}, fmt.Errorf("nelder-mead: %w", err)
	}
	if !finite(res.F) {
		return Solution{Cost: res.F}, nil
	}

	unscale(res.X)
	return Solution{
		X:          append([]float64(nil), x...),
		Cost:       res.F,
		Iterations: res.MajorIterations,
		Converged:  res.Status != optimize.IterationLimit && res.Status != optimize.FunctionEvaluationLimit,
	}, nil
}
