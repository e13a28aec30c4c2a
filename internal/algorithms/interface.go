// Nonlinear least-squares solvers used by the per-pixel fit
package algorithms

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Solver names.
const (
	LevenbergMarquardt = "levenberg_marquardt"
	NelderMead         = "nelder_mead"
)

var (
	// ErrDiverged means the cost or Jacobian became NaN or infinite.
	ErrDiverged = errors.New("solver diverged")
	// ErrSingular means no damped step could be solved from the start point.
	ErrSingular = errors.New("singular jacobian")
)

// Problem describes a least-squares problem: minimise the squared norm of
// the residual vector written by Func.
type Problem struct {
	Size          int                    // number of residuals
	Func          func(dst, x []float64) // residuals at x, len(dst) == Size
	Init          []float64
	MaxIterations int
}

// Solution is the outcome of one solver start.
type Solution struct {
	X          []float64
	Cost       float64 // sum of squared residuals
	Iterations int
	Converged  bool
}

// Solver defines the interface for least-squares solvers
type Solver interface {
	Solve(p Problem) (Solution, error)
	GetName() string
	GetDescription() string
}

var (
	mu      sync.RWMutex
	solvers = make(map[string]Solver)
)

func Register(name string, solver Solver) {
	mu.Lock()
	defer mu.Unlock()
	solvers[name] = solver
}

func Get(name string) (Solver, bool) {
	mu.RLock()
	defer mu.RUnlock()
	solver, exists := solvers[name]
	return solver, exists
}

// Lookup returns the named solver or an error.
func Lookup(name string) (Solver, error) {
	solver, exists := Get(name)
	if !exists {
		return nil, fmt.Errorf("solver not found: %s", name)
	}
	return solver, nil
}

func IsValidAlgorithm(name string) bool {
	_, exists := Get(name)
	return exists
}

// Names returns the registered solver names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(solvers))
	for name := range solvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(p Problem) error {
	if p.Func == nil {
		return fmt.Errorf("problem has no residual function")
	}
	if p.Size <= 0 || len(p.Init) == 0 {
		return fmt.Errorf("empty problem: %d residuals, %d parameters", p.Size, len(p.Init))
	}
	return nil
}

func sumSquares(r []float64) float64 {
	var s float64
	for _, v := range r {
		s += v * v
	}
	return s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func init() {
	Register(LevenbergMarquardt, NewLevenbergMarquardt())
	Register(NelderMead, NewNelderMead())
}
