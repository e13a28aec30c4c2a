// Levenberg-Marquardt on gonum dense matrices
package algorithms

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const defaultIterations = 100

// LM is a Marquardt-scaled Levenberg-Marquardt solver. The Jacobian is
// estimated with central differences.
type LM struct {
	Lambda0 float64 // initial damping
	FTol    float64 // relative cost decrease treated as converged
	XTol    float64 // relative step length treated as converged
	GTol    float64 // gradient max-norm treated as converged
	Tries   int     // damping increases per iteration before giving up
}

func NewLevenbergMarquardt() *LM {
	return &LM{
		Lambda0: 1e-3,
		FTol:    1e-12,
		XTol:    1e-10,
		GTol:    1e-12,
		Tries:   12,
	}
}

func (s *LM) GetName() string {
	return "Levenberg-Marquardt"
}

func (s *LM) GetDescription() string {
	return "Damped Gauss-Newton with Marquardt diagonal scaling and finite-difference Jacobian"
}

func (s *LM) Solve(p Problem) (Solution, error) {
	if err := validate(p); err != nil {
		return Solution{}, err
	}
	n, m := len(p.Init), p.Size
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultIterations
	}

	x := append([]float64(nil), p.Init...)
	r := make([]float64, m)
	p.Func(r, x)
	cost := sumSquares(r)
	if !finite(cost) {
		return Solution{X: x, Cost: cost}, ErrDiverged
	}

	var (
		jac      = mat.NewDense(m, n, nil)
		jtj      = mat.NewSymDense(n, nil)
		damped   = mat.NewSymDense(n, nil)
		grad     = mat.NewVecDense(n, nil)
		residual = mat.NewVecDense(m, r)
		step     mat.VecDense
		chol     mat.Cholesky
		trial    = make([]float64, n)
		rTrial   = make([]float64, m)
		settings = &fd.JacobianSettings{Formula: fd.Central}
	)

	lambda := s.Lambda0
	factorized := false
	sol := Solution{}

	for iter := 1; iter <= maxIter; iter++ {
		sol.Iterations = iter
		if cost == 0 {
			sol.Converged = true
			break
		}

		fd.Jacobian(jac, p.Func, x, settings)
		for _, v := range jac.RawMatrix().Data {
			if !finite(v) {
				return Solution{X: x, Cost: cost, Iterations: iter}, ErrDiverged
			}
		}
		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), residual)
		if mat.Norm(grad, math.Inf(1)) <= s.GTol {
			sol.Converged = true
			break
		}

		improved := false
		for try := 0; try < s.Tries; try++ {
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					damped.SetSym(i, j, jtj.At(i, j))
				}
				d := math.Max(jtj.At(i, i), 1e-12)
				damped.SetSym(i, i, jtj.At(i, i)+lambda*d)
			}
			if ok := chol.Factorize(damped); !ok {
				lambda *= 10
				continue
			}
			factorized = true
			if err := chol.SolveVecTo(&step, grad); err != nil {
				// ill-conditioned: more damping pulls it towards gradient descent
				lambda *= 10
				continue
			}

			stepOK := true
			for i := range trial {
				trial[i] = x[i] - step.AtVec(i)
				if !finite(trial[i]) {
					stepOK = false
				}
			}
			if !stepOK {
				lambda *= 10
				continue
			}

			p.Func(rTrial, trial)
			c := sumSquares(rTrial)
			if !finite(c) || c >= cost {
				lambda *= 10
				continue
			}

			dx := mat.Norm(&step, 2)
			xn := floats.Norm(x, 2)
			drop := cost - c
			copy(x, trial)
			copy(r, rTrial)
			cost = c
			lambda = math.Max(lambda/10, 1e-12)
			improved = true

			if drop <= s.FTol*cost || dx <= s.XTol*(xn+s.XTol) {
				sol.Converged = true
			}
			break
		}

		if !improved {
			if !factorized {
				return Solution{X: x, Cost: cost, Iterations: iter}, ErrSingular
			}
			// no damping produced a descent step: local minimum
			sol.Converged = true
		}
		if sol.Converged {
			break
		}
	}

	sol.X = x
	sol.Cost = cost
	return sol, nil
}
