package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxConditionNumber is the largest condition number of the normal matrix
// for which a solve is trusted.
const maxConditionNumber = 1e15

// Lambda adaptation defaults
const (
	DefaultLambda     = 1e-3
	DefaultLambdaUp   = 10.0
	DefaultLambdaDown = 10.0
	minLambda         = 1e-12
	maxLambda         = 1e12
)

// normalEquations holds the working storage of one damped Gauss-Newton solve
type normalEquations struct {
	jtj   mat.SymDense // J^T J, cached while the Jacobian is unchanged
	a     mat.SymDense // J^T J + lambda * diag(U)
	b     mat.VecDense // J^T e
	delta mat.VecDense
}

// build computes J^T J and J^T e. It must be called whenever the Jacobian
// or the planar error changes.
func (ne *normalEquations) build(jac *mat.Dense, errVec *mat.VecDense) {
	ne.jtj.Reset()
	ne.jtj.SymOuterK(1, jac.T())
	ne.b.Reset()
	ne.b.MulVec(jac.T(), errVec)
}

// solve returns the correction Delta solving (J^T J + lambda*diag(U)) Delta = J^T e.
// lambda = 0 gives a plain Gauss-Newton step.
func (ne *normalEquations) solve(lambda float64, u Uncertainty) (Delta, error) {
	var d Delta
	n := ne.jtj.SymmetricDim()
	if n != NumParams {
		return d, fmt.Errorf("normal matrix has dimension %d, want %d", n, NumParams)
	}

	ne.a.Reset()
	ne.a.ReuseAsSym(n)
	ne.a.CopySym(&ne.jtj)
	for k := 0; k < NumParams; k++ {
		ne.a.SetSym(k, k, ne.a.At(k, k)+lambda*u[k])
	}

	ne.delta.Reset()
	var chol mat.Cholesky
	if chol.Factorize(&ne.a) {
		if cond := chol.Cond(); cond > maxConditionNumber || math.IsInf(cond, 0) || math.IsNaN(cond) {
			return d, fmt.Errorf("condition number %g", cond)
		}
		if err := chol.SolveVecTo(&ne.delta, &ne.b); err != nil {
			return d, err
		}
	} else {
		// Not positive definite (negative uncertainty or numerical noise): fall back to LU
		var lu mat.LU
		lu.Factorize(&ne.a)
		if cond := lu.Cond(); cond > maxConditionNumber || math.IsInf(cond, 0) || math.IsNaN(cond) {
			return d, fmt.Errorf("condition number %g", cond)
		}
		if err := lu.SolveVecTo(&ne.delta, false, &ne.b); err != nil {
			return d, err
		}
	}

	for k := 0; k < NumParams; k++ {
		v := ne.delta.AtVec(k)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return d, fmt.Errorf("non-finite correction for parameter %d", k)
		}
		d[k] = v
	}
	return d, nil
}

// increaseLambda moves the solver toward gradient descent after a rejected step.
// A zero lambda is first lifted to the smallest usable value.
func increaseLambda(lambda, factor float64) float64 {
	return math.Min(math.Max(lambda, minLambda)*factor, maxLambda)
}

// decreaseLambda moves the solver toward a Gauss-Newton step after an accepted one.
// A zero lambda stays zero.
func decreaseLambda(lambda, factor float64) float64 {
	if lambda == 0 {
		return 0
	}
	return math.Max(lambda/factor, minLambda)
}
