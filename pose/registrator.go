package pose

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// MinCorrespondences is the smallest number of correspondences that
// constrains the six pose parameters
const MinCorrespondences = 3

// Registration defaults
const (
	DefaultTolerance      = 1e-6
	DefaultInTolerance    = 1e8
	DefaultPotentialRange = 1.0
	DefaultMaxIterations  = 100
)

// Registrator performs 3D rigid registration between a set of 3D points and
// a set of 2D points.
//
// Each 2D point is associated with a unique 3D point and is assumed to be its
// projection after an unknown rigid transformation (the extrinsic transform)
// followed by known projection parameters (the intrinsic transform).
// Registration estimates the rigid correction that, after projection, maps
// the 3D points on top of the 2D points, with a Levenberg-Marquardt solver
// fed by an analytic Jacobian.
//
// A Registrator is not safe for concurrent use, except for StopRegistration
// which may be called from any goroutine while PerformRegistration runs.
type Registrator struct {
	pairs []Correspondence

	extrinsic Transform3D // current pose of the 3D points, updated every accepted step
	intrinsic Transform3D // projection parameters, never touched by the solver
	cumulated Transform3D // composition of all accepted corrections

	meanSquareError float64
	potential       float64
	potentialRange  float64
	tolerance       float64
	inTolerance     float64

	lambda        float64
	initialLambda float64 // restored by ResetRegistration
	lambdaUp      float64
	lambdaDown float64

	maxIterations int
	iterations    int
	uncertainty   Uncertainty

	state State
	stop  atomic.Bool

	// working storage, sized 2N and owned by this instance
	jacobian       *mat.Dense
	planarError    *mat.VecDense
	candidateError *mat.VecDense
	normal         normalEquations

	jacobianFunc func(jac *mat.Dense, pairs []Correspondence, extrinsic, intrinsic Transform3D) error

	hook   IterationHook
	logger *zap.SugaredLogger
}

// Option configures a Registrator
type Option func(*Registrator)

// WithLogger sets the logger used for iteration and termination messages
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Registrator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIterationHook sets a callback invoked at the top of each iteration that
// follows an accepted step, and once for the initial state
func WithIterationHook(hook IterationHook) Option {
	return func(r *Registrator) {
		r.hook = hook
	}
}

// NewRegistrator creates a registrator with identity transforms and default parameters
func NewRegistrator(opts ...Option) *Registrator {
	r := &Registrator{
		extrinsic:      Identity3D(),
		intrinsic:      Identity3D(),
		cumulated:      Identity3D(),
		potentialRange: DefaultPotentialRange,
		tolerance:      DefaultTolerance,
		inTolerance:    DefaultInTolerance,
		lambda:         DefaultLambda,
		initialLambda:  DefaultLambda,
		lambdaUp:       DefaultLambdaUp,
		lambdaDown:     DefaultLambdaDown,
		maxIterations:  DefaultMaxIterations,
		uncertainty:    DefaultUncertainty(),
		jacobianFunc:   computeJacobian,
		logger:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadAssociatedPoints replaces the whole correspondence set.
// The list is copied; later changes to the caller's slice have no effect.
func (r *Registrator) LoadAssociatedPoints(pairs []Correspondence) {
	r.pairs = make([]Correspondence, len(pairs))
	copy(r.pairs, pairs)
	if r.jacobian != nil {
		if rows, _ := r.jacobian.Dims(); rows != 2*len(pairs) {
			r.releaseBuffers()
		}
	}
}

// Correspondences returns a copy of the current correspondence set
func (r *Registrator) Correspondences() []Correspondence {
	out := make([]Correspondence, len(r.pairs))
	copy(out, r.pairs)
	return out
}

// SetExtrinsicTransform sets the current rigid pose of the 3D points
func (r *Registrator) SetExtrinsicTransform(t Transform3D) {
	r.extrinsic = t
}

// SetIntrinsicTransform sets the projection parameters. In practice any
// transform producing a homogeneous 2D point can be used.
func (r *Registrator) SetIntrinsicTransform(t Transform3D) {
	r.intrinsic = t
}

// ExtrinsicTransform returns the current pose estimate
func (r *Registrator) ExtrinsicTransform() Transform3D {
	return r.extrinsic
}

// IntrinsicTransform returns the projection parameters
func (r *Registrator) IntrinsicTransform() Transform3D {
	return r.intrinsic
}

// SetTranslationUncertainty sets the uncertainty of the translation correction
func (r *Registrator) SetTranslationUncertainty(v r3.Vector) error {
	if err := checkUncertainty("SetTranslationUncertainty", v); err != nil {
		return err
	}
	r.uncertainty[ParamTx], r.uncertainty[ParamTy], r.uncertainty[ParamTz] = v.X, v.Y, v.Z
	return nil
}

// SetRotationUncertainty sets the uncertainty of the rotation correction
func (r *Registrator) SetRotationUncertainty(v r3.Vector) error {
	if err := checkUncertainty("SetRotationUncertainty", v); err != nil {
		return err
	}
	r.uncertainty[ParamRx], r.uncertainty[ParamRy], r.uncertainty[ParamRz] = v.X, v.Y, v.Z
	return nil
}

// Uncertainty returns the six-component uncertainty vector
func (r *Registrator) Uncertainty() Uncertainty {
	return r.uncertainty
}

func checkUncertainty(op string, v r3.Vector) error {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 {
			return newConfigError(op, fmt.Sprintf("uncertainty must be finite and non-negative, got %v", v))
		}
	}
	return nil
}

// SetTolerance sets the success threshold on the mean square error
func (r *Registrator) SetTolerance(tol float64) error {
	if math.IsNaN(tol) || tol < 0 {
		return newConfigError("SetTolerance", fmt.Sprintf("tolerance must be non-negative, got %v", tol))
	}
	r.tolerance = tol
	return nil
}

// Tolerance returns the success threshold
func (r *Registrator) Tolerance() float64 {
	return r.tolerance
}

// SetInTolerance sets the failure threshold on the mean square error. It
// stops registrations that for some reason are not converging.
func (r *Registrator) SetInTolerance(tol float64) error {
	if math.IsNaN(tol) || tol <= 0 {
		return newConfigError("SetInTolerance", fmt.Sprintf("in-tolerance must be positive, got %v", tol))
	}
	r.inTolerance = tol
	return nil
}

// InTolerance returns the failure threshold
func (r *Registrator) InTolerance() float64 {
	return r.inTolerance
}

// SetPotentialRange sets the width of the potential well around a point
func (r *Registrator) SetPotentialRange(rng float64) error {
	if math.IsNaN(rng) || math.IsInf(rng, 0) || rng <= 0 {
		return newConfigError("SetPotentialRange", fmt.Sprintf("potential range must be positive, got %v", rng))
	}
	r.potentialRange = rng
	return nil
}

// SetMaximumNumberOfIterations sets the iteration cap
func (r *Registrator) SetMaximumNumberOfIterations(n int) error {
	if n < 0 {
		return newConfigError("SetMaximumNumberOfIterations", fmt.Sprintf("iteration cap must be non-negative, got %d", n))
	}
	r.maxIterations = n
	return nil
}

// MaximumNumberOfIterations returns the iteration cap
func (r *Registrator) MaximumNumberOfIterations() int {
	return r.maxIterations
}

// SetLambda sets the initial damping coefficient. Zero gives Gauss-Newton steps.
func (r *Registrator) SetLambda(lambda float64) error {
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) || lambda < 0 {
		return newConfigError("SetLambda", fmt.Sprintf("lambda must be finite and non-negative, got %v", lambda))
	}
	r.lambda, r.initialLambda = lambda, lambda
	return nil
}

// SetLambdaFactors sets the multipliers applied to lambda after a rejected
// (up) or accepted (down) step. Both must be greater than 1.
func (r *Registrator) SetLambdaFactors(up, down float64) error {
	if !(up > 1) || !(down > 1) || math.IsInf(up, 0) || math.IsInf(down, 0) {
		return newConfigError("SetLambdaFactors", fmt.Sprintf("lambda factors must be > 1, got up=%v down=%v", up, down))
	}
	r.lambdaUp, r.lambdaDown = up, down
	return nil
}

// Lambda returns the current damping coefficient
func (r *Registrator) Lambda() float64 {
	return r.lambda
}

// MeanSquareError returns the mean square distance between the 2D points
// and the projections of their 3D points
func (r *Registrator) MeanSquareError() float64 {
	return r.meanSquareError
}

// Potential returns the sum of -1/(1+(d/range)^2) over the correspondences
func (r *Registrator) Potential() float64 {
	return r.potential
}

// PotentialRange returns the range used to compute the potential
func (r *Registrator) PotentialRange() float64 {
	return r.potentialRange
}

// NumberOfIterationsPerformed returns the number of iterations of the last run
func (r *Registrator) NumberOfIterationsPerformed() int {
	return r.iterations
}

// Transformation returns the cumulated correction: the rigid transform to
// apply to the 3D points to register their projections with the 2D points.
// Check State to know whether it can be trusted.
func (r *Registrator) Transformation() Transform3D {
	return r.cumulated
}

// State returns the controller state of the last run
func (r *Registrator) State() State {
	return r.state
}

// Residuals reports the per-correspondence fit at the current extrinsic transform
func (r *Registrator) Residuals() ([]Residual, error) {
	return ComputeResiduals(r.pairs, r.extrinsic, r.intrinsic, r.potentialRange)
}

// StopRegistration requests the iteration loop to stop at the next iteration boundary.
// A request made before PerformRegistration starts stops that run at its first
// check. It is safe to call from any goroutine.
func (r *Registrator) StopRegistration() {
	r.stop.Store(true)
}

// ResetRegistration sets the cumulated correction to identity and lambda back
// to its initial value, leaving the transforms and correspondences untouched.
// It is used to restart a registration that did not converge.
func (r *Registrator) ResetRegistration() {
	r.cumulated = Identity3D()
	r.lambda = r.initialLambda
	r.releaseBuffers()
}

// Close releases the working buffers
func (r *Registrator) Close() {
	r.releaseBuffers()
}

// Validate checks that the registrator is ready to run
func (r *Registrator) Validate() error {
	var err error
	if n := len(r.pairs); n < MinCorrespondences {
		err = multierr.Append(err, newConfigError("Validate",
			fmt.Sprintf("%d correspondences, need at least %d to determine 6 pose parameters", n, MinCorrespondences)))
	}
	if !(r.tolerance < r.inTolerance) {
		err = multierr.Append(err, newConfigError("Validate",
			fmt.Sprintf("tolerance %g must be lower than in-tolerance %g", r.tolerance, r.inTolerance)))
	}
	if !r.intrinsic.IsFinite() || !r.extrinsic.IsFinite() {
		err = multierr.Append(err, newConfigError("Validate", "transforms must be finite"))
	}
	return err
}

// allocate sizes the working buffers for the current correspondence count
func (r *Registrator) allocate() {
	rows := 2 * len(r.pairs)
	if r.jacobian != nil {
		if n, _ := r.jacobian.Dims(); n == rows {
			return
		}
	}
	r.jacobian = mat.NewDense(rows, NumParams, nil)
	r.planarError = mat.NewVecDense(rows, nil)
	r.candidateError = mat.NewVecDense(rows, nil)
}

func (r *Registrator) releaseBuffers() {
	r.jacobian = nil
	r.planarError = nil
	r.candidateError = nil
	r.normal = normalEquations{}
}

// PerformRegistration runs the Levenberg-Marquardt iteration until the mean
// square error falls under the tolerance, reaches the in-tolerance, the
// iteration cap is hit, or a stop is requested via StopRegistration or ctx.
//
// It returns a *RegistrationError of kind ConfigurationError when the
// correspondences or thresholds are unusable, SingularSystemError when the
// first solve fails, and DivergenceError when the fit degrades past the
// in-tolerance. The last accepted transforms stay queryable in every case.
func (r *Registrator) PerformRegistration(ctx context.Context) error {
	const op = "PerformRegistration"

	r.iterations = 0
	// a stop requested before the run applies to it; the flag is consumed here
	defer r.stop.Store(false)

	if err := r.Validate(); err != nil {
		r.state = StateFailed
		return err
	}

	r.allocate()

	mse, potential, err := evaluateResiduals(r.pairs, r.extrinsic, r.intrinsic, r.potentialRange, r.planarError)
	if err != nil {
		r.state = StateFailed
		return &RegistrationError{Kind: ConfigurationError, Op: op, Msg: "initial projection failed", Err: err}
	}
	r.meanSquareError, r.potential = mse, potential
	r.state = StateRunning

	r.logger.Debugf("[REG] starting with %d correspondences, mse=%g lambda=%g", len(r.pairs), mse, r.lambda)

	jacobianStale := true
	notify := true
	for {
		if r.stop.Load() || ctx.Err() != nil {
			r.finish(StateUserStopped)
			return nil
		}
		if r.meanSquareError <= r.tolerance {
			r.finish(StateConverged)
			return nil
		}
		if r.meanSquareError >= r.inTolerance {
			r.finish(StateDiverged)
			return newDivergenceError(op, r.meanSquareError, r.inTolerance)
		}
		if r.iterations >= r.maxIterations {
			r.finish(StateMaxIterationsExceeded)
			return nil
		}

		if notify && r.hook != nil {
			r.hook(IterationInfo{
				Iteration:       r.iterations,
				MeanSquareError: r.meanSquareError,
				Potential:       r.potential,
				Lambda:          r.lambda,
				Extrinsic:       r.extrinsic,
			})
		}

		if jacobianStale {
			if err := r.jacobianFunc(r.jacobian, r.pairs, r.extrinsic, r.intrinsic); err != nil {
				r.state = StateFailed
				return newSingularError(op, err)
			}
			r.normal.build(r.jacobian, r.planarError)
			jacobianStale = false
		}

		accepted, err := r.iterate(op)
		if err != nil {
			r.state = StateFailed
			return err
		}
		r.iterations++
		notify = accepted
		jacobianStale = accepted
	}
}

// iterate performs one damped solve and accepts the candidate pose only if it
// lowers the mean square error. A rejected candidate leaves every accepted
// quantity untouched and raises lambda for the next attempt.
func (r *Registrator) iterate(op string) (bool, error) {
	delta, err := r.normal.solve(r.lambda, r.uncertainty)
	if err != nil {
		if r.iterations == 0 {
			return false, newSingularError(op, err)
		}
		r.logger.Debugf("[REG] iteration %d: solve failed (%v), raising lambda", r.iterations, err)
		r.lambda = increaseLambda(r.lambda, r.lambdaUp)
		return false, nil
	}

	step := delta.Transform()
	candidate := step.Mul(r.extrinsic)

	mse, potential, err := evaluateResiduals(r.pairs, candidate, r.intrinsic, r.potentialRange, r.candidateError)
	if err != nil || !(mse < r.meanSquareError) {
		r.logger.Debugf("[REG] iteration %d: rejected step (mse %g -> %g), lambda %g -> %g",
			r.iterations, r.meanSquareError, mse, r.lambda, increaseLambda(r.lambda, r.lambdaUp))
		r.lambda = increaseLambda(r.lambda, r.lambdaUp)
		return false, nil
	}

	r.logger.Debugf("[REG] iteration %d: accepted step (mse %g -> %g), lambda %g", r.iterations, r.meanSquareError, mse, r.lambda)

	r.extrinsic = candidate
	r.cumulated = step.Mul(r.cumulated)
	r.meanSquareError, r.potential = mse, potential
	r.planarError, r.candidateError = r.candidateError, r.planarError
	r.lambda = decreaseLambda(r.lambda, r.lambdaDown)
	return true, nil
}

func (r *Registrator) finish(state State) {
	r.state = state
	r.logger.Infof("[REG] %s after %d iterations: mse=%g potential=%g", state, r.iterations, r.meanSquareError, r.potential)
}
