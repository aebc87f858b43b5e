package pose

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newSceneRegistrator(t *testing.T, cfg SceneConfig, opts ...Option) (*Registrator, *Scene) {
	t.Helper()
	scene, err := GenerateScene(cfg)
	require.NoError(t, err)

	r := NewRegistrator(opts...)
	r.LoadAssociatedPoints(scene.Correspondences)
	r.SetIntrinsicTransform(scene.Intrinsic)
	return r, scene
}

func TestPerformRegistration_RecoversPose(t *testing.T) {
	r, scene := newSceneRegistrator(t, DefaultSceneConfig())
	require.NoError(t, r.SetTolerance(1e-10))

	require.NoError(t, r.PerformRegistration(context.Background()))

	assert.Equal(t, StateConverged, r.State())
	assert.LessOrEqual(t, r.MeanSquareError(), 1e-10)
	assert.Greater(t, r.NumberOfIterationsPerformed(), 0)
	assert.True(t, r.Transformation().Equal(scene.TruePose, 1e-6),
		"cumulated transform %v, want %v", r.Transformation(), scene.TruePose)
	// starting from identity the extrinsic transform is the cumulated correction
	assert.True(t, r.ExtrinsicTransform().Equal(r.Transformation(), 1e-12))
}

func TestPerformRegistration_FromInitialExtrinsic(t *testing.T) {
	cfg := DefaultSceneConfig()
	r, scene := newSceneRegistrator(t, cfg)
	require.NoError(t, r.SetTolerance(1e-10))

	initial := RigidTransform3D(r3.Vector{X: 0.1, Y: 0, Z: 0.1}, r3.Vector{X: 0.02, Y: 0, Z: 0})
	r.SetExtrinsicTransform(initial)

	require.NoError(t, r.PerformRegistration(context.Background()))
	require.Equal(t, StateConverged, r.State())

	// extrinsic = cumulated * initial
	assert.True(t, r.ExtrinsicTransform().Equal(scene.TruePose, 1e-6))
	assert.True(t, r.Transformation().Mul(initial).Equal(r.ExtrinsicTransform(), 1e-9))
}

func TestPerformRegistration_MeanSquareErrorNeverIncreases(t *testing.T) {
	cfg := DefaultSceneConfig()
	cfg.Noise = 0.5

	var history []float64
	r, _ := newSceneRegistrator(t, cfg, WithIterationHook(func(info IterationInfo) {
		history = append(history, info.MeanSquareError)
	}))
	require.NoError(t, r.SetTolerance(0))
	require.NoError(t, r.SetMaximumNumberOfIterations(30))

	require.NoError(t, r.PerformRegistration(context.Background()))

	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.LessOrEqual(t, history[i], history[i-1], "mse increased at accepted step %d", i)
	}
	assert.LessOrEqual(t, r.MeanSquareError(), history[len(history)-1])
	// noisy observations cannot be fitted exactly
	assert.Greater(t, r.MeanSquareError(), 0.0)
}

func TestPerformRegistration_InsufficientCorrespondences(t *testing.T) {
	scene, err := GenerateScene(DefaultSceneConfig())
	require.NoError(t, err)

	tests := []struct {
		name  string
		count int
	}{
		{"no correspondences", 0},
		{"one correspondence", 1},
		{"two correspondences", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistrator()
			r.LoadAssociatedPoints(scene.Correspondences[:tt.count])
			r.SetIntrinsicTransform(scene.Intrinsic)

			err := r.PerformRegistration(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, 0, r.NumberOfIterationsPerformed())
			assert.Equal(t, StateFailed, r.State())
			assert.Equal(t, Identity3D(), r.Transformation())
		})
	}
}

func TestPerformRegistration_ToleranceOrdering(t *testing.T) {
	r, _ := newSceneRegistrator(t, DefaultSceneConfig())
	require.NoError(t, r.SetTolerance(5))
	require.NoError(t, r.SetInTolerance(5))

	err := r.PerformRegistration(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, r.NumberOfIterationsPerformed())
}

func TestPerformRegistration_AlreadyConverged(t *testing.T) {
	r, scene := newSceneRegistrator(t, DefaultSceneConfig())
	r.SetExtrinsicTransform(scene.TruePose)

	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Equal(t, StateConverged, r.State())
	assert.Equal(t, 0, r.NumberOfIterationsPerformed())
	assert.Equal(t, Identity3D(), r.Transformation())
	assert.InDelta(t, -float64(len(scene.Correspondences)), r.Potential(), 1e-9)
}

func TestPerformRegistration_MaxIterations(t *testing.T) {
	cfg := DefaultSceneConfig()
	cfg.Noise = 0.5

	tests := []struct {
		name string
		max  int
	}{
		{"zero iterations", 0},
		{"one iteration", 1},
		{"three iterations", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newSceneRegistrator(t, cfg)
			require.NoError(t, r.SetTolerance(0))
			require.NoError(t, r.SetMaximumNumberOfIterations(tt.max))

			require.NoError(t, r.PerformRegistration(context.Background()))
			assert.Equal(t, StateMaxIterationsExceeded, r.State())
			assert.Equal(t, tt.max, r.NumberOfIterationsPerformed())
		})
	}
}

func TestPerformRegistration_Divergence(t *testing.T) {
	r, scene := newSceneRegistrator(t, DefaultSceneConfig())
	require.NoError(t, r.SetTolerance(1e-3))
	require.NoError(t, r.SetInTolerance(1))

	start := RigidTransform3D(r3.Vector{X: 1.5, Y: -1, Z: 0}, r3.Vector{})
	r.SetExtrinsicTransform(start)

	err := r.PerformRegistration(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDivergence)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, StateDiverged, r.State())
	assert.GreaterOrEqual(t, r.MeanSquareError(), 1.0)

	// last accepted transforms stay queryable
	assert.Equal(t, start, r.ExtrinsicTransform())
	assert.Equal(t, Identity3D(), r.Transformation())
	assert.False(t, r.ExtrinsicTransform().Equal(scene.TruePose, 1e-3))
}

func TestPerformRegistration_DivergesOnCorruptedObservations(t *testing.T) {
	scene, err := GenerateScene(DefaultSceneConfig())
	require.NoError(t, err)

	pairs := make([]Correspondence, len(scene.Correspondences))
	copy(pairs, scene.Correspondences)
	// three gross outliers, 5000 px off on both axes: about 7.5e6 of MSE
	// that no pose can explain
	for _, i := range []int{2, 9, 15} {
		pairs[i].P2.X += 5000
		pairs[i].P2.Y -= 5000
	}

	tests := []struct {
		name      string
		pairs     []Correspondence
		wantState State
	}{
		{"exact observations", scene.Correspondences, StateConverged},
		{"corrupted observations", pairs, StateDiverged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistrator()
			r.LoadAssociatedPoints(tt.pairs)
			r.SetIntrinsicTransform(scene.Intrinsic)
			require.NoError(t, r.SetInTolerance(1e6))
			require.NoError(t, r.SetMaximumNumberOfIterations(50))

			err := r.PerformRegistration(context.Background())
			assert.Equal(t, tt.wantState, r.State())
			if tt.wantState != StateDiverged {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDivergence)
			assert.GreaterOrEqual(t, r.MeanSquareError(), 1e6)
			assert.Equal(t, Identity3D(), r.Transformation())
		})
	}
}

func TestPerformRegistration_SingularSystem(t *testing.T) {
	// An orthographic projection drops depth: the tz column of the Jacobian is
	// identically zero and, without damping, the normal matrix is singular.
	pairs := []Correspondence{
		NewCorrespondence(0, 0, 1, 0, 5),
		NewCorrespondence(1, 0, 0, 1, 5),
		NewCorrespondence(0, 1, 1, 1, 6),
		NewCorrespondence(2, 2, -1, 0, 4),
	}

	r := NewRegistrator()
	r.LoadAssociatedPoints(pairs)
	r.SetIntrinsicTransform(OrthographicIntrinsics(1))
	require.NoError(t, r.SetLambda(0))

	err := r.PerformRegistration(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSingularSystem)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, 0, r.NumberOfIterationsPerformed())
}

func TestPerformRegistration_DampingHandlesMissingDepth(t *testing.T) {
	// Same degenerate geometry, but damping keeps the system solvable
	scene, err := GenerateScene(DefaultSceneConfig())
	require.NoError(t, err)

	pairs := make([]Correspondence, len(scene.Correspondences))
	truth := RigidTransform3D(r3.Vector{X: 0.3, Y: -0.2, Z: 0}, r3.Vector{Z: 0.02})
	ortho := OrthographicIntrinsics(10)
	for i, c := range scene.Correspondences {
		p2, err := Project(c.P3, truth, ortho)
		require.NoError(t, err)
		pairs[i] = Correspondence{P2: p2, P3: c.P3}
	}

	r := NewRegistrator()
	r.LoadAssociatedPoints(pairs)
	r.SetIntrinsicTransform(ortho)
	require.NoError(t, r.SetTolerance(1e-10))

	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Equal(t, StateConverged, r.State())
	got := r.Transformation()
	assert.InDelta(t, 0.3, got.Translation().X, 1e-5)
	assert.InDelta(t, -0.2, got.Translation().Y, 1e-5)
	assert.InDelta(t, 0.02, got.RotationVector().Z, 1e-6)
	// depth is unobservable and only moves through the rotation updates
	assert.InDelta(t, 0, got.Translation().Z, 1e-3)
}

func TestPerformRegistration_LambdaIncreasesOnRejectedStep(t *testing.T) {
	// Translation-only problem under a parallel projection. The rotation
	// columns are cleared so only tx and ty move, and the translation columns
	// are scaled down by 100: the first step lands about 28 units past the
	// minimum and must be rejected.
	pairs := []Correspondence{
		NewCorrespondence(1, 1, 0, 0, 5),
		NewCorrespondence(3, 1, 2, 0, 5),
		NewCorrespondence(1, 4, 0, 3, 6),
		NewCorrespondence(-1, 2, -2, 1, 4),
	}

	r := NewRegistrator()
	r.LoadAssociatedPoints(pairs)
	r.SetIntrinsicTransform(OrthographicIntrinsics(1))
	require.NoError(t, r.SetMaximumNumberOfIterations(1))
	r.jacobianFunc = func(jac *mat.Dense, pairs []Correspondence, extrinsic, intrinsic Transform3D) error {
		if err := computeJacobian(jac, pairs, extrinsic, intrinsic); err != nil {
			return err
		}
		jac.Scale(0.01, jac)
		rows, _ := jac.Dims()
		for i := range rows {
			for k := 3; k < NumParams; k++ {
				jac.Set(i, k, 0)
			}
		}
		return nil
	}

	initialLambda := r.Lambda()
	require.NoError(t, r.PerformRegistration(context.Background()))

	assert.Equal(t, StateMaxIterationsExceeded, r.State())
	assert.Equal(t, 1, r.NumberOfIterationsPerformed())
	assert.Greater(t, r.Lambda(), initialLambda)
	assert.InDelta(t, 2.0, r.MeanSquareError(), 1e-12)
	assert.Equal(t, Identity3D(), r.ExtrinsicTransform())
	assert.Equal(t, Identity3D(), r.Transformation())
	assert.NotEqual(t, StateDiverged, r.State())
}

func TestPerformRegistration_LambdaDecreasesOnAcceptedStep(t *testing.T) {
	r, _ := newSceneRegistrator(t, DefaultSceneConfig())
	require.NoError(t, r.SetTolerance(0))
	require.NoError(t, r.SetMaximumNumberOfIterations(1))

	initialLambda := r.Lambda()
	initialMSE := math.Inf(1)
	r.hook = func(info IterationInfo) {
		if info.Iteration == 0 {
			initialMSE = info.MeanSquareError
		}
	}

	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Less(t, r.MeanSquareError(), initialMSE)
	assert.InDelta(t, initialLambda/DefaultLambdaDown, r.Lambda(), 1e-15)
}

func TestStopRegistration_FromHook(t *testing.T) {
	var r *Registrator
	calls := 0
	r, _ = newSceneRegistrator(t, DefaultSceneConfig(), WithIterationHook(func(IterationInfo) {
		calls++
		r.StopRegistration()
	}))
	require.NoError(t, r.SetTolerance(1e-12))

	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Equal(t, StateUserStopped, r.State())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.NumberOfIterationsPerformed())
}

func TestPerformRegistration_ContextCancelled(t *testing.T) {
	r, _ := newSceneRegistrator(t, DefaultSceneConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, r.PerformRegistration(ctx))
	assert.Equal(t, StateUserStopped, r.State())
	assert.Equal(t, 0, r.NumberOfIterationsPerformed())
}

func TestPerformRegistration_StopBeforeStart(t *testing.T) {
	r, _ := newSceneRegistrator(t, DefaultSceneConfig())
	r.StopRegistration()

	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Equal(t, StateUserStopped, r.State())
	assert.Equal(t, 0, r.NumberOfIterationsPerformed())
	assert.Equal(t, Identity3D(), r.Transformation())

	// the request is consumed by the run it stopped
	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Equal(t, StateConverged, r.State())
}

func TestResetRegistration(t *testing.T) {
	r, _ := newSceneRegistrator(t, DefaultSceneConfig())
	require.NoError(t, r.PerformRegistration(context.Background()))
	require.NotEqual(t, Identity3D(), r.Transformation())

	extrinsic := r.ExtrinsicTransform()
	pairs := r.Correspondences()

	r.ResetRegistration()
	assert.Equal(t, Identity3D(), r.Transformation())
	r.ResetRegistration()
	assert.Equal(t, Identity3D(), r.Transformation())

	assert.Equal(t, extrinsic, r.ExtrinsicTransform())
	assert.Equal(t, pairs, r.Correspondences())

	// a second run picks up from the current extrinsic transform
	require.NoError(t, r.PerformRegistration(context.Background()))
	assert.Equal(t, StateConverged, r.State())
	assert.Equal(t, 0, r.NumberOfIterationsPerformed())
}

func TestResetRegistration_RestoresLambda(t *testing.T) {
	r, _ := newSceneRegistrator(t, DefaultSceneConfig())
	require.NoError(t, r.SetLambda(0.5))
	require.NoError(t, r.SetTolerance(1e-10))

	require.NoError(t, r.PerformRegistration(context.Background()))
	require.Equal(t, StateConverged, r.State())
	require.NotEqual(t, 0.5, r.Lambda())

	r.ResetRegistration()
	assert.Equal(t, 0.5, r.Lambda())
}

func TestLoadAssociatedPoints_CopiesInput(t *testing.T) {
	pairs := []Correspondence{
		NewCorrespondence(1, 2, 3, 4, 5),
		NewCorrespondence(6, 7, 8, 9, 10),
	}
	r := NewRegistrator()
	r.LoadAssociatedPoints(pairs)

	pairs[0].P2.X = 100
	assert.Equal(t, 1.0, r.Correspondences()[0].P2.X)

	got := r.Correspondences()
	got[1].P3.Z = -1
	assert.Equal(t, 10.0, r.Correspondences()[1].P3.Z)
}

func TestLoadAssociatedPoints_ResizesBuffers(t *testing.T) {
	cfg := DefaultSceneConfig()
	r, scene := newSceneRegistrator(t, cfg)
	require.NoError(t, r.PerformRegistration(context.Background()))

	r.SetExtrinsicTransform(Identity3D())
	r.ResetRegistration()
	r.LoadAssociatedPoints(scene.Correspondences[:5])
	require.NoError(t, r.SetTolerance(1e-10))

	require.NoError(t, r.PerformRegistration(context.Background()))
	rows, _ := r.jacobian.Dims()
	assert.Equal(t, 10, rows)
	assert.Equal(t, StateConverged, r.State())
}

func TestSetters_RejectInvalidValues(t *testing.T) {
	r := NewRegistrator()

	tests := []struct {
		name string
		call func() error
	}{
		{"negative tolerance", func() error { return r.SetTolerance(-1) }},
		{"nan tolerance", func() error { return r.SetTolerance(math.NaN()) }},
		{"zero in-tolerance", func() error { return r.SetInTolerance(0) }},
		{"zero potential range", func() error { return r.SetPotentialRange(0) }},
		{"infinite potential range", func() error { return r.SetPotentialRange(math.Inf(1)) }},
		{"negative iteration cap", func() error { return r.SetMaximumNumberOfIterations(-1) }},
		{"negative lambda", func() error { return r.SetLambda(-1) }},
		{"lambda factor of one", func() error { return r.SetLambdaFactors(1, 10) }},
		{"negative translation uncertainty", func() error {
			return r.SetTranslationUncertainty(r3.Vector{X: 1, Y: -1, Z: 1})
		}},
		{"nan rotation uncertainty", func() error {
			return r.SetRotationUncertainty(r3.Vector{X: math.NaN(), Y: 1, Z: 1})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrConfiguration)
		})
	}

	// rejected values leave the defaults in place
	assert.Equal(t, DefaultTolerance, r.Tolerance())
	assert.Equal(t, DefaultInTolerance, r.InTolerance())
	assert.Equal(t, DefaultPotentialRange, r.PotentialRange())
	assert.Equal(t, DefaultMaxIterations, r.MaximumNumberOfIterations())
	assert.Equal(t, DefaultUncertainty(), r.Uncertainty())
}

func TestSetUncertainty(t *testing.T) {
	r := NewRegistrator()
	require.NoError(t, r.SetTranslationUncertainty(r3.Vector{X: 1, Y: 2, Z: 3}))
	require.NoError(t, r.SetRotationUncertainty(r3.Vector{X: 4, Y: 5, Z: 6}))
	assert.Equal(t, Uncertainty{1, 2, 3, 4, 5, 6}, r.Uncertainty())
}

func TestValidate_CombinesErrors(t *testing.T) {
	r := NewRegistrator()
	require.NoError(t, r.SetTolerance(10))
	require.NoError(t, r.SetInTolerance(1))

	err := r.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "correspondences")
	assert.Contains(t, err.Error(), "in-tolerance")
}

func TestPotential_Bounds(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		cfg := DefaultSceneConfig()
		cfg.Seed = seed
		cfg.Noise = float64(seed)

		r, scene := newSceneRegistrator(t, cfg)
		require.NoError(t, r.SetMaximumNumberOfIterations(0))
		require.NoError(t, r.SetTolerance(0))
		require.NoError(t, r.PerformRegistration(context.Background()))

		n := float64(len(scene.Correspondences))
		assert.GreaterOrEqual(t, r.Potential(), -n, "seed %d", seed)
		assert.LessOrEqual(t, r.Potential(), 0.0, "seed %d", seed)
	}
}

func TestResiduals_MatchMeanSquareError(t *testing.T) {
	cfg := DefaultSceneConfig()
	cfg.Noise = 1
	r, _ := newSceneRegistrator(t, cfg)
	require.NoError(t, r.SetTolerance(0))
	require.NoError(t, r.SetMaximumNumberOfIterations(5))
	require.NoError(t, r.PerformRegistration(context.Background()))

	residuals, err := r.Residuals()
	require.NoError(t, err)
	require.Len(t, residuals, cfg.NumPoints)

	var sum, potential float64
	for _, res := range residuals {
		sum += res.Distance * res.Distance
		potential += res.Potential
	}
	assert.InDelta(t, r.MeanSquareError(), sum/float64(len(residuals)), 1e-9)
	assert.InDelta(t, r.Potential(), potential, 1e-9)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateIdle.Terminal())
	assert.False(t, StateRunning.Terminal())
	for _, s := range []State{StateConverged, StateDiverged, StateMaxIterationsExceeded, StateUserStopped, StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}

	var s State
	require.NoError(t, s.UnmarshalText([]byte("max_iterations_exceeded")))
	assert.Equal(t, StateMaxIterationsExceeded, s)

	for _, name := range []string{"", "unknown", "Converged"} {
		assert.Error(t, s.UnmarshalText([]byte(name)), "state %q", name)
	}
	assert.Equal(t, StateMaxIterationsExceeded, s)
}
