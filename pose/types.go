package pose

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Point3D is a point of the 3D set being registered
type Point3D = r3.Vector

// Point2D is an observed point on the projection plane
type Point2D = r2.Point

// Correspondence pairs an observed 2D point with the 3D point assumed to project onto it.
// Correspondences are identified by their position in the list, never by content.
type Correspondence struct {
	P2 Point2D
	P3 Point3D
}

// NewCorrespondence creates a correspondence from raw coordinates
func NewCorrespondence(u, v, x, y, z float64) Correspondence {
	return Correspondence{
		P2: Point2D{X: u, Y: v},
		P3: Point3D{X: x, Y: y, Z: z},
	}
}

// Pose parameter indices inside a Delta or Uncertainty vector.
// Translations come first, then rotations about the same axes.
const (
	ParamTx = iota
	ParamTy
	ParamTz
	ParamRx
	ParamRy
	ParamRz

	NumParams
)

// Delta is a differential correction of the pose: translation along the
// three orthogonal axes followed by a rotation vector (axis * angle, radians).
type Delta [NumParams]float64

// Translation returns the translation part of the correction
func (d Delta) Translation() r3.Vector {
	return r3.Vector{X: d[ParamTx], Y: d[ParamTy], Z: d[ParamTz]}
}

// Rotation returns the rotation vector part of the correction
func (d Delta) Rotation() r3.Vector {
	return r3.Vector{X: d[ParamRx], Y: d[ParamRy], Z: d[ParamRz]}
}

// Transform converts the correction into an incremental rigid transform.
// The rotation is applied first (about the origin of the frame the
// correction is expressed in), then the translation.
func (d Delta) Transform() Transform3D {
	return Translation3D(d.Translation()).Mul(RotationVector3D(d.Rotation()))
}

// Uncertainty holds the per-parameter prior stiffness used to damp the
// Levenberg-Marquardt solve. Bigger uncertainties lead to smaller steps.
type Uncertainty [NumParams]float64

// DefaultUncertainty returns unit uncertainty on every pose parameter
func DefaultUncertainty() Uncertainty {
	return Uncertainty{1, 1, 1, 1, 1, 1}
}

// State is the state of the registration controller
type State int

const (
	StateIdle State = iota
	StateRunning
	StateConverged
	StateDiverged
	StateMaxIterationsExceeded
	StateUserStopped
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                  "idle",
	StateRunning:               "running",
	StateConverged:             "converged",
	StateDiverged:              "diverged",
	StateMaxIterationsExceeded: "max_iterations_exceeded",
	StateUserStopped:           "user_stopped",
	StateFailed:                "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the registration loop has exited in this state
func (s State) Terminal() bool {
	return s != StateIdle && s != StateRunning
}

// MarshalText encodes the state by name so results stay readable in JSON and YAML
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name. Unknown names are rejected and leave s unchanged.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown registration state %q", text)
}

// IterationInfo is handed to the iteration hook at the top of each iteration
// following an accepted step.
type IterationInfo struct {
	Iteration       int
	MeanSquareError float64
	Potential       float64
	Lambda          float64
	Extrinsic       Transform3D
}

// IterationHook is a plain synchronous progress callback
type IterationHook func(IterationInfo)
