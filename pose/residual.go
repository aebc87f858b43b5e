package pose

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// minProjectionDivisor is the smallest homogeneous divisor accepted by the projection.
// Points closer to the camera plane than this cannot be projected.
const minProjectionDivisor = 1e-12

// Residual describes the fit of a single correspondence
type Residual struct {
	Index     int     `json:"index"`
	Observed  Point2D `json:"observed"`
	Projected Point2D `json:"projected"`
	Error     Point2D `json:"error"`    // observed - projected
	Distance  float64 `json:"distance"` // |error|
	Potential float64 `json:"potential"`
}

// projection holds the intermediate values of projecting one point.
// q is the point after the extrinsic transform, h the homogeneous output
// of the intrinsic transform.
type projection struct {
	q r3.Vector
	h [4]float64
}

func (p projection) uv() Point2D {
	return Point2D{X: p.h[0] / p.h[3], Y: p.h[1] / p.h[3]}
}

func projectPoint(p Point3D, extrinsic, intrinsic Transform3D) (projection, error) {
	q := extrinsic.Apply(p)
	h := intrinsic.ApplyHomogeneous(q)
	if math.Abs(h[3]) < minProjectionDivisor || math.IsNaN(h[3]) {
		return projection{}, fmt.Errorf("point (%g, %g, %g) projects to infinity", q.X, q.Y, q.Z)
	}
	return projection{q: q, h: h}, nil
}

// Project maps a 3D point through the extrinsic then the intrinsic transform
func Project(p Point3D, extrinsic, intrinsic Transform3D) (Point2D, error) {
	pr, err := projectPoint(p, extrinsic, intrinsic)
	if err != nil {
		return Point2D{}, err
	}
	return pr.uv(), nil
}

// potentialTerm is the contribution of one residual to the potential.
// It lies in [-1, 0): -1 for a perfect fit, approaching 0 for distant outliers.
func potentialTerm(distance, potentialRange float64) float64 {
	d := distance / potentialRange
	return -1 / (1 + d*d)
}

// evaluateResiduals fills errVec (length 2N) with observed - projected coordinates
// and returns the mean square error and the potential.
// errVec may be nil when only the scalars are needed.
func evaluateResiduals(pairs []Correspondence, extrinsic, intrinsic Transform3D, potentialRange float64, errVec *mat.VecDense) (mse, potential float64, err error) {
	if len(pairs) == 0 {
		return 0, 0, nil
	}

	var sum float64
	for i, pair := range pairs {
		pr, err := projectPoint(pair.P3, extrinsic, intrinsic)
		if err != nil {
			return 0, 0, fmt.Errorf("correspondence %d: %w", i, err)
		}
		e := pair.P2.Sub(pr.uv())
		if errVec != nil {
			errVec.SetVec(2*i, e.X)
			errVec.SetVec(2*i+1, e.Y)
		}
		d2 := e.X*e.X + e.Y*e.Y
		sum += d2
		potential += potentialTerm(math.Sqrt(d2), potentialRange)
	}

	return sum / float64(len(pairs)), potential, nil
}

// ComputeResiduals reports the per-correspondence fit under the given transforms
func ComputeResiduals(pairs []Correspondence, extrinsic, intrinsic Transform3D, potentialRange float64) ([]Residual, error) {
	residuals := make([]Residual, len(pairs))
	for i, pair := range pairs {
		pr, err := projectPoint(pair.P3, extrinsic, intrinsic)
		if err != nil {
			return nil, fmt.Errorf("correspondence %d: %w", i, err)
		}
		uv := pr.uv()
		e := pair.P2.Sub(uv)
		dist := e.Norm()
		residuals[i] = Residual{
			Index:     i,
			Observed:  pair.P2,
			Projected: uv,
			Error:     e,
			Distance:  dist,
			Potential: potentialTerm(dist, potentialRange),
		}
	}
	return residuals, nil
}
