package pose

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// axes are the unit directions of the three translation and rotation parameters
var axes = [3]r3.Vector{
	{X: 1, Y: 0, Z: 0},
	{X: 0, Y: 1, Z: 0},
	{X: 0, Y: 0, Z: 1},
}

// projectVelocity pushes a 3D velocity of the transformed point q through the
// intrinsic transform and returns the resulting velocity (du, dv) on the plane.
// With h = I*[q 1], u = h0/h3 and v = h1/h3, the quotient rule gives
// du = (I0.dq * h3 - h0 * I3.dq) / h3^2.
func projectVelocity(intrinsic Transform3D, pr projection, dq r3.Vector) (float64, float64) {
	row := func(i int) float64 {
		return intrinsic[i][0]*dq.X + intrinsic[i][1]*dq.Y + intrinsic[i][2]*dq.Z
	}
	dh0, dh1, dh3 := row(0), row(1), row(3)
	w := pr.h[3]
	w2 := w * w
	du := (dh0*w - pr.h[0]*dh3) / w2
	dv := (dh1*w - pr.h[1]*dh3) / w2
	return du, dv
}

// fillJacobianRows writes the 2x6 derivative of the projection of p3 with
// respect to the pose correction into rows 2i and 2i+1 of jac.
//
// Translation columns are the projection of the unit translations. Rotation
// columns are the projection of the velocity axis x q induced by an
// infinitesimal rotation about each axis at the transformed point q. This
// matches Delta.Transform, which rotates about the frame origin and then translates.
func fillJacobianRows(jac *mat.Dense, i int, p3 Point3D, extrinsic, intrinsic Transform3D) error {
	pr, err := projectPoint(p3, extrinsic, intrinsic)
	if err != nil {
		return err
	}
	for k, axis := range axes {
		du, dv := projectVelocity(intrinsic, pr, axis)
		jac.Set(2*i, ParamTx+k, du)
		jac.Set(2*i+1, ParamTx+k, dv)

		du, dv = projectVelocity(intrinsic, pr, axis.Cross(pr.q))
		jac.Set(2*i, ParamRx+k, du)
		jac.Set(2*i+1, ParamRx+k, dv)
	}
	return nil
}

// computeJacobian fills jac (2N x 6) for all correspondences at the given extrinsic transform
func computeJacobian(jac *mat.Dense, pairs []Correspondence, extrinsic, intrinsic Transform3D) error {
	rows, cols := jac.Dims()
	if rows != 2*len(pairs) || cols != NumParams {
		return fmt.Errorf("jacobian is %dx%d, want %dx%d", rows, cols, 2*len(pairs), NumParams)
	}
	for i, pair := range pairs {
		if err := fillJacobianRows(jac, i, pair.P3, extrinsic, intrinsic); err != nil {
			return fmt.Errorf("correspondence %d: %w", i, err)
		}
	}
	return nil
}
