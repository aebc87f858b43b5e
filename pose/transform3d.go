package pose

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Transform3D is a homogeneous transform in 3D space.
// Points are column vectors: p' = T * [x y z 1]^T.
// A rigid transform keeps the last row at [0 0 0 1]; an intrinsic
// transform may carry a projection row instead.
type Transform3D [4][4]float64

// Identity3D returns the identity transform
func Identity3D() Transform3D {
	return Transform3D{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation3D creates a translation-only transform
func Translation3D(t r3.Vector) Transform3D {
	m := Identity3D()
	m[0][3] = t.X
	m[1][3] = t.Y
	m[2][3] = t.Z
	return m
}

// RotationX creates a rotation about the X axis (radians)
func RotationX(angle float64) Transform3D {
	s, c := math.Sincos(angle)
	m := Identity3D()
	m[1][1], m[1][2] = c, -s
	m[2][1], m[2][2] = s, c
	return m
}

// RotationY creates a rotation about the Y axis (radians)
func RotationY(angle float64) Transform3D {
	s, c := math.Sincos(angle)
	m := Identity3D()
	m[0][0], m[0][2] = c, s
	m[2][0], m[2][2] = -s, c
	return m
}

// RotationZ creates a rotation about the Z axis (radians)
func RotationZ(angle float64) Transform3D {
	s, c := math.Sincos(angle)
	m := Identity3D()
	m[0][0], m[0][1] = c, -s
	m[1][0], m[1][1] = s, c
	return m
}

// RotationVector3D creates a rotation from a rotation vector (axis scaled by
// the angle in radians) using the Rodrigues formula:
// R = I + a*[w]x + b*[w]x^2, a = sin(t)/t, b = (1-cos(t))/t^2
func RotationVector3D(w r3.Vector) Transform3D {
	theta2 := w.Norm2()
	var a, b float64
	if theta2 < 1e-12 {
		// Taylor expansion keeps the rotation orthonormal to machine precision near zero
		a = 1 - theta2/6
		b = 0.5 - theta2/24
	} else {
		theta := math.Sqrt(theta2)
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
	}

	x, y, z := w.X, w.Y, w.Z
	m := Identity3D()
	m[0][0] = 1 - b*(y*y+z*z)
	m[0][1] = -a*z + b*x*y
	m[0][2] = a*y + b*x*z
	m[1][0] = a*z + b*x*y
	m[1][1] = 1 - b*(x*x+z*z)
	m[1][2] = -a*x + b*y*z
	m[2][0] = -a*y + b*x*z
	m[2][1] = a*x + b*y*z
	m[2][2] = 1 - b*(x*x+y*y)
	return m
}

// RigidTransform3D creates the rigid transform that rotates by the rotation
// vector w and then translates by t
func RigidTransform3D(t, w r3.Vector) Transform3D {
	return Translation3D(t).Mul(RotationVector3D(w))
}

// Mul composes two transforms: result = m * o.
// Applying result is equivalent to applying o first, then m.
func (m Transform3D) Mul(o Transform3D) Transform3D {
	var r Transform3D
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[i][k] * o[k][j]
			}
			r[i][j] = sum
		}
	}
	return r
}

// ApplyHomogeneous transforms a point and returns the homogeneous result
// without dividing by the last component
func (m Transform3D) ApplyHomogeneous(p r3.Vector) [4]float64 {
	var h [4]float64
	for i := 0; i < 4; i++ {
		h[i] = m[i][0]*p.X + m[i][1]*p.Y + m[i][2]*p.Z + m[i][3]
	}
	return h
}

// Apply transforms a point, dividing by the homogeneous component when it is not 1
func (m Transform3D) Apply(p r3.Vector) r3.Vector {
	h := m.ApplyHomogeneous(p)
	if h[3] == 1 || h[3] == 0 {
		return r3.Vector{X: h[0], Y: h[1], Z: h[2]}
	}
	return r3.Vector{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}
}

// ApplyVector transforms a direction (no translation)
func (m Transform3D) ApplyVector(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Translation returns the translation column
func (m Transform3D) Translation() r3.Vector {
	return r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}
}

// RotationVector extracts the rotation vector (axis * angle) of the upper 3x3 block.
// The block is assumed to be a proper rotation.
func (m Transform3D) RotationVector() r3.Vector {
	trace := m[0][0] + m[1][1] + m[2][2]
	cos := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cos)

	skew := r3.Vector{
		X: m[2][1] - m[1][2],
		Y: m[0][2] - m[2][0],
		Z: m[1][0] - m[0][1],
	}

	switch {
	case theta < 1e-9:
		return skew.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// Near a half turn the skew part vanishes; recover the axis from the diagonal
		axis := r3.Vector{
			X: math.Sqrt(math.Max(0, (m[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (m[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (m[2][2]+1)/2)),
		}
		if m[0][1]+m[1][0] < 0 {
			axis.Y = -axis.Y
		}
		if m[0][2]+m[2][0] < 0 {
			axis.Z = -axis.Z
		}
		return axis.Normalize().Mul(theta)
	default:
		return skew.Mul(theta / (2 * math.Sin(theta)))
	}
}

// Dense returns the transform as a gonum matrix
func (m Transform3D) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, m[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// TransformFromDense converts a 4x4 gonum matrix into a Transform3D
func TransformFromDense(d mat.Matrix) (Transform3D, error) {
	var m Transform3D
	r, c := d.Dims()
	if r != 4 || c != 4 {
		return m, fmt.Errorf("transform must be 4x4, got %dx%d", r, c)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m, nil
}

// Inverse computes the inverse transform.
// Returns an error if the matrix is singular.
func (m Transform3D) Inverse() (Transform3D, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		return Identity3D(), fmt.Errorf("inverting transform: %w", err)
	}
	return TransformFromDense(&inv)
}

// Equal reports whether every element differs by at most tol
func (m Transform3D) Equal(o Transform3D, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(m[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// IsFinite reports whether the transform contains no NaN or Inf values
func (m Transform3D) IsFinite() bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(m[i][j]) || math.IsInf(m[i][j], 0) {
				return false
			}
		}
	}
	return true
}
