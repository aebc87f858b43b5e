package pose

import (
	"fmt"
	"math"
)

// PinholeIntrinsics holds the calibrated parameters of a perspective projection.
// Coordinates on the projection plane are in the same units as Ppx/Ppy (usually pixels).
type PinholeIntrinsics struct {
	Fx  float64 `yaml:"fx" json:"fx"`
	Fy  float64 `yaml:"fy" json:"fy"`
	Ppx float64 `yaml:"ppx" json:"ppx"`
	Ppy float64 `yaml:"ppy" json:"ppy"`
}

// CheckValid checks that the focal lengths are usable
func (p *PinholeIntrinsics) CheckValid() error {
	if p == nil {
		return newConfigError("intrinsics", "intrinsic parameters are not available")
	}
	if !(p.Fx > 0) || math.IsInf(p.Fx, 0) {
		return newConfigError("intrinsics", fmt.Sprintf("invalid focal length fx = %v", p.Fx))
	}
	if !(p.Fy > 0) || math.IsInf(p.Fy, 0) {
		return newConfigError("intrinsics", fmt.Sprintf("invalid focal length fy = %v", p.Fy))
	}
	if math.IsNaN(p.Ppx) || math.IsNaN(p.Ppy) {
		return newConfigError("intrinsics", "principal point is NaN")
	}
	return nil
}

// Transform returns the intrinsic transform of the camera.
// The last row carries the projection: the homogeneous divisor is the depth z,
// so u = fx*x/z + ppx and v = fy*y/z + ppy.
func (p *PinholeIntrinsics) Transform() Transform3D {
	return Transform3D{
		{p.Fx, 0, p.Ppx, 0},
		{0, p.Fy, p.Ppy, 0},
		{0, 0, 1, 0},
		{0, 0, 1, 0},
	}
}

// PointToPixel projects a 3D point expressed in the camera frame
func (p *PinholeIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z == 0 {
		return math.NaN(), math.NaN()
	}
	return (x/z)*p.Fx + p.Ppx, (y/z)*p.Fy + p.Ppy
}

// OrthographicIntrinsics returns a parallel projection dropping the z coordinate,
// scaled by the given factor
func OrthographicIntrinsics(scale float64) Transform3D {
	return Transform3D{
		{scale, 0, 0, 0},
		{0, scale, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}
