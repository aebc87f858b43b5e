package pose

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Feature kinds written in the "kind" property
const (
	FeatureResidual = "residual"
	FeatureCoverage = "coverage"
)

// toOrbPoint converts a plane point to an orb point
func toOrbPoint(p Point2D) orb.Point {
	return orb.Point{p.X, p.Y}
}

// ResidualBound returns the bounding box of the observed and projected points
func ResidualBound(residuals []Residual) orb.Bound {
	if len(residuals) == 0 {
		return orb.Bound{}
	}
	b := toOrbPoint(residuals[0].Observed).Bound()
	for _, r := range residuals {
		b = b.Extend(toOrbPoint(r.Observed)).Extend(toOrbPoint(r.Projected))
	}
	return b
}

// ResidualFeatureCollection describes a result on the projection plane: one
// LineString per correspondence from the observed to the projected point, and
// the convex hull of the observed points as a coverage polygon.
func ResidualFeatureCollection(res *Result) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if res == nil || len(res.Residuals) == 0 {
		return fc
	}

	observed := make([]orb.Point, 0, len(res.Residuals))
	for _, r := range res.Residuals {
		obs := toOrbPoint(r.Observed)
		observed = append(observed, obs)

		f := geojson.NewFeature(orb.LineString{obs, toOrbPoint(r.Projected)})
		f.Properties["kind"] = FeatureResidual
		f.Properties["index"] = r.Index
		f.Properties["distance"] = r.Distance
		f.Properties["potential"] = r.Potential
		fc.Append(f)
	}

	if hull := convexHull(observed); len(hull) >= 3 {
		ring := append(orb.Ring(hull), hull[0])
		poly := orb.Polygon{ring}
		centroid, area := planar.CentroidArea(poly)

		f := geojson.NewFeature(poly)
		f.Properties["kind"] = FeatureCoverage
		f.Properties["area"] = math.Abs(area)
		f.Properties["centroid"] = []float64{centroid[0], centroid[1]}
		fc.Append(f)
	}

	fc.BBox = geojson.NewBBox(ResidualBound(res.Residuals))
	fc.ExtraMembers = geojson.Properties{
		"id":              res.ID,
		"state":           res.State.String(),
		"meanSquareError": res.MeanSquareError,
		"potential":       res.Potential,
	}
	return fc
}

// WriteResidualGeoJSON writes the residual feature collection of a result to path
func WriteResidualGeoJSON(path string, res *Result) error {
	data, err := ResidualFeatureCollection(res).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}

// LargestResiduals returns the indices of the n correspondences farthest from
// their projection, largest first. Lengths are measured with orb/planar on the
// residual segments.
func LargestResiduals(residuals []Residual, n int) []int {
	idx := make([]int, len(residuals))
	lengths := make([]float64, len(residuals))
	for i, r := range residuals {
		idx[i] = i
		lengths[i] = planar.Distance(toOrbPoint(r.Observed), toOrbPoint(r.Projected))
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return lengths[idx[a]] > lengths[idx[b]]
	})
	if n < len(idx) {
		idx = idx[:n]
	}
	for i := range idx {
		idx[i] = residuals[idx[i]].Index
	}
	return idx
}

// convexHull returns the hull of points in counter-clockwise order, without
// repeating the first point (monotone chain)
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		out := make([]orb.Point, len(points))
		copy(out, points)
		return out
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	hull := make([]orb.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}
