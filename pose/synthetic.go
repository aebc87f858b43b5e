package pose

import (
	"fmt"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat/distuv"
)

// SceneConfig describes a synthetic registration problem: a random cloud of
// 3D points seen by a pinhole camera after a known rigid motion.
type SceneConfig struct {
	NumPoints   int               `yaml:"numPoints" json:"numPoints"`
	Seed        uint64            `yaml:"seed" json:"seed"`
	Center      r3.Vector         `yaml:"center" json:"center"`     // centroid of the cloud, in front of the camera
	Spread      float64           `yaml:"spread" json:"spread"`     // half-width of the cube the points are drawn from
	Noise       float64           `yaml:"noise" json:"noise"`       // standard deviation of the observation noise, in pixels
	Camera      PinholeIntrinsics `yaml:"camera" json:"camera"`
	Translation r3.Vector         `yaml:"translation" json:"translation"`
	Rotation    r3.Vector         `yaml:"rotation" json:"rotation"` // rotation vector, radians
}

// DefaultSceneConfig returns a 640x480 camera looking at a cloud 10 units away,
// displaced by a few degrees and a fraction of a unit.
func DefaultSceneConfig() SceneConfig {
	return SceneConfig{
		NumPoints:   20,
		Seed:        1,
		Center:      r3.Vector{X: 0, Y: 0, Z: 10},
		Spread:      2,
		Camera:      PinholeIntrinsics{Fx: 800, Fy: 800, Ppx: 320, Ppy: 240},
		Translation: r3.Vector{X: 0.2, Y: -0.1, Z: 0.3},
		Rotation:    r3.Vector{X: 0.05, Y: -0.03, Z: 0.02},
	}
}

// Scene is a generated registration problem with its ground truth
type Scene struct {
	Correspondences []Correspondence
	Intrinsic       Transform3D
	TruePose        Transform3D // transform mapping the 3D points onto their observations
}

// GenerateScene draws the 3D points, moves them by the configured pose and
// projects them to build the observations
func GenerateScene(cfg SceneConfig) (*Scene, error) {
	if cfg.NumPoints <= 0 {
		return nil, fmt.Errorf("scene needs at least one point, got %d", cfg.NumPoints)
	}
	if !(cfg.Spread > 0) {
		return nil, fmt.Errorf("scene spread must be positive, got %v", cfg.Spread)
	}
	if err := cfg.Camera.CheckValid(); err != nil {
		return nil, err
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	coord := distuv.Uniform{Min: -cfg.Spread, Max: cfg.Spread, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: cfg.Noise, Src: src}

	scene := &Scene{
		Correspondences: make([]Correspondence, 0, cfg.NumPoints),
		Intrinsic:       cfg.Camera.Transform(),
		TruePose:        RigidTransform3D(cfg.Translation, cfg.Rotation),
	}

	for i := 0; i < cfg.NumPoints; i++ {
		p3 := r3.Vector{
			X: cfg.Center.X + coord.Rand(),
			Y: cfg.Center.Y + coord.Rand(),
			Z: cfg.Center.Z + coord.Rand(),
		}
		p2, err := Project(p3, scene.TruePose, scene.Intrinsic)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		if cfg.Noise > 0 {
			p2.X += noise.Rand()
			p2.Y += noise.Rand()
		}
		scene.Correspondences = append(scene.Correspondences, Correspondence{P2: p2, P3: p3})
	}

	return scene, nil
}
