package pose

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Document is a registration request: the correspondence set plus optional
// camera and initial pose overriding the configured ones.
type Document struct {
	ID              string           `json:"id,omitempty"`
	Correspondences []Correspondence `json:"correspondences"`
	Camera          *CameraConfig    `json:"camera,omitempty"`
	Extrinsic       *PoseConfig      `json:"extrinsic,omitempty"`
}

// correspondenceJSON is the wire form of a correspondence: {"p2":[u,v],"p3":[x,y,z]}
type correspondenceJSON struct {
	P2 [2]float64 `json:"p2"`
	P3 [3]float64 `json:"p3"`
}

// MarshalJSON encodes the correspondence as coordinate arrays
func (c Correspondence) MarshalJSON() ([]byte, error) {
	return json.Marshal(correspondenceJSON{
		P2: [2]float64{c.P2.X, c.P2.Y},
		P3: [3]float64{c.P3.X, c.P3.Y, c.P3.Z},
	})
}

// UnmarshalJSON decodes a correspondence from coordinate arrays
func (c *Correspondence) UnmarshalJSON(data []byte) error {
	var raw struct {
		P2 []float64 `json:"p2"`
		P3 []float64 `json:"p3"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.P2) != 2 {
		return fmt.Errorf("p2 must have 2 coordinates, got %d", len(raw.P2))
	}
	if len(raw.P3) != 3 {
		return fmt.Errorf("p3 must have 3 coordinates, got %d", len(raw.P3))
	}
	*c = NewCorrespondence(raw.P2[0], raw.P2[1], raw.P3[0], raw.P3[1], raw.P3[2])
	return nil
}

// ParseCorrespondenceFile reads and parses a correspondence document
func ParseCorrespondenceFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseCorrespondenceJSON(data)
}

// ParseCorrespondenceJSON parses correspondence document JSON data
func ParseCorrespondenceJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	for i, c := range doc.Correspondences {
		if !isFinite(c.P2.X, c.P2.Y, c.P3.X, c.P3.Y, c.P3.Z) {
			return nil, fmt.Errorf("correspondence %d has non-finite coordinates", i)
		}
	}
	return &doc, nil
}

// WriteCorrespondenceFile writes a correspondence document as indented JSON
func WriteCorrespondenceFile(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	return nil
}

// DocumentFromScene wraps a synthetic scene so it can be saved and replayed
func DocumentFromScene(id string, scene *Scene, camera PinholeIntrinsics) *Document {
	return &Document{
		ID:              id,
		Correspondences: scene.Correspondences,
		Camera:          &CameraConfig{Model: CameraPinhole, PinholeIntrinsics: camera},
	}
}

// Apply loads the correspondences into r, and the camera and initial pose
// when the document carries them
func (d *Document) Apply(r *Registrator) error {
	if d.Camera != nil {
		intrinsic, err := d.Camera.Transform()
		if err != nil {
			return fmt.Errorf("document camera: %w", err)
		}
		r.SetIntrinsicTransform(intrinsic)
	}
	if d.Extrinsic != nil {
		r.SetExtrinsicTransform(d.Extrinsic.Transform())
	}
	r.LoadAssociatedPoints(d.Correspondences)
	return nil
}

func isFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
