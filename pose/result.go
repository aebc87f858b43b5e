package pose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultResultCachePath is the default path of the last-result cache
const DefaultResultCachePath = ".posereg-result.json"

// Result is the outcome of one registration run
type Result struct {
	ID              string        `json:"id"`
	State           State         `json:"state"`
	Error           string        `json:"error,omitempty"`
	Iterations      int           `json:"iterations"`
	MeanSquareError float64       `json:"meanSquareError"`
	Potential       float64       `json:"potential"`
	PotentialRange  float64       `json:"potentialRange"`
	Lambda          float64       `json:"lambda"`
	Transformation  Transform3D   `json:"transformation"` // cumulated correction
	Extrinsic       Transform3D   `json:"extrinsic"`
	Intrinsic       Transform3D   `json:"intrinsic"`
	Residuals       []Residual    `json:"residuals,omitempty"`
	Duration        time.Duration `json:"durationNs"`
	LastUpdated     int64         `json:"lastUpdated"`
}

// NewResult snapshots the registrator after a run. runErr is the error
// returned by PerformRegistration, if any.
func NewResult(id string, r *Registrator, runErr error) *Result {
	res := &Result{
		ID:              id,
		State:           r.State(),
		Iterations:      r.NumberOfIterationsPerformed(),
		MeanSquareError: r.MeanSquareError(),
		Potential:       r.Potential(),
		PotentialRange:  r.PotentialRange(),
		Lambda:          r.Lambda(),
		Transformation:  r.Transformation(),
		Extrinsic:       r.ExtrinsicTransform(),
		Intrinsic:       r.IntrinsicTransform(),
		LastUpdated:     time.Now().Unix(),
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	if residuals, err := r.Residuals(); err == nil {
		res.Residuals = residuals
	}
	return res
}

// Converged reports whether the transformation can be trusted
func (res *Result) Converged() bool {
	return res.State == StateConverged
}

// Register loads doc into r and runs the registration. The result is
// returned together with the run error so failed runs can still be reported.
func Register(ctx context.Context, r *Registrator, doc *Document) (*Result, error) {
	start := time.Now()
	if err := doc.Apply(r); err != nil {
		return nil, err
	}
	r.ResetRegistration()

	runErr := r.PerformRegistration(ctx)
	res := NewResult(doc.ID, r, runErr)
	res.Duration = time.Since(start)
	return res, runErr
}

// LoadResult loads a result from a JSON cache file.
// A missing file is not an error: it returns nil, nil.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}
	return &res, nil
}

// SaveResult writes a result to a JSON cache file, creating its directory
func SaveResult(path string, res *Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	return nil
}
