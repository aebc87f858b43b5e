package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/kwv/posereg/pose"
)

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

func sceneDocumentJSON(t *testing.T, id string) []byte {
	t.Helper()
	scene, err := pose.GenerateScene(pose.DefaultSceneConfig())
	if err != nil {
		t.Fatalf("GenerateScene() error: %v", err)
	}
	data, err := json.Marshal(pose.DocumentFromScene(id, scene, pose.DefaultSceneConfig().Camera))
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	return data
}

// testServer returns a handler backed by a real registration pipeline
func testServer(t *testing.T) (http.Handler, *App) {
	t.Helper()
	a, _ := testApp(t)
	return newHTTPServer(a.Results, a.register, zap.NewNop().Sugar()), a
}

// populatedServer returns a handler whose tracker already holds result "r1"
func populatedServer(t *testing.T) http.Handler {
	t.Helper()
	handler, a := testServer(t)
	doc, err := pose.ParseCorrespondenceJSON(sceneDocumentJSON(t, "r1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.register(context.Background(), "r1", doc); err != nil {
		t.Fatalf("register: %v", err)
	}
	return handler
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth_NoResults(t *testing.T) {
	handler, _ := testServer(t)
	w := get(handler, "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status  string   `json:"status"`
		Running []string `json:"running"`
		Results int      `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Results != 0 || len(body.Running) != 0 {
		t.Errorf("expected an empty tracker, got %+v", body)
	}
}

func TestHealth_WithResults(t *testing.T) {
	w := get(populatedServer(t), "/health")

	var body struct {
		Results int `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Results != 1 {
		t.Errorf("results = %d, want 1", body.Results)
	}
}

// ---------------------------------------------------------------------------
// /results
// ---------------------------------------------------------------------------

func TestResults_List(t *testing.T) {
	w := get(populatedServer(t), "/results")
	if w.Code != http.StatusOK {
		t.Fatalf("/results status = %d", w.Code)
	}
	var list []pose.Result
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "r1" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestResults_Get(t *testing.T) {
	handler := populatedServer(t)
	for _, path := range []string{"/results/r1", "/results/latest"} {
		w := get(handler, path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		var res pose.Result
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.ID != "r1" || res.State != pose.StateConverged {
			t.Errorf("%s returned %s in state %s", path, res.ID, res.State)
		}
	}
}

func TestResults_NotFound(t *testing.T) {
	handler, _ := testServer(t)
	paths := []string{
		"/results/missing",
		"/results/latest",
		"/results/missing/overlay.svg",
		"/results/missing/overlay.png",
		"/results/missing/residuals.geojson",
	}
	for _, path := range paths {
		if w := get(handler, path); w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
}

func TestResults_OverlaySVG(t *testing.T) {
	w := get(populatedServer(t), "/results/r1/overlay.svg")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("body is not an SVG document")
	}
}

func TestResults_OverlayPNG(t *testing.T) {
	w := get(populatedServer(t), "/results/latest/overlay.png")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, err := png.Decode(w.Body); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}
}

func TestResults_OverlayWithoutResiduals(t *testing.T) {
	handler, a := testServer(t)
	if err := a.Results.Complete(&pose.Result{ID: "empty", State: pose.StateFailed}); err != nil {
		t.Fatal(err)
	}
	if w := get(handler, "/results/empty/overlay.svg"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestResults_ResidualsGeoJSON(t *testing.T) {
	w := get(populatedServer(t), "/results/r1/residuals.geojson")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	if err != nil {
		t.Fatalf("invalid GeoJSON: %v", err)
	}
	if len(fc.Features) < pose.DefaultSceneConfig().NumPoints {
		t.Errorf("got %d features, want at least %d", len(fc.Features), pose.DefaultSceneConfig().NumPoints)
	}
}

// ---------------------------------------------------------------------------
// POST /register
// ---------------------------------------------------------------------------

func TestRegister_Post(t *testing.T) {
	handler, a := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/register?id=posted", bytes.NewReader(sceneDocumentJSON(t, "ignored")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var res pose.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != "posted" || res.State != pose.StateConverged {
		t.Errorf("unexpected result %s in state %s", res.ID, res.State)
	}
	if _, ok := a.Results.Get("posted"); !ok {
		t.Error("posted result not tracked")
	}
}

func TestRegister_PostUsesDocumentID(t *testing.T) {
	handler, a := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(sceneDocumentJSON(t, "from-doc")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := a.Results.Get("from-doc"); !ok {
		t.Error("result should be stored under the document ID")
	}
}

func TestRegister_PostInvalid(t *testing.T) {
	handler, _ := testServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"bad camera", `{"correspondences":[],"camera":{"model":"fisheye"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRegister_PostConflict(t *testing.T) {
	handler, a := testServer(t)
	if err := a.Results.Begin("busy", pose.NewRegistrator()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/register?id=busy", bytes.NewReader(sceneDocumentJSON(t, "")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestRegister_MethodNotAllowed(t *testing.T) {
	handler, _ := testServer(t)
	if w := get(handler, "/register"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /register status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
