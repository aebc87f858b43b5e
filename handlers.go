package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/posereg/pose"
)

// maxRequestBytes limits the size of a posted correspondence document
const maxRequestBytes = 10 << 20

// registerFunc runs one registration and records its result
type registerFunc func(ctx context.Context, id string, doc *pose.Document) (*pose.Result, error)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(results *pose.ResultTracker, register registerFunc, logger *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Running   []string  `json:"running"`
			Results   int       `json:"results"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Running:   results.Running(),
			Results:   len(results.List()),
		}
		writeJSON(w, logger, http.StatusOK, status)
	})

	mux.HandleFunc("GET /results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, results.List())
	})

	mux.HandleFunc("GET /results/{id}", func(w http.ResponseWriter, r *http.Request) {
		res, ok := lookupResult(results, r.PathValue("id"))
		if !ok {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		writeJSON(w, logger, http.StatusOK, res)
	})

	mux.HandleFunc("GET /results/{id}/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		serveOverlay(w, r, results, logger, "image/svg+xml", (*pose.OverlayRenderer).RenderToSVG)
	})

	mux.HandleFunc("GET /results/{id}/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		serveOverlay(w, r, results, logger, "image/png", (*pose.OverlayRenderer).RenderToPNG)
	})

	mux.HandleFunc("GET /results/{id}/residuals.geojson", func(w http.ResponseWriter, r *http.Request) {
		res, ok := lookupResult(results, r.PathValue("id"))
		if !ok {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		data, err := pose.ResidualFeatureCollection(res).MarshalJSON()
		if err != nil {
			logger.Errorf("[HTTP] error encoding residuals of %s: %v", res.ID, err)
			http.Error(w, "Failed to encode residuals", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// Synchronous registration of a posted document
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusRequestEntityTooLarge)
			return
		}
		doc, err := pose.ParseCorrespondenceJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			id = doc.ID
		}
		if id == "" {
			id = fmt.Sprintf("http-%d", time.Now().UnixNano())
		}

		logger.Infof("[HTTP] registering %s (%d correspondences)", id, len(doc.Correspondences))
		res, err := register(r.Context(), id, doc)
		if res == nil {
			status := http.StatusBadRequest
			if errors.Is(err, pose.ErrRunInProgress) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, logger, http.StatusOK, res)
	})

	return mux
}

// lookupResult resolves a result ID; "latest" names the most recent result
func lookupResult(results *pose.ResultTracker, id string) (*pose.Result, bool) {
	if id == "latest" {
		res := results.Latest()
		return res, res != nil
	}
	return results.Get(id)
}

func serveOverlay(w http.ResponseWriter, r *http.Request, results *pose.ResultTracker, logger *zap.SugaredLogger,
	contentType string, render func(*pose.OverlayRenderer, io.Writer) error) {
	res, ok := lookupResult(results, r.PathValue("id"))
	if !ok {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if len(res.Residuals) == 0 {
		http.Error(w, "Result has no residuals to draw", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if err := render(pose.NewOverlayRenderer(res), w); err != nil {
		logger.Errorf("[HTTP] error rendering overlay of %s: %v", res.ID, err)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.SugaredLogger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("[HTTP] error encoding response: %v", err)
	}
}
