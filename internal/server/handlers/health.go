// Package handlers implements the HTTP endpoints of the control surface.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker probes one dependency for liveness.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body returned by the health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates dependency checks into one health endpoint.
type HealthManager struct {
	version  string
	checkers map[string]Checker
}

// NewHealthManager creates a health manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker adds a named dependency check.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.checkers[name] = c
}

// HealthHandler runs every registered check. Any failure yields 503 with
// per-check detail.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Version: m.version,
		Checks:  make(map[string]string, len(m.checkers)),
	}
	for name, c := range m.checkers {
		if err := c.CheckHealth(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Checks[name] = err.Error()
		} else {
			resp.Checks[name] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
