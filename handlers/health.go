// Package handlers implements the engine's small HTTP surface: health,
// Prometheus metrics, and starting a new investigation. Grounded on
// engine/src/main.rs's health_handler/metrics_handler/investigate_handler
// and the teacher's plain net/http handler style (no router dependency).
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"autosint/pkg/ids"
	"autosint/pkg/version"
)

// healthChecker is the narrow shape *graph.Client, *store.Client, and
// *queue.Client each already satisfy, so tests can supply a fake without
// a live Neo4j/Postgres/Redis connection.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// investigationStarter is the narrow shape *orchestrator.Orchestrator
// already satisfies.
type investigationStarter interface {
	StartInvestigation(ctx context.Context, prompt string) (ids.InvestigationID, error)
}

// Deps bundles the dependencies the HTTP surface needs: the three hard
// dependency clients for /health's per-service check, and the Orchestrator
// for /investigate.
type Deps struct {
	Graph        healthChecker
	Store        healthChecker
	Queue        healthChecker
	Orchestrator investigationStarter
}

type serviceStatus string

const (
	statusHealthy   serviceStatus = "healthy"
	statusUnhealthy serviceStatus = "unhealthy"
)

type healthResponse struct {
	Status   serviceStatus            `json:"status"`
	Version  string                   `json:"version"`
	Services map[string]serviceStatus `json:"services"`
}

// HealthHandler reports the status of every hard dependency, matching
// health_handler's `{"status": ..., "services": {"neo4j": ..., "postgres":
// ..., "redis": ...}}` body. Returns 503 when any dependency is unhealthy.
func (d *Deps) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	services := map[string]serviceStatus{
		"neo4j":    checkHealth(r.Context(), d.Graph.HealthCheck),
		"postgres": checkHealth(r.Context(), d.Store.HealthCheck),
		"redis":    checkHealth(r.Context(), d.Queue.HealthCheck),
	}

	allHealthy := true
	for _, s := range services {
		if s != statusHealthy {
			allHealthy = false
			break
		}
	}

	resp := healthResponse{Version: version.Version, Services: services}
	code := http.StatusOK
	if allHealthy {
		resp.Status = statusHealthy
	} else {
		resp.Status = statusUnhealthy
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func checkHealth(ctx context.Context, check func(context.Context) error) serviceStatus {
	if check(ctx) != nil {
		return statusUnhealthy
	}
	return statusHealthy
}

type investigateRequest struct {
	Prompt string `json:"prompt"`
}

type investigateResponse struct {
	InvestigationID string `json:"investigation_id"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// InvestigateHandler starts a new investigation from a JSON
// {"prompt": "..."} body and returns 202 Accepted with its assigned ID,
// matching investigate_handler. The investigation's lifecycle runs in the
// background via Orchestrator.StartInvestigation; this handler only waits
// for the initial record to persist.
func (d *Deps) InvestigateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req investigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be {\"prompt\": \"...\"} with a non-empty prompt"})
		return
	}

	investigationID, err := d.Orchestrator.StartInvestigation(r.Context(), req.Prompt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, investigateResponse{
		InvestigationID: string(investigationID),
		Status:          "pending",
		Message:         "Investigation started.",
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
