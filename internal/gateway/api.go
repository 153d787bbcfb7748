// ABOUTME: HTTP endpoints for health, readiness and session listing.
// ABOUTME: Health aggregates capacity, controller status and gateway counters.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/browser-gateway/internal/controller"
	"github.com/2389/browser-gateway/internal/session"
	"github.com/2389/browser-gateway/internal/stats"
	"github.com/2389/browser-gateway/internal/store"
)

const defaultHistoryLimit = 50

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status     string              `json:"status"`
	Uptime     float64             `json:"uptime"`
	Sessions   session.Capacity    `json:"sessions"`
	Controller controller.Status   `json:"controller"`
	Stats      stats.Snapshot      `json:"stats"`
	Activity   session.Metrics     `json:"activity"`
	History    *store.HistoryStats `json:"history,omitempty"`
}

// SessionsResponse is the JSON body of GET /api/sessions.
type SessionsResponse struct {
	Active  []session.Info         `json:"active"`
	History []*store.SessionRecord `json:"history,omitempty"`
}

// handleHealth reports "ok" while a controller is connected and "degraded" otherwise.
// It always answers 200 so liveness probes only fail when the process is gone.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctrl := g.bridge.Status()
	resp := HealthResponse{
		Status:     "ok",
		Uptime:     g.stats.Uptime().Seconds(),
		Sessions:   g.sessions.Capacity(),
		Controller: ctrl,
		Stats:      g.stats.Snapshot(),
		Activity:   g.sessions.Metrics(),
	}
	if !ctrl.Connected {
		resp.Status = "degraded"
	}
	if g.history != nil {
		hs, err := g.history.Stats(r.Context())
		if err != nil {
			g.logger.Warn("reading history stats", "error", err)
		} else {
			resp.History = hs
		}
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleReady returns 200 OK only while a primary controller is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.bridge.IsConnected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("controller not connected"))
		return
	}
	c := g.sessions.Capacity()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d/%d sessions available)", c.Available, c.Max)
}

// handleSessions lists live sessions and, when history is enabled, recent
// history. ?limit=N bounds the history rows.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := SessionsResponse{Active: g.sessions.List()}
	if g.history != nil {
		records, err := g.history.ListSessions(r.Context(), limit)
		if err != nil {
			g.logger.Error("listing session history", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.History = records
	}

	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
