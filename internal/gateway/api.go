// ABOUTME: Operational HTTP surface on chi: liveness, readiness and JWT-protected read APIs
// ABOUTME: Exposes exchange lookup and operator cancel, the latest health snapshot and queue stats

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/reciprocity-gateway/internal/apperr"
	"github.com/2389/reciprocity-gateway/internal/auth"
	"github.com/2389/reciprocity-gateway/internal/lifecycle"
	"github.com/2389/reciprocity-gateway/internal/store"
)

// QueueResponse is the JSON response for GET /api/queue.
type QueueResponse struct {
	Queued      int     `json:"queued"`
	Running     int     `json:"running"`
	Inflight    int     `json:"inflight"`
	Workers     int     `json:"workers"`
	FailureRate float64 `json:"failureRate"`
	Succeeded   int64   `json:"succeeded"`
	Retried     int64   `json:"retried"`
	Failed      int64   `json:"failed"`
}

// CancelRequest is the JSON body for POST /api/exchanges/{exchange_id}/cancel.
type CancelRequest struct {
	ParticipantID string `json:"participantId"`
}

// Handler returns the operational HTTP router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(auth.Middleware(g.verifier, g.logger))
		r.Get("/exchanges/{exchange_id}", g.handleGetExchange)
		r.Post("/exchanges/{exchange_id}/cancel", g.handleCancelExchange)
		r.Get("/health/latest", g.handleLatestHealth)
		r.Get("/queue", g.handleQueue)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 while RUNNING and the last health cycle was not CRITICAL.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := g.lifecycle.State()
	if state != lifecycle.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + string(state)))
		return
	}
	if snap := g.supervisor.Latest(); snap != nil && snap.Status == store.HealthCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: health CRITICAL"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchange_id")
	ex, err := g.exchanges.GetExchange(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, ex)
		return
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, "exchange not found")
		return
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.logger.Error("exchange lookup failed", "exchange_id", id, "operator", auth.OperatorFrom(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "lookup failed")
}

// handleCancelExchange aborts an exchange on behalf of one participant. The
// coordinator still refuses once either turn has landed.
func (g *Gateway) handleCancelExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "exchange_id")
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}

	operator := auth.OperatorFrom(r.Context())
	err := g.exchanges.CancelExchange(r.Context(), id, req.ParticipantID)
	switch apperr.KindOf(err) {
	case "":
		if err != nil {
			break
		}
		g.logger.Info("exchange cancelled by operator", "exchange_id", id, "participant_id", req.ParticipantID, "operator", operator)
		g.handleGetExchange(w, r)
		return
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, "exchange not found")
		return
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case apperr.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	g.logger.Error("exchange cancel failed", "exchange_id", id, "operator", operator, "error", err)
	writeError(w, http.StatusServiceUnavailable, "cancel failed")
}

func (g *Gateway) handleLatestHealth(w http.ResponseWriter, _ *http.Request) {
	snap := g.supervisor.Latest()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no health snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	st, err := g.executor.Stats(r.Context())
	if err != nil {
		g.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, QueueResponse{
		Queued:      st.Queued,
		Running:     st.Running,
		Inflight:    st.Inflight,
		Workers:     st.Workers,
		FailureRate: st.FailureRate,
		Succeeded:   st.Succeeded,
		Retried:     st.Retried,
		Failed:      st.Failed,
	})
}
