// Package api provides the operational HTTP surface: health, metrics,
// and session administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voxgate/voxgate/internal/backend"
	"github.com/voxgate/voxgate/internal/domain"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/store"
)

// SessionDirectory is the view of live sessions the admin surface
// needs.
type SessionDirectory interface {
	Snapshot(sessionID string) (domain.SessionInfo, bool)
	Count() int
	ForceTransfer(ctx context.Context, sessionID string, reason domain.TransferReason) error
}

// Handler serves health and session administration endpoints.
type Handler struct {
	dir     SessionDirectory
	backend *backend.Client
	store   store.Store
}

// NewHandler creates the operational handler.
func NewHandler(dir SessionDirectory, bc *backend.Client, st store.Store) *Handler {
	return &Handler{dir: dir, backend: bc, store: st}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the operational routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/sessions/{session_id}", h.HandleSessionInfo)
	r.Post("/sessions/{session_id}/transfer", h.HandleForceTransfer)
}

// HandleHealth reports store connectivity, per-collaborator
// reachability with latency, and the active session count.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeHealth := map[string]any{"status": "healthy"}
	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		storeHealth = map[string]any{"status": "unhealthy", "error": err.Error()}
	}
	storeHealth["latency"] = time.Since(start).Seconds()

	services := make(map[string]backend.ProbeResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range h.backend.Services() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			result := h.backend.Probe(ctx, name)
			mu.Lock()
			services[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	JSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"store":           storeHealth,
		"services":        services,
		"active_sessions": h.dir.Count(),
	})
}

// HandleSessionInfo returns a live session's introspection view.
func (h *Handler) HandleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	session, ok := h.dir.Snapshot(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"session_id":        session.SessionID,
		"org_id":            session.OrgID,
		"plan_type":         session.PlanType,
		"agent_mode":        session.AgentMode,
		"duration":          session.CallDuration,
		"stage":             session.ConversationStage,
		"leads_captured":    len(session.LeadAnswers),
		"pending_questions": session.PendingRequired,
	})
}

// HandleForceTransfer initiates a human transfer for a session. It only
// succeeds while the session is in AI mode.
func (h *Handler) HandleForceTransfer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req struct {
		Reason domain.TransferReason `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		req.Reason = domain.TransferEscalation
	}

	err := h.dir.ForceTransfer(r.Context(), sessionID, req.Reason)
	switch {
	case errors.Is(err, gateway.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, gateway.ErrNotAIMode):
		Error(w, http.StatusBadRequest, "invalid agent mode for transfer")
	case errors.Is(err, gateway.ErrTransferUnavailable):
		Error(w, http.StatusBadRequest, "transfer not available for plan")
	case err != nil:
		Error(w, http.StatusBadGateway, "transfer failed")
	default:
		JSON(w, http.StatusOK, map[string]string{"status": "transfer_initiated"})
	}
}
