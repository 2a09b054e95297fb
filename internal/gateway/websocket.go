package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/voxgate/voxgate/internal/backend"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/store"
)

// Close codes for admission rejections. Each failure reason closes the
// connection with its own code so telephony integrations can tell them
// apart.
const (
	closeUnauthorized         websocket.StatusCode = 4001
	closeSubscriptionInactive websocket.StatusCode = 4003
	closeOrgNotFound          websocket.StatusCode = 4004
)

// finalizeTimeout bounds the forced finalize pipeline at teardown so a
// dead collaborator cannot hold the connection goroutine forever.
const finalizeTimeout = 30 * time.Second

// readLimit caps inbound frames. It sits above the audio payload bound
// so oversize events reach the router and get an error event instead of
// tearing the connection down at the transport.
const readLimit = 16 << 20

// WSHandler accepts caller connections and drives the session message
// loop.
type WSHandler struct {
	mgr     *Manager
	backend *backend.Client
	store   store.Store
	cfg     *config.Config
}

// NewWSHandler creates the connection endpoint handler.
func NewWSHandler(mgr *Manager, bc *backend.Client, st store.Store, cfg *config.Config) *WSHandler {
	return &WSHandler{mgr: mgr, backend: bc, store: st, cfg: cfg}
}

// wsConn adapts a websocket connection to the manager's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for GET /ws/{org_id}?token=...
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org_id")
	token := r.URL.Query().Get("token")
	slog.Info("Call connection request", "org_id", orgID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{h.cfg.AllowedOrigin},
	})
	if err != nil {
		slog.Error("Failed to accept connection", "error", err, "org_id", orgID)
		return
	}
	ws.SetReadLimit(readLimit)

	if err := verifyToken(token, orgID, h.cfg.JWTSecret); err != nil {
		slog.Warn("Connection rejected: unauthorized", "org_id", orgID, "error", err)
		_ = ws.Close(closeUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{conn: ws}
	session, org, err := h.mgr.Admit(ctx, conn, orgID)
	if err != nil {
		h.rejectAdmission(ws, orgID, err)
		return
	}
	sessionID := session.SessionID

	router := NewRouter(h.mgr, h.backend, h.store, sessionID, org)
	h.mgr.AttachRouter(sessionID, router)

	sup := StartSupervisor(ctx, h.mgr, router, sessionID, org, h.cfg.HeartbeatInterval, h.cfg.MonitorInterval)

	defer func() {
		cancel()
		sup.Stop()

		// Finalize always runs in forced mode at teardown. The
		// router's internal guard keeps billing and lead
		// finalization at most once per session even when an
		// explicit end_call already closed the call.
		finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), finalizeTimeout)
		router.Finalize(finalizeCtx, true)
		finalizeCancel()

		h.mgr.Remove(sessionID)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "call ended"); closeErr != nil {
			slog.Debug("Failed to close connection", "session_id", sessionID, "error", closeErr)
		}
		slog.Info("Call session ended", "session_id", sessionID, "org_id", orgID)
	}()

	router.Welcome(ctx)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Info("Connection closed by caller", "session_id", sessionID)
			} else {
				slog.Warn("Connection read error", "session_id", sessionID, "error", err)
			}
			return
		}
		if done := router.HandleEvent(ctx, data); done {
			return
		}
	}
}

func (h *WSHandler) rejectAdmission(ws *websocket.Conn, orgID string, err error) {
	slog.Warn("Admission rejected", "org_id", orgID, "error", err)
	switch {
	case errors.Is(err, ErrOrgNotFound):
		_ = ws.Close(closeOrgNotFound, "organization not found")
	case errors.Is(err, ErrSubscriptionInactive):
		_ = ws.Close(closeSubscriptionInactive, "subscription inactive")
	default:
		_ = ws.Close(websocket.StatusInternalError, "admission failed")
	}
}

// verifyToken validates the connection token and checks its org claim
// against the requested organization.
func verifyToken(token, orgID, secret string) error {
	if token == "" {
		return errors.New("missing token")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("unexpected claims type")
	}
	claimedOrg, _ := claims["org_id"].(string)
	if claimedOrg != orgID {
		return errors.New("token org mismatch")
	}
	return nil
}
