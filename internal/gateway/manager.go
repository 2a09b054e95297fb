package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/backend"
	"github.com/voxgate/voxgate/internal/domain"
	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/store"
)

// Admission rejection reasons, each mapped to a distinct close code by
// the connection endpoint.
var (
	ErrOrgNotFound          = errors.New("organization not found")
	ErrSubscriptionInactive = errors.New("subscription inactive")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotAIMode            = errors.New("session is not in AI mode")
)

// Conn is the transport back to one caller.
type Conn interface {
	Send(ctx context.Context, v any) error
}

// Patch is a field-level partial update to a session. Nil fields are
// left untouched; non-nil fields replace the stored value. AppendAsked
// merges into the asked list rather than replacing it, so concurrent
// writers cannot lose each other's appends. Applying a patch through
// Update is the only sanctioned way to mutate session state.
type Patch struct {
	AgentMode         *domain.AgentMode
	TransferReason    *domain.TransferReason
	HumanAgentID      *string
	ConversationStage *domain.ConversationStage
	LastInteraction   *time.Time
	CallDuration      *float64
	AppendAsked       []string
}

// Manager owns the mapping of session id to live connection and
// in-memory session state. The in-memory SessionInfo is authoritative
// for this process; every mutation is mirrored to the external store.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	sessions map[string]*domain.SessionInfo
	routers  map[string]*Router

	backend      *backend.Client
	store        store.Store
	defaultVoice string
}

// NewManager creates a connection manager.
func NewManager(bc *backend.Client, st store.Store, defaultVoice string) *Manager {
	return &Manager{
		conns:        make(map[string]Conn),
		sessions:     make(map[string]*domain.SessionInfo),
		routers:      make(map[string]*Router),
		backend:      bc,
		store:        st,
		defaultVoice: defaultVoice,
	}
}

// Admit fetches the organization configuration, verifies the
// subscription, resolves the effective voice, and registers a new
// session for the connection. The returned OrganizationConfig is read
// once here and never re-fetched for the session's lifetime.
func (m *Manager) Admit(ctx context.Context, conn Conn, orgID string) (*domain.SessionInfo, *domain.OrganizationConfig, error) {
	org, err := m.fetchOrgConfig(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	if err := org.Validate(); err != nil {
		return nil, nil, fmt.Errorf("organization config rejected: %w", err)
	}

	if !m.subscriptionActive(ctx, orgID) {
		return nil, nil, ErrSubscriptionInactive
	}

	voiceID := m.resolveVoice(ctx, org)

	now := time.Now().UTC()
	session := &domain.SessionInfo{
		SessionID:           uuid.NewString(),
		OrgID:               orgID,
		PlanType:            org.PlanType,
		AgentMode:           domain.InitialAgentMode(org.PlanType),
		VoiceID:             voiceID,
		StartTime:           now,
		LastInteractionTime: now,
		ConversationStage:   domain.StageGreeting,
		LeadAnswers:         map[string]string{},
		PendingRequired:     org.RequiredQuestionIDs(),
	}

	m.mu.Lock()
	m.conns[session.SessionID] = conn
	m.sessions[session.SessionID] = session
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, session); err != nil {
		slog.Error("Failed to persist admitted session", "session_id", session.SessionID, "error", err)
	}
	if err := m.store.SaveContext(ctx, session.SessionID, nil); err != nil {
		slog.Error("Failed to initialize conversation context", "session_id", session.SessionID, "error", err)
	}

	metrics.ActiveSessions.Inc()
	slog.Info("Session admitted",
		"session_id", session.SessionID,
		"org_id", orgID,
		"plan", org.PlanType,
		"agent_mode", session.AgentMode,
		"voice_id", voiceID,
	)
	return session, org, nil
}

func (m *Manager) fetchOrgConfig(ctx context.Context, orgID string) (*domain.OrganizationConfig, error) {
	status, body := m.backend.Call(ctx, http.MethodGet, "voice", "organizations/"+orgID, nil)
	switch {
	case status == http.StatusNotFound:
		return nil, ErrOrgNotFound
	case status != http.StatusOK:
		return nil, fmt.Errorf("organization lookup failed: HTTP %d", status)
	}
	var org domain.OrganizationConfig
	if err := json.Unmarshal(body, &org); err != nil {
		return nil, fmt.Errorf("decode organization config: %w", err)
	}
	return &org, nil
}

func (m *Manager) subscriptionActive(ctx context.Context, orgID string) bool {
	status, body := m.backend.Call(ctx, http.MethodGet, "billing", "organizations/"+orgID+"/subscription", nil)
	if status != http.StatusOK {
		return false
	}
	var sub struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		return false
	}
	return sub.Active
}

// resolveVoice checks readiness of the organization's primary voice and
// degrades to the configured fallback, or the platform default, when it
// is not ready.
func (m *Manager) resolveVoice(ctx context.Context, org *domain.OrganizationConfig) string {
	status, body := m.backend.Call(ctx, http.MethodGet, "voice", "voices/"+org.VoiceID+"/status", nil)
	if status == http.StatusOK {
		var vs struct {
			Status domain.VoiceStatus `json:"status"`
		}
		if err := json.Unmarshal(body, &vs); err == nil && vs.Status == domain.VoiceReady {
			return org.VoiceID
		}
	}

	fallback := org.FallbackVoiceID
	if fallback == "" {
		fallback = m.defaultVoice
	}
	slog.Warn("Voice not ready, using fallback",
		"org_id", org.OrgID,
		"voice_id", org.VoiceID,
		"fallback", fallback,
	)
	return fallback
}

// Update merges a patch into the in-memory session and immediately
// persists the full snapshot, keeping memory and store from diverging
// for more than one operation.
func (m *Manager) Update(ctx context.Context, sessionID string, p Patch) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}

	if p.AgentMode != nil {
		session.AgentMode = *p.AgentMode
	}
	if p.TransferReason != nil {
		session.TransferReason = *p.TransferReason
	}
	if p.HumanAgentID != nil {
		session.HumanAgentID = *p.HumanAgentID
	}
	if p.ConversationStage != nil {
		session.ConversationStage = *p.ConversationStage
	}
	if p.LastInteraction != nil {
		session.LastInteractionTime = *p.LastInteraction
	}
	if p.CallDuration != nil {
		session.CallDuration = *p.CallDuration
	}
	for _, id := range p.AppendAsked {
		session.MarkAsked(id)
	}
	snapshot := copySession(session)
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, &snapshot); err != nil {
		slog.Error("Failed to persist session snapshot", "session_id", sessionID, "error", err)
	}
	return nil
}

// CaptureAnswer records a lead answer against the live session under
// the manager's lock, so capture and the asked/pending bookkeeping are
// one atomic step even against the supervisor's concurrent patches.
// Returns false if the question was already answered.
func (m *Manager) CaptureAnswer(ctx context.Context, sessionID, questionID, answer string) (bool, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false, ErrSessionNotFound
	}
	captured := session.CaptureAnswer(questionID, answer)
	snapshot := copySession(session)
	m.mu.Unlock()

	if !captured {
		return false, nil
	}
	if err := m.store.SaveSession(ctx, &snapshot); err != nil {
		slog.Error("Failed to persist session snapshot", "session_id", sessionID, "error", err)
	}
	return true, nil
}

// Snapshot returns a copy of the session state for readers.
func (m *Manager) Snapshot(sessionID string) (domain.SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return domain.SessionInfo{}, false
	}
	return copySession(session), true
}

func copySession(s *domain.SessionInfo) domain.SessionInfo {
	out := *s
	out.LeadAnswers = make(map[string]string, len(s.LeadAnswers))
	for k, v := range s.LeadAnswers {
		out.LeadAnswers[k] = v
	}
	out.AskedQuestions = append([]string(nil), s.AskedQuestions...)
	out.PendingRequired = append([]string(nil), s.PendingRequired...)
	return out
}

// AttachRouter registers the session's message router so operational
// endpoints can initiate transfers.
func (m *Manager) AttachRouter(sessionID string, r *Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routers[sessionID] = r
}

// Remove detaches the connection and state from the in-memory maps. The
// persisted snapshot is left for the store TTL or a finalize call to
// reclaim.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.conns, sessionID)
	delete(m.sessions, sessionID)
	delete(m.routers, sessionID)
	m.mu.Unlock()

	if existed {
		metrics.ActiveSessions.Dec()
		slog.Info("Session removed", "session_id", sessionID)
	}
}

// Send writes an event to the session's connection.
func (m *Manager) Send(ctx context.Context, sessionID string, v any) error {
	m.mu.RLock()
	conn, ok := m.conns[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return conn.Send(ctx, v)
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForceTransfer initiates a transfer for a session from the
// administrative surface. It only succeeds while the session is in AI
// mode.
func (m *Manager) ForceTransfer(ctx context.Context, sessionID string, reason domain.TransferReason) error {
	session, ok := m.Snapshot(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if session.AgentMode != domain.ModeAI {
		return ErrNotAIMode
	}

	m.mu.RLock()
	router := m.routers[sessionID]
	m.mu.RUnlock()
	if router == nil {
		return ErrSessionNotFound
	}
	return router.Transfer(ctx, reason)
}
