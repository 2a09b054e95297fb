package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voxgate/voxgate/internal/domain"
)

// Memory is an in-memory Store used by tests and local development.
// TTLs are not enforced; values survive until DeleteSession or Close.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	contexts map[string][]byte
	audio    map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string][]byte),
		contexts: make(map[string][]byte),
		audio:    make(map[string][]string),
	}
}

// SaveSession implements Store.
func (m *Memory) SaveSession(ctx context.Context, session *domain.SessionInfo) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.SessionID] = data
	return nil
}

// GetSession implements Store.
func (m *Memory) GetSession(ctx context.Context, sessionID string) (*domain.SessionInfo, error) {
	m.mu.RLock()
	data, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var session domain.SessionInfo
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession implements Store.
func (m *Memory) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.contexts, sessionID)
	return nil
}

// SaveContext implements Store.
func (m *Memory) SaveContext(ctx context.Context, sessionID string, turns []domain.ContextTurn) error {
	if turns == nil {
		turns = []domain.ContextTurn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[sessionID] = data
	return nil
}

// GetContext implements Store.
func (m *Memory) GetContext(ctx context.Context, sessionID string) ([]domain.ContextTurn, error) {
	m.mu.RLock()
	data, ok := m.contexts[sessionID]
	m.mu.RUnlock()
	if !ok {
		return []domain.ContextTurn{}, nil
	}
	var turns []domain.ContextTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// PublishAudio implements Store.
func (m *Memory) PublishAudio(ctx context.Context, sessionID string, audioHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio[sessionID] = append(m.audio[sessionID], audioHex)
	return nil
}

// PublishedAudio returns the audio published for a session, for tests.
func (m *Memory) PublishedAudio(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.audio[sessionID]...)
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string][]byte)
	m.contexts = make(map[string][]byte)
	m.audio = make(map[string][]string)
	return nil
}
