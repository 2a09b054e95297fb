// Package store persists session snapshots and conversation transcripts
// in a TTL-keyed key/value store with publish/subscribe.
package store

import (
	"context"
	"errors"

	"github.com/voxgate/voxgate/internal/domain"
)

// ErrNotFound is returned when no snapshot exists for a session id.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence interface for session state. Snapshots
// and transcripts share the configured session TTL; the TTL is
// refreshed on every save.
type Store interface {
	// SaveSession persists the full session snapshot.
	SaveSession(ctx context.Context, session *domain.SessionInfo) error

	// GetSession retrieves a session snapshot by id.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionInfo, error)

	// DeleteSession removes the persisted snapshot and transcript.
	DeleteSession(ctx context.Context, sessionID string) error

	// SaveContext persists the full conversation transcript.
	SaveContext(ctx context.Context, sessionID string, turns []domain.ContextTurn) error

	// GetContext retrieves the conversation transcript. A missing
	// transcript yields an empty slice, not an error.
	GetContext(ctx context.Context, sessionID string) ([]domain.ContextTurn, error)

	// PublishAudio publishes synthesized audio on the session's
	// outbound audio channel for external consumers.
	PublishAudio(ctx context.Context, sessionID string, audioHex string) error

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
