package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxgate/voxgate/internal/domain"
)

// Redis implements Store on a Redis instance. Session snapshots live
// under session:<id>, transcripts under context:<id>, both
// JSON-serialized with the session TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and validates the connection.
func NewRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

func sessionKey(id string) string { return "session:" + id }
func contextKey(id string) string { return "context:" + id }
func audioChannel(id string) string { return "tts_audio:" + id }

// SaveSession implements Store.
func (r *Redis) SaveSession(ctx context.Context, session *domain.SessionInfo) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.SessionID, err)
	}
	if err := r.client.SetEx(ctx, sessionKey(session.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", session.SessionID, err)
	}
	return nil
}

// GetSession implements Store.
func (r *Redis) GetSession(ctx context.Context, sessionID string) (*domain.SessionInfo, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var session domain.SessionInfo
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

// DeleteSession implements Store.
func (r *Redis) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionID), contextKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// SaveContext implements Store.
func (r *Redis) SaveContext(ctx context.Context, sessionID string, turns []domain.ContextTurn) error {
	if turns == nil {
		turns = []domain.ContextTurn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal context %s: %w", sessionID, err)
	}
	if err := r.client.SetEx(ctx, contextKey(sessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store context %s: %w", sessionID, err)
	}
	return nil
}

// GetContext implements Store.
func (r *Redis) GetContext(ctx context.Context, sessionID string) ([]domain.ContextTurn, error) {
	data, err := r.client.Get(ctx, contextKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.ContextTurn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context %s: %w", sessionID, err)
	}
	var turns []domain.ContextTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", sessionID, err)
	}
	return turns, nil
}

// PublishAudio implements Store.
func (r *Redis) PublishAudio(ctx context.Context, sessionID string, audioHex string) error {
	if err := r.client.Publish(ctx, audioChannel(sessionID), audioHex).Err(); err != nil {
		return fmt.Errorf("publish audio %s: %w", sessionID, err)
	}
	return nil
}

// Ping implements Store.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
