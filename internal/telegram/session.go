package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// session is the per-user chat state that Telegram has no place for: the
// conversation replies go to and the active modes.
type session struct {
	ConversationID string `json:"conversation_id,omitempty"`
	DeveloperMode  bool   `json:"developer_mode,omitempty"`
	DeepSearch     bool   `json:"deep_search,omitempty"`
}

type sessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newSessionStore(rdb *redis.Client, ttl time.Duration) *sessionStore {
	return &sessionStore{redis: rdb, ttl: ttl}
}

func (s *sessionStore) key(userID int64) string {
	return fmt.Sprintf("chatdesk:tg-session:%d", userID)
}

func (s *sessionStore) Set(ctx context.Context, userID int64, state session) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.key(userID), string(b), s.ttl).Err()
}

// Get returns the zero session when nothing is stored.
func (s *sessionStore) Get(ctx context.Context, userID int64) (session, error) {
	raw, err := s.redis.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return session{}, nil
	}
	if err != nil {
		return session{}, err
	}
	var state session
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return session{}, err
	}
	return state, nil
}

// Update applies fn to the stored session and saves the result.
func (s *sessionStore) Update(ctx context.Context, userID int64, fn func(*session)) (session, error) {
	state, err := s.Get(ctx, userID)
	if err != nil {
		return session{}, err
	}
	fn(&state)
	if err := s.Set(ctx, userID, state); err != nil {
		return session{}, err
	}
	return state, nil
}

func (s *sessionStore) Clear(ctx context.Context, userID int64) error {
	return s.redis.Del(ctx, s.key(userID)).Err()
}
