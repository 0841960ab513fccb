package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
)

// Session is an authenticated principal together with its roles
type Session struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Roles     []string       `json:"roles"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// HasRole reports whether the session carries role
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Store owns session records, the user to sessions index and the role
// permission table. Sessions expire after ttl, roles never do.
type Store struct {
	logger  *zap.Logger
	backend backend.Backend
	keys    backend.Keyspace
	ttl     time.Duration
	now     func() time.Time
}

func NewStore(logger *zap.Logger, b backend.Backend, keys backend.Keyspace, ttl time.Duration) *Store {
	return &Store{
		logger:  logger.Named("state.session"),
		backend: b,
		keys:    keys,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create stores a session, replacing any session with the same id, and returns
// the stored value. Roles keep their order with duplicates removed.
func (s *Store) Create(ctx context.Context, sessionID, userID string, roles []string, metadata map[string]any) (*Session, error) {
	if sessionID == "" {
		return nil, cnst.ErrEmptyID
	}

	previous, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sessionID,
		UserID:    userID,
		Roles:     orderedUnique(roles),
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session %s: %w", sessionID, err)
	}
	if err := s.backend.Set(ctx, s.keys.Session(sessionID), data, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to store session %s: %w", sessionID, err)
	}
	if err := s.backend.AddToSet(ctx, s.keys.UserSessions(userID), sessionID); err != nil {
		return nil, fmt.Errorf("failed to index session %s: %w", sessionID, err)
	}
	if previous != nil && previous.UserID != userID {
		if err := s.backend.RemoveFromSet(ctx, s.keys.UserSessions(previous.UserID), sessionID); err != nil {
			s.logger.Warn("failed to unindex session from previous user",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return session, nil
}

// Get returns nil when the session is absent, expired or unreadable
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.backend.Get(ctx, s.keys.Session(sessionID))
	if err != nil {
		if errors.Is(err, cnst.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Warn("discarding corrupt session record",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, nil
	}
	return &session, nil
}

// Validate checks that the session exists. It says nothing about permissions.
func (s *Store) Validate(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return session != nil, nil
}

// Delete reports true only when a live session was removed
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}

	removed, err := s.backend.Delete(ctx, s.keys.Session(sessionID))
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	if session != nil {
		if err := s.backend.RemoveFromSet(ctx, s.keys.UserSessions(session.UserID), sessionID); err != nil {
			return removed, fmt.Errorf("failed to unindex session %s: %w", sessionID, err)
		}
	}
	return removed, nil
}

// ListUser returns the live sessions of userID, oldest first. Expired ids are
// pruned from the user index.
func (s *Store) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	indexKey := s.keys.UserSessions(userID)
	ids, err := s.backend.Members(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of %s: %w", userID, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session != nil && session.UserID == userID {
			sessions = append(sessions, session)
			continue
		}
		if err := s.backend.RemoveFromSet(ctx, indexKey, id); err != nil {
			s.logger.Warn("failed to prune stale session",
				zap.String("user_id", userID),
				zap.String("session_id", id),
				zap.Error(err))
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func orderedUnique(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
