package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/internal/state/backend/backendtest"
)

func newTestStore(h backendtest.Harness, ttl time.Duration) *Store {
	return NewStore(zap.NewNop(), h.Backend, backend.NewKeyspace("test"), ttl)
}

func TestStore_CreateGetValidate(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Hour)

		created, err := s.Create(ctx, "s1", "u1", []string{"viewer", "admin", "viewer"}, map[string]any{"ip": "10.0.0.1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"viewer", "admin"}, created.Roles)

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, created.Roles, got.Roles)
		assert.Equal(t, "10.0.0.1", got.Metadata["ip"])
		assert.True(t, got.HasRole("admin"))
		assert.False(t, got.HasRole("owner"))

		ok, err := s.Validate(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Validate(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Create(ctx, "", "u1", nil, nil)
		assert.ErrorIs(t, err, cnst.ErrEmptyID)
	})
}

func TestStore_DeleteIdempotence(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Hour)

		_, err := s.Create(ctx, "s1", "u1", nil, nil)
		require.NoError(t, err)

		removed, err := s.Delete(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Delete(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, removed)

		sessions, err := s.ListUser(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}

func TestStore_ListUser(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, 10*time.Second)
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		tick := 0
		s.now = func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}

		_, err := s.Create(ctx, "s1", "u1", nil, nil)
		require.NoError(t, err)
		_, err = s.Create(ctx, "s2", "u1", nil, nil)
		require.NoError(t, err)
		_, err = s.Create(ctx, "s3", "u2", nil, nil)
		require.NoError(t, err)

		sessions, err := s.ListUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "s1", sessions[0].SessionID)
		assert.Equal(t, "s2", sessions[1].SessionID)

		// moving a session to another user updates both indexes
		_, err = s.Create(ctx, "s2", "u2", nil, nil)
		require.NoError(t, err)
		sessions, err = s.ListUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, sessions, 1)

		h.Advance(11 * time.Second)
		sessions, err = s.ListUser(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, sessions)

		members, err := h.Backend.Members(ctx, backend.NewKeyspace("test").UserSessions("u2"))
		require.NoError(t, err)
		assert.Empty(t, members, "expired ids are pruned")
	})
}

func TestStore_SessionExpiry(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Second)

		_, err := s.Create(ctx, "s1", "u1", []string{"admin"}, nil)
		require.NoError(t, err)
		h.Advance(2 * time.Second)

		ok, err := s.Validate(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
