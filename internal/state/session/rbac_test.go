package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/internal/state/backend/backendtest"
)

func TestStore_RBACSuperset(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Hour)

		require.NoError(t, s.SetRolePermissions(ctx, "admin", []string{"read", "write", "delete"}))
		require.NoError(t, s.SetRolePermissions(ctx, "viewer", []string{"read"}))

		_, err := s.Create(ctx, "admin-session", "u1", []string{"admin"}, nil)
		require.NoError(t, err)
		_, err = s.Create(ctx, "viewer-session", "u2", []string{"viewer"}, nil)
		require.NoError(t, err)

		assert.True(t, s.CheckPermission(ctx, "admin-session", "widget", "w1", "write"))
		assert.True(t, s.CheckPermission(ctx, "admin-session", "widget", "w1", "delete"))
		assert.True(t, s.CheckPermission(ctx, "admin-session", "widget", "w1", "read"))

		assert.False(t, s.CheckPermission(ctx, "viewer-session", "widget", "w1", "write"))
		assert.False(t, s.CheckPermission(ctx, "viewer-session", "widget", "w1", "delete"))
		assert.True(t, s.CheckPermission(ctx, "viewer-session", "widget", "w1", "read"))
	})
}

func TestStore_RBACDenyByDefault(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Hour)

		require.NoError(t, s.SetRolePermissions(ctx, "viewer", []string{"read"}))
		_, err := s.Create(ctx, "ghost-role", "u1", []string{"ghost"}, nil)
		require.NoError(t, err)
		_, err = s.Create(ctx, "no-roles", "u1", nil, nil)
		require.NoError(t, err)

		assert.False(t, s.CheckPermission(ctx, "unknown-session", "widget", "w1", "read"))
		assert.False(t, s.CheckPermission(ctx, "ghost-role", "widget", "w1", "read"))
		assert.False(t, s.CheckPermission(ctx, "no-roles", "widget", "w1", "read"))

		_, err = s.Create(ctx, "viewer", "u1", []string{"viewer"}, nil)
		require.NoError(t, err)
		assert.False(t, s.CheckPermission(ctx, "viewer", "widget", "w1", "admin"))
	})
}

func TestStore_RBACIgnoresResource(t *testing.T) {
	s := newTestStore(backendtest.Memory(t), time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SetRolePermissions(ctx, "editor", []string{"write"}))
	_, err := s.Create(ctx, "s1", "u1", []string{"editor"}, nil)
	require.NoError(t, err)

	assert.True(t, s.CheckPermission(ctx, "s1", "widget", "w1", "write"))
	assert.True(t, s.CheckPermission(ctx, "s1", "session", "other", "write"))
	assert.True(t, s.CheckPermission(ctx, "s1", "", "", "write"))
}

func TestStore_SetRolePermissionsReplaces(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Second)

		require.NoError(t, s.SetRolePermissions(ctx, "editor", []string{"write", "read", "write"}))
		perms, err := s.RolePermissions(ctx, "editor")
		require.NoError(t, err)
		assert.Equal(t, []string{"read", "write"}, perms)

		require.NoError(t, s.SetRolePermissions(ctx, "editor", []string{"read"}))
		perms, err = s.RolePermissions(ctx, "editor")
		require.NoError(t, err)
		assert.Equal(t, []string{"read"}, perms)

		require.NoError(t, s.SetRolePermissions(ctx, "nobody", nil))
		perms, err = s.RolePermissions(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, perms)
		assert.NotNil(t, perms, "a known role with no permissions is not unknown")

		perms, err = s.RolePermissions(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, perms)

		// role entries outlive the session TTL
		h.Advance(time.Hour)
		perms, err = s.RolePermissions(ctx, "editor")
		require.NoError(t, err)
		assert.Equal(t, []string{"read"}, perms)

		assert.ErrorIs(t, s.SetRolePermissions(ctx, "", nil), cnst.ErrEmptyID)
	})
}

func TestStore_SeedAndListRoles(t *testing.T) {
	backendtest.ForEach(t, func(t *testing.T, h backendtest.Harness) {
		ctx := context.Background()
		s := newTestStore(h, time.Hour)

		require.NoError(t, s.SeedRoles(ctx, map[string][]string{
			"viewer": {"read"},
			"admin":  {"read", "write", "delete"},
		}))

		roles, err := s.ListRoles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"admin", "viewer"}, roles)

		perms, err := s.RolePermissions(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, []string{"delete", "read", "write"}, perms)
	})
}

func TestStore_CheckPermissionBackendFailureDenies(t *testing.T) {
	h := backendtest.Memory(t)
	s := newTestStore(h, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SetRolePermissions(ctx, "admin", []string{"read"}))
	_, err := s.Create(ctx, "s1", "u1", []string{"admin"}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Backend.Close())

	assert.False(t, s.CheckPermission(ctx, "s1", "widget", "w1", "read"))
}

func TestStore_CorruptRoleIsUnknown(t *testing.T) {
	h := backendtest.Memory(t)
	s := newTestStore(h, time.Hour)
	ctx := context.Background()

	require.NoError(t, h.Backend.Set(ctx, backend.NewKeyspace("test").Role("broken"), []byte("nope"), 0))
	perms, err := s.RolePermissions(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, perms)
}
