package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ifuryst/lol"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
)

// SetRolePermissions replaces the permission set of role. Role entries never expire.
func (s *Store) SetRolePermissions(ctx context.Context, role string, permissions []string) error {
	if role == "" {
		return cnst.ErrEmptyID
	}

	perms := lol.UniqSlice(permissions)
	sort.Strings(perms)
	data, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions of role %s: %w", role, err)
	}
	if err := s.backend.Set(ctx, s.keys.Role(role), data, 0); err != nil {
		return fmt.Errorf("failed to store role %s: %w", role, err)
	}
	if err := s.backend.AddToSet(ctx, s.keys.Roles(), role); err != nil {
		return fmt.Errorf("failed to index role %s: %w", role, err)
	}
	return nil
}

// RolePermissions returns the sorted permissions of role, nil for an unknown role
func (s *Store) RolePermissions(ctx context.Context, role string) ([]string, error) {
	data, err := s.backend.Get(ctx, s.keys.Role(role))
	if err != nil {
		if errors.Is(err, cnst.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get role %s: %w", role, err)
	}

	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		s.logger.Warn("discarding corrupt role record",
			zap.String("role", role), zap.Error(err))
		return nil, nil
	}
	if perms == nil {
		perms = []string{}
	}
	return perms, nil
}

// ListRoles returns the sorted names of every role with a permission set
func (s *Store) ListRoles(ctx context.Context) ([]string, error) {
	roles, err := s.backend.Members(ctx, s.keys.Roles())
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	sort.Strings(roles)
	return roles, nil
}

// SeedRoles applies a role table, typically once at startup
func (s *Store) SeedRoles(ctx context.Context, table map[string][]string) error {
	roles := make([]string, 0, len(table))
	for role := range table {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		if err := s.SetRolePermissions(ctx, role, table[role]); err != nil {
			return err
		}
	}
	if len(roles) > 0 {
		s.logger.Info("seeded role permissions", zap.Strings("roles", roles))
	}
	return nil
}

// CheckPermission reports whether any role of the session grants action.
//
// Permissions are global per role: resourceType and resourceID are accepted
// for callers that already speak in resources but do not narrow the check.
// Unknown sessions, roles and actions deny, and so does a backend failure.
func (s *Store) CheckPermission(ctx context.Context, sessionID, resourceType, resourceID, action string) bool {
	logger := s.logger.With(
		zap.String("session_id", sessionID),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID),
		zap.String("action", action))

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		logger.Warn("denying permission, session lookup failed", zap.Error(err))
		return false
	}
	if session == nil {
		return false
	}

	for _, role := range session.Roles {
		perms, err := s.RolePermissions(ctx, role)
		if err != nil {
			logger.Warn("skipping role, lookup failed", zap.String("role", role), zap.Error(err))
			continue
		}
		idx := sort.SearchStrings(perms, action)
		if idx < len(perms) && perms[idx] == action {
			return true
		}
	}
	return false
}
