package auth

import (
	"fmt"
	"sort"
	"strings"

	xerrors "VaultOps/internal/errors"
)

// 接口权限。
const (
	PermJobsSubmit       = "jobs:submit"
	PermJobsRead         = "jobs:read"
	PermProposalsPreview = "proposals:preview"
)

// DefaultRoles 在配置未声明角色时使用。
var DefaultRoles = map[string][]string{
	"admin":    {PermJobsSubmit, PermJobsRead, PermProposalsPreview},
	"operator": {PermJobsSubmit, PermJobsRead, PermProposalsPreview},
	"viewer":   {PermJobsRead},
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	ErrPermissionDenied = xerrors.New(xerrors.CodeForbidden, "permission denied")
)

// Subject 是通过令牌认证的调用方。
type Subject struct {
	Name        string
	Roles       []string
	Permissions []string

	permissionsSet map[string]struct{}
}

func newSubject(name string, roles []string, catalogue map[string][]string) *Subject {
	s := &Subject{Name: name, Roles: append([]string(nil), roles...)}
	seen := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range catalogue[strings.TrimSpace(role)] {
			perm = normalisePermission(perm)
			if perm == "" {
				continue
			}
			if _, ok := seen[perm]; ok {
				continue
			}
			seen[perm] = struct{}{}
			s.Permissions = append(s.Permissions, perm)
		}
	}
	sort.Strings(s.Permissions)
	s.permissionsSet = seen
	return s
}

func normalisePermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[normalisePermission(perm)] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[normalisePermission(permission)]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(xerrors.CodeForbidden, ErrPermissionDenied, fmt.Sprintf("missing %s", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}
