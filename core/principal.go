package core

import (
	"context"

	"github.com/pkg/errors"
)

const (
	RoleAdmin      = "admin:"
	RoleManager    = "manager:"
	RoleInstructor = "instructor:"
	RoleLearner    = "learner:"
)

var (
	// Roles are ordered by decreasing priority.
	Roles = []string{RoleAdmin, RoleManager, RoleInstructor, RoleLearner}

	ErrUnknownRole        = errors.New("unknown role")
	ErrPreviewNotAllowed  = errors.New("only admins can preview another role")
	errNoPrincipalInCtx   = errors.New("principal not found in context")
	principalCtxKey       = principalKey{}
	importManagementRoles = []string{RoleAdmin, RoleManager}
)

type principalKey struct{}

// Principal is the authenticated caller of a request.
// EffectiveRole is resolved once, when the Principal is built, and never changes afterwards.
type Principal struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Roles         []string `json:"roles"`
	PreviewRole   string   `json:"preview_role,omitempty"`
	EffectiveRole string   `json:"effective_role"`
}

// NewPrincipal builds a Principal and resolves its effective role.
// A non-empty previewRole overrides the caller's own roles; only admins may preview.
func NewPrincipal(id, name, email string, roles []string, previewRole string) (Principal, error) {
	p := Principal{ID: id, Name: name, Email: email, Roles: roles}

	if previewRole = CleanString(previewRole, true /* lower */); previewRole != "" {
		if !IsRole(previewRole) {
			return Principal{}, ErrUnknownRole
		}
		if !p.HasRole(RoleAdmin) {
			return Principal{}, ErrPreviewNotAllowed
		}
		p.PreviewRole = previewRole
		p.EffectiveRole = previewRole
		return p, nil
	}

	p.EffectiveRole = MaxRole(roles)
	return p, nil
}

// HasRole reports whether role was granted to the Principal, regardless of any preview.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ActsAs reports whether the effective role is one of roles.
func (p Principal) ActsAs(roles ...string) bool {
	for _, r := range roles {
		if p.EffectiveRole == r {
			return true
		}
	}
	return false
}

func (p Principal) CanManageImports() bool {
	return p.ActsAs(importManagementRoles...)
}

func IsRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MaxRole returns the highest priority known role, or "" if none is known.
func MaxRole(roles []string) string {
	for _, r := range Roles {
		for _, role := range roles {
			if role == r {
				return r
			}
		}
	}
	return ""
}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, error) {
	if p, ok := ctx.Value(principalCtxKey).(Principal); ok {
		return p, nil
	}
	return Principal{}, errNoPrincipalInCtx
}
