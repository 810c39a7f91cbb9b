// Package authz decides what an authenticated principal may touch. Rules are
// plain predicate functions over typed rows, combined with And, Or and Not.
package authz

import (
	"context"

	"notetree/api/internal/fault"
	"notetree/api/internal/store"
)

// Principal is the authenticated caller. A nil *Principal is anonymous.
type Principal struct {
	SubjectID string `json:"sub"`
	TenantID  string `json:"organizationId"`
	Email     string `json:"email,omitempty"`
}

// Predicate reports whether p may act on row.
type Predicate[T any] func(p *Principal, row T) bool

func And[T any](preds ...Predicate[T]) Predicate[T] {
	return func(p *Principal, row T) bool {
		for _, pred := range preds {
			if !pred(p, row) {
				return false
			}
		}
		return true
	}
}

func Or[T any](preds ...Predicate[T]) Predicate[T] {
	return func(p *Principal, row T) bool {
		for _, pred := range preds {
			if pred(p, row) {
				return true
			}
		}
		return false
	}
}

func Not[T any](pred Predicate[T]) Predicate[T] {
	return func(p *Principal, row T) bool {
		return !pred(p, row)
	}
}

// IsLoggedIn holds for any principal carrying both a subject and a tenant.
func IsLoggedIn(p *Principal) bool {
	return p != nil && p.SubjectID != "" && p.TenantID != ""
}

// SameTenant holds when p is logged in and belongs to organizationID.
func SameTenant(p *Principal, organizationID string) bool {
	return IsLoggedIn(p) && p.TenantID == organizationID
}

func loggedIn[T any](p *Principal, _ T) bool {
	return IsLoggedIn(p)
}

var (
	// CanAccessNote gates reads and writes of an existing note.
	CanAccessNote = And[store.Note](loggedIn[store.Note], func(p *Principal, n store.Note) bool {
		return p.TenantID == n.OrganizationID
	})
	// CanManageUser gates user updates: any member may toggle another
	// member of the same organization.
	CanManageUser = And[store.User](loggedIn[store.User], func(p *Principal, u store.User) bool {
		return p.TenantID == u.OrganizationID
	})
	// CanSeeOrganization gates organization level reads.
	CanSeeOrganization = And[store.Organization](loggedIn[store.Organization], func(p *Principal, o store.Organization) bool {
		return p.TenantID == o.ID
	})
)

// RequireLoggedIn returns fault.ErrNotLoggedIn for anonymous principals.
func RequireLoggedIn(p *Principal) error {
	if !IsLoggedIn(p) {
		return fault.ErrNotLoggedIn
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
