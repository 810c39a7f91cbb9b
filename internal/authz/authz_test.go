package authz

import (
	"context"
	"errors"
	"testing"

	"notetree/api/internal/fault"
	"notetree/api/internal/store"
)

func TestCanAccessNote(t *testing.T) {
	member := &Principal{SubjectID: "user-1", TenantID: "org-1"}
	cases := []struct {
		name      string
		principal *Principal
		note      store.Note
		allow     bool
	}{
		{name: "same tenant", principal: member, note: store.Note{OrganizationID: "org-1"}, allow: true},
		{name: "other tenant", principal: member, note: store.Note{OrganizationID: "org-2"}, allow: false},
		{name: "anonymous", principal: nil, note: store.Note{OrganizationID: "org-1"}, allow: false},
		{name: "missing tenant", principal: &Principal{SubjectID: "user-1"}, note: store.Note{}, allow: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAccessNote(tc.principal, tc.note); got != tc.allow {
				t.Fatalf("CanAccessNote() = %v, want %v", got, tc.allow)
			}
		})
	}
}

func TestCanManageUserIsTenantScoped(t *testing.T) {
	p := &Principal{SubjectID: "user-1", TenantID: "org-1"}
	if !CanManageUser(p, store.User{ID: "user-2", OrganizationID: "org-1"}) {
		t.Fatalf("expected same tenant member to be manageable")
	}
	if CanManageUser(p, store.User{ID: "user-3", OrganizationID: "org-2"}) {
		t.Fatalf("expected other tenant member to be denied")
	}
	if !CanSeeOrganization(p, store.Organization{ID: "org-1"}) || CanSeeOrganization(p, store.Organization{ID: "org-2"}) {
		t.Fatalf("CanSeeOrganization must match the principal's tenant only")
	}
}

func TestCombinators(t *testing.T) {
	yes := func(*Principal, int) bool { return true }
	no := func(*Principal, int) bool { return false }

	if And[int](yes, no)(nil, 0) {
		t.Fatalf("And(yes, no) = true")
	}
	if !Or[int](no, yes)(nil, 0) {
		t.Fatalf("Or(no, yes) = false")
	}
	if Not[int](yes)(nil, 0) {
		t.Fatalf("Not(yes) = true")
	}
	if !And[int]()(nil, 0) || Or[int]()(nil, 0) {
		t.Fatalf("empty And must allow and empty Or must deny")
	}
}

func TestRequireLoggedInAndContext(t *testing.T) {
	if err := RequireLoggedIn(nil); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("RequireLoggedIn(nil) = %v", err)
	}
	p := &Principal{SubjectID: "user-1", TenantID: "org-1"}
	if err := RequireLoggedIn(p); err != nil {
		t.Fatalf("RequireLoggedIn() error = %v", err)
	}
	ctx := WithPrincipal(context.Background(), p)
	if FromContext(ctx) != p {
		t.Fatalf("FromContext() did not return the stored principal")
	}
	if FromContext(context.Background()) != nil {
		t.Fatalf("FromContext() on empty context must be nil")
	}
}
