package livesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"notetree/api/internal/authz"
	"notetree/api/internal/store"
)

func withPrincipal(p *authz.Principal, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), p)))
	})
}

func TestFeedStreamsTenantSnapshots(t *testing.T) {
	s := seededStore()
	hub := NewHub(s, zerolog.Nop())
	principal := &authz.Principal{SubjectID: "user-1", TenantID: "org-1"}
	srv := httptest.NewServer(withPrincipal(principal, NewFeed(hub, "")))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	require.Equal(t, "org-1", snap.OrganizationID)
	require.Len(t, snap.Notes, 1)

	s.SeedNotes(store.Note{ID: "b", SortKey: "a1", OrganizationID: "org-1"})
	hub.Notify(context.Background(), "org-1")
	require.NoError(t, conn.ReadJSON(&snap))
	require.Len(t, snap.Notes, 2)
}

func TestFeedRejectsAnonymous(t *testing.T) {
	hub := NewHub(seededStore(), zerolog.Nop())
	srv := httptest.NewServer(NewFeed(hub, ""))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
