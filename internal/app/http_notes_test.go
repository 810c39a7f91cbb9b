package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"notetree/api/internal/livesync"
	"notetree/api/internal/mutator"
	"notetree/api/internal/store"
)

func pushOverHTTP(t *testing.T, handler http.Handler, token string, mutations ...mutator.Mutation) mutator.PushResponse {
	t.Helper()
	rr := doRequest(t, handler, http.MethodPost, "/api/sync/push", token, mutator.PushRequest{Mutations: mutations})
	if rr.Code != http.StatusOK {
		t.Fatalf("push status = %d body = %s", rr.Code, rr.Body.String())
	}
	var resp mutator.PushResponse
	decodeResponse(t, rr, &resp)
	return resp
}

func TestUsersAreScopedToCallerOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*").Handler()
	ada := signUpOverHTTP(t, handler, "ada@example.com", "Analytical")
	signUpOverHTTP(t, handler, "bob@example.com", "Babbage Ltd")

	rr := doRequest(t, handler, http.MethodPost, "/api/users", ada.Token, map[string]string{
		"email":    "carol@example.com",
		"password": "correct horse",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add user status = %d body = %s", rr.Code, rr.Body.String())
	}
	var added store.User
	decodeResponse(t, rr, &added)
	if added.OrganizationID != ada.Session.OrganizationID || !added.IsActive {
		t.Fatalf("unexpected user: %+v", added)
	}

	rr = doRequest(t, handler, http.MethodPost, "/api/users", ada.Token, map[string]string{
		"email":    "bob@example.com",
		"password": "correct horse",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/users", ada.Token, nil)
	var listed struct {
		Users []store.User `json:"users"`
	}
	decodeResponse(t, rr, &listed)
	if len(listed.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(listed.Users))
	}
	for _, u := range listed.Users {
		if u.OrganizationID != ada.Session.OrganizationID {
			t.Fatalf("foreign user listed: %+v", u)
		}
	}
}

func TestPushThenReadNotesAndTree(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*").Handler()
	ada := signUpOverHTTP(t, handler, "ada@example.com", "Analytical")
	bob := signUpOverHTTP(t, handler, "bob@example.com", "Babbage Ltd")

	resp := pushOverHTTP(t, handler, ada.Token,
		insertMutation(t, 1, "a", nil, "A"),
		insertMutation(t, 2, "b", nil, "B"),
		insertMutation(t, 3, "a1", store.StringPtr("a"), "A1"),
		mutator.Mutation{ID: 4, Name: "note.explode"},
	)
	for _, result := range resp.Mutations[:3] {
		if result.Result.Failed() {
			t.Fatalf("mutation %d failed: %+v", result.ID, result.Result)
		}
	}
	if resp.Mutations[3].Result.Code != "VALIDATION_ERROR" {
		t.Fatalf("unknown mutation result = %+v", resp.Mutations[3].Result)
	}

	move, err := mutator.Encode(5, "note.move", mutator.MoveNoteArgs{NoteID: "b", OverID: "a"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	resp = pushOverHTTP(t, handler, ada.Token, move)
	if resp.Mutations[0].Result.Failed() {
		t.Fatalf("move failed: %+v", resp.Mutations[0].Result)
	}

	rr := doRequest(t, handler, http.MethodGet, "/api/sync/notes", ada.Token, nil)
	var snap livesync.Snapshot
	decodeResponse(t, rr, &snap)
	if len(snap.Notes) != 3 || snap.OrganizationID != ada.Session.OrganizationID {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/sync/tree", ada.Token, nil)
	var tree struct {
		Roots []struct {
			ID       string `json:"noteId"`
			Children []struct {
				ID string `json:"noteId"`
			} `json:"children"`
		} `json:"roots"`
	}
	decodeResponse(t, rr, &tree)
	if len(tree.Roots) != 2 || tree.Roots[0].ID != "b" || tree.Roots[1].ID != "a" {
		t.Fatalf("unexpected roots: %+v", tree.Roots)
	}
	if len(tree.Roots[1].Children) != 1 || tree.Roots[1].Children[0].ID != "a1" {
		t.Fatalf("unexpected children: %+v", tree.Roots[1].Children)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/sync/notes", bob.Token, nil)
	decodeResponse(t, rr, &snap)
	if len(snap.Notes) != 0 {
		t.Fatalf("foreign tenant sees %d notes", len(snap.Notes))
	}

	del, err := mutator.Encode(6, "note.delete", mutator.DeleteNoteArgs{NoteID: "a"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	resp = pushOverHTTP(t, handler, bob.Token, del)
	if resp.Mutations[0].Result.Code != "NOT_FOUND" {
		t.Fatalf("cross-tenant delete result = %+v", resp.Mutations[0].Result)
	}
}

func TestSearchHistoryAndExportRoutes(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*").Handler()
	ada := signUpOverHTTP(t, handler, "ada@example.com", "Analytical")
	bob := signUpOverHTTP(t, handler, "bob@example.com", "Babbage Ltd")
	pushOverHTTP(t, handler, ada.Token,
		insertMutation(t, 1, "engine", nil, "Engine"),
		insertMutation(t, 2, "gears", store.StringPtr("engine"), "Gears"),
	)

	rr := doRequest(t, handler, http.MethodGet, "/api/notes/search?q=gears", ada.Token, nil)
	var found struct {
		Total   int `json:"total"`
		Results []struct {
			NoteID string `json:"noteId"`
		} `json:"results"`
	}
	decodeResponse(t, rr, &found)
	if found.Total != 1 || found.Results[0].NoteID != "gears" {
		t.Fatalf("unexpected search: %s", rr.Body.String())
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/notes/engine/history", ada.Token, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"revisions":[]`) {
		t.Fatalf("history without a recorder = %d %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/notes/engine/history", bob.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign history status = %d, want 404", rr.Code)
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/notes/engine/export?format=html", ada.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if body := rr.Body.String(); !strings.Contains(body, "Engine") || !strings.Contains(body, "Gears") {
		t.Fatalf("export missing notes: %s", body)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "Engine.html") {
		t.Fatalf("content disposition = %q", rr.Header().Get("Content-Disposition"))
	}

	rr = doRequest(t, handler, http.MethodGet, "/api/notes/engine/export?format=docx", ada.Token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad format status = %d, want 422", rr.Code)
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/notes/engine/export?upload=true", ada.Token, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("upload without storage status = %d, want 503", rr.Code)
	}
	rr = doRequest(t, handler, http.MethodGet, "/api/notes/engine/export", bob.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign export status = %d, want 404", rr.Code)
	}
}

func TestWebsocketFeedThroughRouter(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "").Handler()
	srv := httptest.NewServer(handler)
	defer srv.Close()
	ada := signUpOverHTTP(t, handler, "ada@example.com", "Analytical")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sync/ws?token=" + ada.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap livesync.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if len(snap.Notes) != 0 {
		t.Fatalf("initial notes = %d, want 0", len(snap.Notes))
	}

	pushOverHTTP(t, handler, ada.Token, insertMutation(t, 1, "fresh", nil, "Fresh"))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if len(snap.Notes) != 1 || snap.Notes[0].ID != "fresh" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
