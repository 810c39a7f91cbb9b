package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID("")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewID() = %q is not a uuid: %v", id, err)
	}
	prefixed := NewID("req")
	if !strings.HasPrefix(prefixed, "req_") {
		t.Fatalf("NewID(req) = %q, want req_ prefix", prefixed)
	}
	if NewID("") == id {
		t.Fatalf("NewID() returned the same id twice")
	}
}

func TestNewSecret(t *testing.T) {
	secret := NewSecret()
	if len(secret) != 64 {
		t.Fatalf("len(NewSecret()) = %d, want 64", len(secret))
	}
}
