// Package session provides session storage backends for refresh tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"notetree/api/internal/authz"
)

// ErrSessionNotFound is returned for unknown, revoked or expired refresh tokens.
var ErrSessionNotFound = errors.New("refresh session not found or expired")

// DefaultTTL applies when a session is saved with an expiry in the past.
const DefaultTTL = 90 * 24 * time.Hour

// Store persists refresh sessions keyed by token hash.
type Store interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, principal authz.Principal, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (authz.Principal, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// TokenData holds the data stored for each refresh token
type TokenData struct {
	UserID         string    `json:"sub"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (d TokenData) principal() authz.Principal {
	return authz.Principal{SubjectID: d.UserID, TenantID: d.OrganizationID, Email: d.Email}
}

// RedisStore implements refresh token storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "notetree:refresh:", now: time.Now}
}

// Client exposes the underlying connection so the change fan-out can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveRefreshSession stores a refresh token with expiration
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, principal authz.Principal, expiresAt time.Time) error {
	payload, err := json.Marshal(TokenData{
		UserID:         principal.SubjectID,
		OrganizationID: principal.TenantID,
		Email:          principal.Email,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the principal a refresh token was issued to.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (authz.Principal, error) {
	payload, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return authz.Principal{}, ErrSessionNotFound
	}
	if err != nil {
		return authz.Principal{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal(payload, &data); err != nil {
		return authz.Principal{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return data.principal(), nil
}

// RevokeRefreshSession deletes a refresh token
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore keeps refresh sessions in process. It is used when no Redis
// URL is configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
	now      func() time.Time
}

type memorySession struct {
	data      TokenData
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]memorySession{}, now: time.Now}
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash string, principal authz.Principal, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !expiresAt.After(now) {
		expiresAt = now.Add(DefaultTTL)
	}
	s.sessions[tokenHash] = memorySession{
		data: TokenData{
			UserID:         principal.SubjectID,
			OrganizationID: principal.TenantID,
			Email:          principal.Email,
			CreatedAt:      now.UTC(),
		},
		expiresAt: expiresAt,
	}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (authz.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return authz.Principal{}, ErrSessionNotFound
	}
	if !s.now().Before(sess.expiresAt) {
		delete(s.sessions, tokenHash)
		return authz.Principal{}, ErrSessionNotFound
	}
	return sess.data.principal(), nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}
