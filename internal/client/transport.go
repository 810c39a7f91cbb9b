package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"notetree/api/internal/authz"
	"notetree/api/internal/fault"
	"notetree/api/internal/livesync"
	"notetree/api/internal/mutator"
)

// Transport carries push batches to the server and snapshots back.
type Transport interface {
	Push(ctx context.Context, req mutator.PushRequest) (mutator.PushResponse, error)
	Subscribe(ctx context.Context, listener livesync.Listener) (func(), error)
}

// LocalTransport talks to an in-process processor and hub as one principal.
type LocalTransport struct {
	Processor *mutator.Processor
	Hub       *livesync.Hub
	Principal *authz.Principal
}

func (t LocalTransport) Push(ctx context.Context, req mutator.PushRequest) (mutator.PushResponse, error) {
	return t.Processor.Process(ctx, t.Principal, req), nil
}

func (t LocalTransport) Subscribe(ctx context.Context, listener livesync.Listener) (func(), error) {
	if err := authz.RequireLoggedIn(t.Principal); err != nil {
		return nil, err
	}
	return t.Hub.Subscribe(ctx, t.Principal.TenantID, listener)
}

// HTTPTransport talks to a remote API with a bearer token.
type HTTPTransport struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (t *HTTPTransport) httpClient() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Push(ctx context.Context, req mutator.PushRequest) (mutator.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return mutator.PushResponse{}, fmt.Errorf("encode push: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.BaseURL, "/")+"/api/sync/push", bytes.NewReader(body))
	if err != nil {
		return mutator.PushResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.Token)

	resp, err := t.httpClient().Do(httpReq)
	if err != nil {
		return mutator.PushResponse{}, fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Code == "" {
			return mutator.PushResponse{}, fmt.Errorf("push: unexpected status %d", resp.StatusCode)
		}
		return mutator.PushResponse{}, fmt.Errorf("push: %w", fault.FromCode(payload.Code, payload.Error))
	}

	var out mutator.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return mutator.PushResponse{}, fmt.Errorf("decode push response: %w", err)
	}
	return out, nil
}

func (t *HTTPTransport) Subscribe(ctx context.Context, listener livesync.Listener) (func(), error) {
	endpoint, err := url.Parse(strings.TrimRight(t.BaseURL, "/") + "/api/sync/ws")
	if err != nil {
		return nil, err
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.Token)

	conn, _, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	var once sync.Once
	stop := func() { once.Do(func() { conn.Close() }) }
	go func() {
		defer stop()
		for {
			var snap livesync.Snapshot
			if err := conn.ReadJSON(&snap); err != nil {
				return
			}
			listener(snap)
		}
	}()
	return stop, nil
}
