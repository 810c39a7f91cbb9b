package livesync

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"notetree/api/internal/authz"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Feed streams snapshots of the caller's organization over a websocket. The
// principal must already be on the request context.
type Feed struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewFeed builds a feed. allowedOrigin "" or "*" accepts any origin.
func NewFeed(hub *Hub, allowedOrigin string) *Feed {
	return &Feed{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := authz.FromContext(r.Context())
	if !authz.IsLoggedIn(principal) {
		http.Error(w, `{"error":"UNAUTHORIZED"}`, http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.hub.logger.Warn().Err(err).Msg("livesync: websocket upgrade failed")
		return
	}
	defer conn.Close()

	snapshots := make(chan Snapshot, 1)
	unsubscribe, err := f.hub.Subscribe(r.Context(), principal.TenantID, func(snap Snapshot) {
		select {
		case <-snapshots:
		default:
		}
		snapshots <- snap
	})
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "INTERNAL_ERROR"})
		return
	}
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case snap := <-snapshots:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				f.hub.logger.Warn().Err(err).Str("organization_id", principal.TenantID).Msg("livesync: websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
