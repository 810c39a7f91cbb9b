package livesync

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "notetree:changes:"

// RedisFanout relays change notifications through Redis pub/sub so every
// instance refreshes its own subscribers.
type RedisFanout struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger
}

// NewRedisFanout connects hub to client and installs itself as the hub's
// publisher. Run must be started to receive notifications.
func NewRedisFanout(client *redis.Client, hub *Hub, logger zerolog.Logger) *RedisFanout {
	f := &RedisFanout{client: client, hub: hub, logger: logger}
	hub.SetPublisher(f)
	return f
}

func channel(organizationID string) string {
	return channelPrefix + organizationID
}

func (f *RedisFanout) Publish(ctx context.Context, organizationID string) error {
	if err := f.client.Publish(ctx, channel(organizationID), organizationID).Err(); err != nil {
		return fmt.Errorf("publish change for %s: %w", organizationID, err)
	}
	return nil
}

// Run listens for change notifications until ctx is done. ready, if not nil,
// is closed once the subscription is active.
func (f *RedisFanout) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			organizationID := strings.TrimPrefix(msg.Channel, channelPrefix)
			if organizationID == "" {
				organizationID = msg.Payload
			}
			f.logger.Debug().Str("organization_id", organizationID).Msg("livesync: change received")
			f.hub.Refresh(ctx, organizationID)
		}
	}
}
