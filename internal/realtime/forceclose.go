// Package realtime fans session control signals out across server instances over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ForceCloseChannel carries forced-close requests for live interview sessions.
	ForceCloseChannel = "interview:force-close"
	publishTimeout    = 5 * time.Second
)

// forceClosePayload is the message published to Redis for a cross-instance close.
type forceClosePayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Origin    string `json:"origin"`
	At        int64  `json:"at"`
}

// Bridge publishes and receives forced-close signals.
type Bridge struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewBridge creates a pub/sub bridge. Each bridge has its own origin id so an instance
// can skip the signals it published itself.
func NewBridge(client *redis.Client, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{client: client, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this bridge in published messages.
func (b *Bridge) Origin() string { return b.origin }

// PublishForceClose asks every instance to close sessionID.
func (b *Bridge) PublishForceClose(ctx context.Context, sessionID, reason string) error {
	body, err := encodeForceClose(forceClosePayload{
		SessionID: sessionID,
		Reason:    reason,
		Origin:    b.origin,
		At:        time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, ForceCloseChannel, body).Err(); err != nil {
		return fmt.Errorf("publish force close: %w", err)
	}
	return nil
}

// SubscribeForceClose calls handler for every forced-close signal published by other
// instances. Returns a cancel function to stop the subscription.
func (b *Bridge) SubscribeForceClose(handler func(sessionID, reason string)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, ForceCloseChannel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p, err := decodeForceClose(msg.Payload)
				if err != nil {
					b.logger.Warn("Dropping malformed force-close message", zap.Error(err))
					continue
				}
				if p.Origin == b.origin {
					continue
				}
				handler(p.SessionID, p.Reason)
			}
		}
	}()
	return cancelCtx, nil
}

func encodeForceClose(p forceClosePayload) ([]byte, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("force close: empty session id")
	}
	return json.Marshal(p)
}

func decodeForceClose(s string) (forceClosePayload, error) {
	var p forceClosePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, fmt.Errorf("force close: empty session id")
	}
	return p, nil
}
