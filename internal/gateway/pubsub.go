package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// presenceChannel carries online-status transitions to every node. Unlike
// the per-user channels it is subscribed permanently.
const presenceChannel = "presence.updates"

func userChannel(userID string) string { return "user." + userID }

// Event is the cross-node fan-out envelope published on `user.{userId}`
// channels. The origin node delivers to its own sessions directly and skips
// its own events on the subscription side.
type Event struct {
	TargetUserID   string          `json:"targetUserId"`
	TargetDeviceID string          `json:"targetDeviceId,omitempty"`
	PacketType     protocol.Opcode `json:"packetType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OriginNode     string          `json:"originNode"`
}

// PubSub subscribes this node to the per-user channels of users with at
// least one local session, reference counted per session. Subscription
// changes and publishes go through the coordination store.
type PubSub struct {
	rdb *redis.Client
	log zerolog.Logger

	mu   sync.Mutex
	refs map[string]int
	sub  *redis.PubSub
}

// NewPubSub creates the adapter and opens its subscription connection. Only
// the presence channel is subscribed until sessions arrive.
func NewPubSub(ctx context.Context, rdb *redis.Client, logger zerolog.Logger) *PubSub {
	return &PubSub{
		rdb:  rdb,
		log:  logger.With().Str("component", "pubsub").Logger(),
		refs: make(map[string]int),
		sub:  rdb.Subscribe(ctx, presenceChannel),
	}
}

// Retain adds one local-session reference for the user, subscribing to the
// user's channel on the zero to one transition.
func (p *PubSub) Retain(ctx context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[userID]++
	if p.refs[userID] == 1 {
		if err := p.sub.Subscribe(ctx, userChannel(userID)); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("failed to subscribe user channel")
		}
	}
}

// Release drops one local-session reference, unsubscribing at zero.
func (p *PubSub) Release(ctx context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[userID] == 0 {
		return
	}
	p.refs[userID]--
	if p.refs[userID] == 0 {
		delete(p.refs, userID)
		if err := p.sub.Unsubscribe(ctx, userChannel(userID)); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("failed to unsubscribe user channel")
		}
	}
}

// Publish sends a fan-out event to the target user's channel.
func (p *PubSub) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fan-out event: %w", err)
	}
	if err := p.rdb.Publish(ctx, userChannel(ev.TargetUserID), payload).Err(); err != nil {
		return fmt.Errorf("publish fan-out event: %w", err)
	}
	return nil
}

// PublishPresence broadcasts an online-status transition to every node.
func (p *PubSub) PublishPresence(ctx context.Context, change protocol.OnlineStatusChangeData) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal presence change: %w", err)
	}
	if err := p.rdb.Publish(ctx, presenceChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish presence change: %w", err)
	}
	return nil
}

// Run consumes the subscription until the context is cancelled. User-channel
// events go to deliver; presence transitions go to presenceFn.
func (p *PubSub) Run(ctx context.Context, deliver func(Event), presenceFn func(protocol.OnlineStatusChangeData)) error {
	defer func() { _ = p.sub.Close() }()

	ch := p.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Channel == presenceChannel {
				var change protocol.OnlineStatusChangeData
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					p.log.Warn().Err(err).Msg("invalid presence change payload")
					continue
				}
				presenceFn(change)
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.log.Warn().Err(err).Str("channel", msg.Channel).Msg("invalid fan-out event")
				continue
			}
			deliver(ev)
		}
	}
}
