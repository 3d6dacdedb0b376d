package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/persist"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/presence"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// fanoutParallelism bounds the number of participants resolved concurrently
// during one fan-out.
const fanoutParallelism = 8

// participantCacheSize bounds the participant LRU; entries also expire on
// their own after the configured TTL.
const participantCacheSize = 4096

// PersistenceClient is the slice of the persistence service the gateway
// needs. Satisfied by *persist.Client.
type PersistenceClient interface {
	SaveMessage(ctx context.Context, sender persist.Identity, msg protocol.ChatMessageData) (*protocol.Message, error)
	RecallMessage(ctx context.Context, sender persist.Identity, msgID string) (*protocol.Message, error)
	Participants(ctx context.Context, conversationID int64) ([]string, error)
	MarkRead(ctx context.Context, reader persist.Identity, conversationID, lastReadMsgID int64) (*persist.ReadCursor, error)
	UpsertDevice(ctx context.Context, dev persist.Device) error
	DeleteDevice(ctx context.Context, target persist.Identity) error
	Devices(ctx context.Context, userID string) ([]persist.Device, error)
	EnqueueOffline(ctx context.Context, entries []persist.OfflineEntry) error
	PendingOffline(ctx context.Context, target persist.Identity, limit int) ([]protocol.OfflineMessage, error)
	AckOffline(ctx context.Context, target persist.Identity, entryIDs []int64, markAll bool) (int64, error)
	SyncSince(ctx context.Context, userID string, cursor int64, limit int) (*protocol.SyncResponseData, error)
}

// Router fans chat traffic out to conversation participants: local sessions
// directly, remote sessions via pub/sub, absent devices via the offline
// queue. Persistence always commits before fan-out begins.
type Router struct {
	registry *Registry
	presence *presence.Store
	pubsub   *PubSub
	persist  PersistenceClient
	parts    *expirable.LRU[int64, []string]
	nodeID   string
	log      zerolog.Logger
}

// NewRouter creates a message router for this node.
func NewRouter(registry *Registry, presenceStore *presence.Store, pubsub *PubSub, persistClient PersistenceClient, cacheTTL time.Duration, nodeID string, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		presence: presenceStore,
		pubsub:   pubsub,
		persist:  persistClient,
		parts:    expirable.NewLRU[int64, []string](participantCacheSize, nil, cacheTTL),
		nodeID:   nodeID,
		log:      logger.With().Str("component", "router").Logger(),
	}
}

// HandleChat persists an inbound chat message, acknowledges the authoring
// device, and fans the message out to every other participant device.
func (r *Router) HandleChat(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var msg protocol.ChatMessageData
	if err := pkt.DecodeData(&msg); err != nil {
		r.nack(s, pkt.Seq, msg.MsgID, "Invalid message payload")
		return
	}
	if msg.MsgID == "" || msg.ConversationID <= 0 {
		r.nack(s, pkt.Seq, msg.MsgID, "Invalid message")
		return
	}
	if !protocol.ValidMsgType(msg.MsgType) {
		r.nack(s, pkt.Seq, msg.MsgID, "Unsupported message type")
		return
	}

	stored, err := r.persist.SaveMessage(ctx, persist.Identity{UserID: s.userID, DeviceID: s.deviceID}, msg)
	if err != nil {
		r.log.Warn().Err(err).Str("msg_id", msg.MsgID).Msg("message persist failed")
		r.nack(s, pkt.Seq, msg.MsgID, persistErrorText(err))
		return
	}

	if err := s.sendPacket(protocol.OpChatMessageAck, pkt.Seq, protocol.ChatMessageAckData{
		MsgID:           stored.MsgID,
		ServerTimestamp: stored.ServerCreatedAt,
		Success:         true,
	}); err != nil {
		r.log.Debug().Err(err).Msg("failed to ack chat message")
	}

	r.fanOutMessage(ctx, s, stored)
}

// fanOutMessage delivers a persisted message to every participant device
// except the authoring one. Each absent device becomes an offline entry.
func (r *Router) fanOutMessage(ctx context.Context, author *Session, msg *protocol.Message) {
	participants, err := r.participants(ctx, msg.ConversationID)
	if err != nil {
		r.log.Error().Err(err).Int64("conversation_id", msg.ConversationID).
			Msg("participant lookup failed, recipients will catch up via sync")
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to marshal message for fan-out")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutParallelism)
	for _, userID := range participants {
		g.Go(func() error {
			r.deliverMessage(gctx, userID, author, msg, payload)
			return nil
		})
	}
	_ = g.Wait()
}

// deliverMessage routes one participant's copy: local sessions, then remote
// nodes, then the offline queue for devices with no live session.
func (r *Router) deliverMessage(ctx context.Context, userID string, author *Session, msg *protocol.Message, payload json.RawMessage) {
	online := make(map[string]bool)

	for _, sess := range r.registry.SessionsFor(userID) {
		online[sess.deviceID] = true
		if author != nil && sess.id == author.id {
			continue // the authoring device gets the ack instead
		}
		if err := sess.sendPacket(protocol.OpReceiveMessage, "", msg); err != nil {
			// Slow consumers fall through to the offline queue.
			online[sess.deviceID] = false
		}
	}

	remote, err := r.presence.Sessions(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("presence lookup failed during fan-out")
	}
	hasRemote := false
	for deviceID, node := range remote {
		if node == r.nodeID {
			continue
		}
		online[deviceID] = true
		hasRemote = true
	}
	if hasRemote {
		if err := r.pubsub.Publish(ctx, Event{
			TargetUserID: userID,
			PacketType:   protocol.OpReceiveMessage,
			Payload:      payload,
			OriginNode:   r.nodeID,
		}); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("cross-node publish failed")
		}
	}

	devices, err := r.persist.Devices(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("device lookup failed, queueing for all devices")
		r.enqueueOffline(ctx, []persist.OfflineEntry{{UserID: userID, MessageID: msg.ID}})
		return
	}

	var entries []persist.OfflineEntry
	for _, d := range devices {
		if online[d.DeviceID] {
			continue
		}
		if author != nil && userID == author.userID && d.DeviceID == author.deviceID {
			continue
		}
		entries = append(entries, persist.OfflineEntry{UserID: userID, DeviceID: d.DeviceID, MessageID: msg.ID})
	}
	r.enqueueOffline(ctx, entries)
}

// enqueueOffline is fire-and-forget: the unique (messageId, device) pair on
// the store side absorbs duplicates and failures surface through sync.
func (r *Router) enqueueOffline(ctx context.Context, entries []persist.OfflineEntry) {
	if len(entries) == 0 {
		return
	}
	if err := r.persist.EnqueueOffline(ctx, entries); err != nil {
		r.log.Warn().Err(err).Int("entries", len(entries)).Msg("offline enqueue failed")
	}
}

// HandleTyping fans a typing indicator out to the other participants. Typing
// is ephemeral: never persisted, never queued, never echoed to the typist.
func (r *Router) HandleTyping(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var typing protocol.TypingData
	if err := pkt.DecodeData(&typing); err != nil || typing.ConversationID <= 0 {
		return
	}
	participants, err := r.participants(ctx, typing.ConversationID)
	if err != nil {
		r.log.Debug().Err(err).Msg("participant lookup failed for typing")
		return
	}
	notify := protocol.TypingNotifyData{ConversationID: typing.ConversationID, UserID: s.userID}
	for _, userID := range participants {
		if userID == s.userID {
			continue
		}
		r.deliverToUser(ctx, userID, nil, protocol.OpTypingNotify, notify)
	}
}

// HandleReadAck advances the reader's cursor and, when the cursor actually
// moved, tells the private-chat peer and the reader's other devices.
func (r *Router) HandleReadAck(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var ack protocol.ReadAckData
	if err := pkt.DecodeData(&ack); err != nil || ack.ConversationID <= 0 {
		return
	}

	cursor, err := r.persist.MarkRead(ctx, persist.Identity{UserID: s.userID, DeviceID: s.deviceID}, ack.ConversationID, ack.LastReadMsgID)
	if err != nil {
		r.log.Warn().Err(err).Int64("conversation_id", ack.ConversationID).Msg("read cursor update failed")
		return
	}
	if !cursor.Updated {
		return // stale acknowledgement, nothing to propagate
	}

	// The reader's other devices zero their unread badge.
	r.deliverToUser(ctx, s.userID, s, protocol.OpSyncResponse, protocol.SyncResponseData{
		ReadStatusUpdates: []protocol.ReadStatusUpdate{{
			ConversationID: ack.ConversationID,
			UserID:         s.userID,
			LastReadMsgID:  cursor.LastReadMsgID,
		}},
	})

	participants, err := r.participants(ctx, ack.ConversationID)
	if err != nil || len(participants) != 2 {
		return // read receipts are a private-chat feature
	}
	receipt := protocol.ReadReceiptNotifyData{
		ConversationID: ack.ConversationID,
		ReaderID:       s.userID,
		LastReadMsgID:  cursor.LastReadMsgID,
	}
	for _, userID := range participants {
		if userID == s.userID {
			continue
		}
		r.deliverToUser(ctx, userID, nil, protocol.OpReadReceiptNotify, receipt)
	}
}

// HandleRecall retracts a message within the recall window and notifies
// every other participant device. Offline devices learn of the recall
// through sync deltas rather than the offline queue.
func (r *Router) HandleRecall(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var recall protocol.RecallMessageData
	if err := pkt.DecodeData(&recall); err != nil || recall.MsgID == "" {
		r.recallNack(s, pkt.Seq, recall.MsgID, "Invalid recall payload")
		return
	}

	updated, err := r.persist.RecallMessage(ctx, persist.Identity{UserID: s.userID, DeviceID: s.deviceID}, recall.MsgID)
	if err != nil {
		r.recallNack(s, pkt.Seq, recall.MsgID, recallErrorText(err))
		return
	}

	if err := s.sendPacket(protocol.OpRecallAck, pkt.Seq, protocol.RecallAckData{MsgID: recall.MsgID, Success: true}); err != nil {
		r.log.Debug().Err(err).Msg("failed to ack recall")
	}

	var recalledAt int64
	if updated.RecalledAt != nil {
		recalledAt = *updated.RecalledAt
	}
	notify := protocol.RecallNotifyData{MsgID: recall.MsgID, RecalledAt: recalledAt, RecalledBy: s.userID}

	participants, err := r.participants(ctx, updated.ConversationID)
	if err != nil {
		r.log.Error().Err(err).Int64("conversation_id", updated.ConversationID).Msg("participant lookup failed for recall")
		return
	}
	for _, userID := range participants {
		exclude := s
		if userID != s.userID {
			exclude = nil
		}
		r.deliverToUser(ctx, userID, exclude, protocol.OpRecallNotify, notify)
	}
}

// deliverToUser sends one packet to every session of the user, local and
// remote, excluding the given local session. No offline fallback.
func (r *Router) deliverToUser(ctx context.Context, userID string, exclude *Session, op protocol.Opcode, data any) {
	for _, sess := range r.registry.SessionsFor(userID) {
		if exclude != nil && sess.id == exclude.id {
			continue
		}
		if err := sess.sendPacket(op, "", data); err != nil {
			r.log.Debug().Err(err).Str("user_id", userID).Msg("local delivery failed")
		}
	}

	remote, err := r.presence.Sessions(ctx, userID)
	if err != nil {
		r.log.Debug().Err(err).Str("user_id", userID).Msg("presence lookup failed during delivery")
		return
	}
	for _, node := range remote {
		if node == r.nodeID {
			continue
		}
		payload, mErr := json.Marshal(data)
		if mErr != nil {
			r.log.Warn().Err(mErr).Msg("failed to marshal fan-out payload")
			return
		}
		if pErr := r.pubsub.Publish(ctx, Event{
			TargetUserID: userID,
			PacketType:   op,
			Payload:      payload,
			OriginNode:   r.nodeID,
		}); pErr != nil {
			r.log.Warn().Err(pErr).Str("user_id", userID).Msg("cross-node publish failed")
		}
		return // one publish covers every remote node
	}
}

// participants resolves the conversation's member set through a short-lived
// cache so bursty conversations do not hammer the persistence service.
func (r *Router) participants(ctx context.Context, conversationID int64) ([]string, error) {
	if cached, ok := r.parts.Get(conversationID); ok {
		return cached, nil
	}
	participants, err := r.persist.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.parts.Add(conversationID, participants)
	return participants, nil
}

func (r *Router) nack(s *Session, seq, msgID, reason string) {
	if err := s.sendPacket(protocol.OpChatMessageAck, seq, protocol.ChatMessageAckData{
		MsgID:   msgID,
		Success: false,
		Error:   reason,
	}); err != nil {
		r.log.Debug().Err(err).Msg("failed to send chat nack")
	}
}

func (r *Router) recallNack(s *Session, seq, msgID, reason string) {
	if err := s.sendPacket(protocol.OpRecallAck, seq, protocol.RecallAckData{
		MsgID:   msgID,
		Success: false,
		Error:   reason,
	}); err != nil {
		r.log.Debug().Err(err).Msg("failed to send recall nack")
	}
}

// persistErrorText maps persistence failures to client-facing ack errors.
func persistErrorText(err error) string {
	switch {
	case errors.Is(err, persist.ErrForbidden):
		return "Not a participant"
	case errors.Is(err, persist.ErrNotFound):
		return "Conversation not found"
	case errors.Is(err, persist.ErrInvalid):
		return "Invalid message"
	default:
		return "Service temporarily unavailable"
	}
}

// recallErrorText maps recall failures to client-facing ack errors.
func recallErrorText(err error) string {
	switch {
	case errors.Is(err, persist.ErrForbidden):
		return "Cannot recall another user's message"
	case errors.Is(err, persist.ErrConflict):
		return "Recall window expired"
	case errors.Is(err, persist.ErrNotFound):
		return "Message not found"
	default:
		return "Service temporarily unavailable"
	}
}
