package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/persist"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/presence"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// fakePersistence implements PersistenceClient for router tests.
type fakePersistence struct {
	mu sync.Mutex

	saved   []protocol.ChatMessageData
	saveErr error
	stored  *protocol.Message

	recallErr error
	recalled  *protocol.Message

	participants     map[int64][]string
	participantCalls int

	devices map[string][]persist.Device
	offline []persist.OfflineEntry

	readCursor *persist.ReadCursor
	readErr    error
}

func (f *fakePersistence) SaveMessage(_ context.Context, _ persist.Identity, msg protocol.ChatMessageData) (*protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = append(f.saved, msg)
	return f.stored, nil
}

func (f *fakePersistence) RecallMessage(context.Context, persist.Identity, string) (*protocol.Message, error) {
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return f.recalled, nil
}

func (f *fakePersistence) Participants(_ context.Context, conversationID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participantCalls++
	return f.participants[conversationID], nil
}

func (f *fakePersistence) MarkRead(context.Context, persist.Identity, int64, int64) (*persist.ReadCursor, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readCursor, nil
}

func (f *fakePersistence) UpsertDevice(context.Context, persist.Device) error   { return nil }
func (f *fakePersistence) DeleteDevice(context.Context, persist.Identity) error { return nil }

func (f *fakePersistence) Devices(_ context.Context, userID string) ([]persist.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[userID], nil
}

func (f *fakePersistence) EnqueueOffline(_ context.Context, entries []persist.OfflineEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, entries...)
	return nil
}

func (f *fakePersistence) PendingOffline(context.Context, persist.Identity, int) ([]protocol.OfflineMessage, error) {
	return nil, nil
}

func (f *fakePersistence) AckOffline(context.Context, persist.Identity, []int64, bool) (int64, error) {
	return 0, nil
}

func (f *fakePersistence) SyncSince(context.Context, string, int64, int) (*protocol.SyncResponseData, error) {
	return &protocol.SyncResponseData{}, nil
}

func (f *fakePersistence) offlineEntries() []persist.OfflineEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persist.OfflineEntry(nil), f.offline...)
}

func newTestRouter(t *testing.T, fp *fakePersistence) (*Router, *Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := NewRegistry()
	ps := NewPubSub(context.Background(), rdb, zerolog.Nop())
	store := presence.NewStore(rdb)
	return NewRouter(registry, store, ps, fp, 30*time.Second, "node-a", zerolog.Nop()), registry
}

// packet builds an inbound packet the way the read loop would decode it.
func packet(t *testing.T, op protocol.Opcode, seq string, data any) *protocol.Packet {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal packet data: %v", err)
	}
	return &protocol.Packet{Type: op, Seq: seq, Data: raw, Timestamp: time.Now().UnixMilli()}
}

// takePacket pops one queued outbound frame, failing if none is pending.
func takePacket(t *testing.T, s *Session) *protocol.Packet {
	t.Helper()
	select {
	case frame := <-s.send:
		pkt, err := protocol.Decode(frame, protocol.DefaultMaxFrameBytes)
		if err != nil {
			t.Fatalf("decode outbound frame: %v", err)
		}
		return pkt
	default:
		t.Fatal("no outbound frame queued")
		return nil
	}
}

func assertIdle(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.send:
		pkt, _ := protocol.Decode(frame, protocol.DefaultMaxFrameBytes)
		t.Fatalf("unexpected outbound packet type %d", pkt.Type)
	default:
	}
}

func TestHandleChatAcksAuthorAndFansOut(t *testing.T) {
	t.Parallel()

	stored := &protocol.Message{
		ID:              9001,
		MsgID:           "m-1",
		ConversationID:  7,
		SenderID:        "u1",
		MsgType:         protocol.MsgText,
		Content:         "hello",
		ServerCreatedAt: 1700000000000,
	}
	fp := &fakePersistence{
		stored:       stored,
		participants: map[int64][]string{7: {"u1", "u2"}},
		devices: map[string][]persist.Device{
			"u1": {{UserID: "u1", DeviceID: "d1"}, {UserID: "u1", DeviceID: "d2"}},
			"u2": {{UserID: "u2", DeviceID: "d3"}, {UserID: "u2", DeviceID: "d4"}},
		},
	}
	r, registry := newTestRouter(t, fp)

	author := bareSession("u1", "d1")
	authorOther := bareSession("u1", "d2")
	peer := bareSession("u2", "d3")
	registry.Bind(author)
	registry.Bind(authorOther)
	registry.Bind(peer)

	r.HandleChat(context.Background(), author, packet(t, protocol.OpChatMessage, "req-1", protocol.ChatMessageData{
		MsgID:          "m-1",
		ConversationID: 7,
		MsgType:        protocol.MsgText,
		Content:        "hello",
	}))

	// The authoring device gets exactly the ack, echoing the request seq.
	ack := takePacket(t, author)
	if ack.Type != protocol.OpChatMessageAck || ack.Seq != "req-1" {
		t.Fatalf("author packet = type %d seq %q, want CHAT_MESSAGE_ACK echoing req-1", ack.Type, ack.Seq)
	}
	var ackData protocol.ChatMessageAckData
	if err := ack.DecodeData(&ackData); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ackData.Success || ackData.MsgID != "m-1" || ackData.ServerTimestamp != stored.ServerCreatedAt {
		t.Errorf("ack = %+v, want success with server timestamp", ackData)
	}
	assertIdle(t, author)

	// Every other participant device gets the full message.
	for _, s := range []*Session{authorOther, peer} {
		got := takePacket(t, s)
		if got.Type != protocol.OpReceiveMessage {
			t.Fatalf("packet type = %d, want RECEIVE_MESSAGE", got.Type)
		}
		var msg protocol.Message
		if err := got.DecodeData(&msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg.ID != stored.ID || msg.MsgID != "m-1" {
			t.Errorf("delivered message = %+v, want the stored record", msg)
		}
	}

	// The absent device is queued for offline delivery.
	entries := fp.offlineEntries()
	if len(entries) != 1 {
		t.Fatalf("offline entries = %v, want exactly one", entries)
	}
	if e := entries[0]; e.UserID != "u2" || e.DeviceID != "d4" || e.MessageID != stored.ID {
		t.Errorf("offline entry = %+v, want u2/d4 for message %d", e, stored.ID)
	}
}

func TestHandleChatPersistFailureSendsNackWithoutFanOut(t *testing.T) {
	t.Parallel()

	fp := &fakePersistence{
		saveErr:      persist.ErrUnavailable,
		participants: map[int64][]string{7: {"u1", "u2"}},
	}
	r, registry := newTestRouter(t, fp)
	author := bareSession("u1", "d1")
	peer := bareSession("u2", "d2")
	registry.Bind(author)
	registry.Bind(peer)

	r.HandleChat(context.Background(), author, packet(t, protocol.OpChatMessage, "req-2", protocol.ChatMessageData{
		MsgID:          "m-2",
		ConversationID: 7,
		MsgType:        protocol.MsgText,
		Content:        "hi",
	}))

	ack := takePacket(t, author)
	var ackData protocol.ChatMessageAckData
	if err := ack.DecodeData(&ackData); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackData.Success || ackData.Error != "Service temporarily unavailable" {
		t.Errorf("ack = %+v, want failure with service unavailable", ackData)
	}
	assertIdle(t, peer)
	if fp.participantCalls != 0 {
		t.Errorf("participantCalls = %d, want 0 when persistence fails", fp.participantCalls)
	}
}

func TestHandleChatRejectsUnknownMessageType(t *testing.T) {
	t.Parallel()

	fp := &fakePersistence{}
	r, registry := newTestRouter(t, fp)
	author := bareSession("u1", "d1")
	registry.Bind(author)

	r.HandleChat(context.Background(), author, packet(t, protocol.OpChatMessage, "req-3", protocol.ChatMessageData{
		MsgID:          "m-3",
		ConversationID: 7,
		MsgType:        "carrier-pigeon",
		Content:        "coo",
	}))

	ack := takePacket(t, author)
	var ackData protocol.ChatMessageAckData
	_ = ack.DecodeData(&ackData)
	if ackData.Success || ackData.Error != "Unsupported message type" {
		t.Errorf("ack = %+v, want unsupported message type failure", ackData)
	}
	if len(fp.saved) != 0 {
		t.Errorf("saved = %v, want no persistence call", fp.saved)
	}
}

func TestHandleTypingSkipsTheTypist(t *testing.T) {
	t.Parallel()

	fp := &fakePersistence{participants: map[int64][]string{7: {"u1", "u2"}}}
	r, registry := newTestRouter(t, fp)
	typist := bareSession("u1", "d1")
	typistOther := bareSession("u1", "d2")
	peer := bareSession("u2", "d3")
	registry.Bind(typist)
	registry.Bind(typistOther)
	registry.Bind(peer)

	r.HandleTyping(context.Background(), typist, packet(t, protocol.OpTyping, "req-4", protocol.TypingData{ConversationID: 7}))

	got := takePacket(t, peer)
	if got.Type != protocol.OpTypingNotify {
		t.Fatalf("peer packet type = %d, want TYPING_NOTIFY", got.Type)
	}
	var notify protocol.TypingNotifyData
	_ = got.DecodeData(&notify)
	if notify.UserID != "u1" || notify.ConversationID != 7 {
		t.Errorf("notify = %+v, want u1 typing in 7", notify)
	}
	assertIdle(t, typist)
	assertIdle(t, typistOther)
}

func TestHandleReadAckNotifiesPeerAndOtherDevices(t *testing.T) {
	t.Parallel()

	fp := &fakePersistence{
		participants: map[int64][]string{7: {"u1", "u2"}},
		readCursor:   &persist.ReadCursor{ConversationID: 7, LastReadMsgID: 42, Updated: true},
	}
	r, registry := newTestRouter(t, fp)
	reader := bareSession("u1", "d1")
	readerOther := bareSession("u1", "d2")
	peer := bareSession("u2", "d3")
	registry.Bind(reader)
	registry.Bind(readerOther)
	registry.Bind(peer)

	r.HandleReadAck(context.Background(), reader, packet(t, protocol.OpReadAck, "req-5", protocol.ReadAckData{
		ConversationID: 7,
		LastReadMsgID:  42,
	}))

	// The reader's other device zeroes its badge via a read-status sync.
	sync := takePacket(t, readerOther)
	if sync.Type != protocol.OpSyncResponse {
		t.Fatalf("other-device packet type = %d, want SYNC_RESPONSE", sync.Type)
	}
	var syncData protocol.SyncResponseData
	_ = sync.DecodeData(&syncData)
	if len(syncData.ReadStatusUpdates) != 1 || syncData.ReadStatusUpdates[0].LastReadMsgID != 42 {
		t.Errorf("sync data = %+v, want one read-status update at 42", syncData)
	}

	// The private-chat peer gets a read receipt.
	receipt := takePacket(t, peer)
	if receipt.Type != protocol.OpReadReceiptNotify {
		t.Fatalf("peer packet type = %d, want READ_RECEIPT_NOTIFY", receipt.Type)
	}
	var receiptData protocol.ReadReceiptNotifyData
	_ = receipt.DecodeData(&receiptData)
	if receiptData.ReaderID != "u1" || receiptData.LastReadMsgID != 42 {
		t.Errorf("receipt = %+v, want u1 read up to 42", receiptData)
	}

	// The issuing device gets no response at all.
	assertIdle(t, reader)
}

func TestHandleReadAckStaleCursorIsSilent(t *testing.T) {
	t.Parallel()

	fp := &fakePersistence{
		participants: map[int64][]string{7: {"u1", "u2"}},
		readCursor:   &persist.ReadCursor{ConversationID: 7, LastReadMsgID: 100, Updated: false},
	}
	r, registry := newTestRouter(t, fp)
	reader := bareSession("u1", "d1")
	peer := bareSession("u2", "d2")
	registry.Bind(reader)
	registry.Bind(peer)

	r.HandleReadAck(context.Background(), reader, packet(t, protocol.OpReadAck, "req-6", protocol.ReadAckData{
		ConversationID: 7,
		LastReadMsgID:  5,
	}))

	assertIdle(t, reader)
	assertIdle(t, peer)
}

func TestHandleRecallNotifiesParticipants(t *testing.T) {
	t.Parallel()

	recalledAt := int64(1700000050000)
	fp := &fakePersistence{
		recalled: &protocol.Message{
			ID:             9001,
			MsgID:          "m-1",
			ConversationID: 7,
			SenderID:       "u1",
			RecalledAt:     &recalledAt,
		},
		participants: map[int64][]string{7: {"u1", "u2"}},
	}
	r, registry := newTestRouter(t, fp)
	author := bareSession("u1", "d1")
	authorOther := bareSession("u1", "d2")
	peer := bareSession("u2", "d3")
	registry.Bind(author)
	registry.Bind(authorOther)
	registry.Bind(peer)

	r.HandleRecall(context.Background(), author, packet(t, protocol.OpRecallMessage, "req-7", protocol.RecallMessageData{MsgID: "m-1"}))

	ack := takePacket(t, author)
	if ack.Type != protocol.OpRecallAck || ack.Seq != "req-7" {
		t.Fatalf("author packet = type %d seq %q, want RECALL_ACK echoing req-7", ack.Type, ack.Seq)
	}
	assertIdle(t, author)

	for _, s := range []*Session{authorOther, peer} {
		got := takePacket(t, s)
		if got.Type != protocol.OpRecallNotify {
			t.Fatalf("packet type = %d, want RECALL_NOTIFY", got.Type)
		}
		var notify protocol.RecallNotifyData
		_ = got.DecodeData(&notify)
		if notify.MsgID != "m-1" || notify.RecalledAt != recalledAt || notify.RecalledBy != "u1" {
			t.Errorf("notify = %+v, want m-1 recalled by u1", notify)
		}
	}
}

func TestHandleRecallErrorTexts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "not the author", err: persist.ErrForbidden, want: "Cannot recall another user's message"},
		{name: "window expired", err: persist.ErrConflict, want: "Recall window expired"},
		{name: "unknown message", err: persist.ErrNotFound, want: "Message not found"},
		{name: "service down", err: persist.ErrUnavailable, want: "Service temporarily unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fp := &fakePersistence{recallErr: tt.err}
			r, registry := newTestRouter(t, fp)
			author := bareSession("u1", "d1")
			registry.Bind(author)

			r.HandleRecall(context.Background(), author, packet(t, protocol.OpRecallMessage, "req-8", protocol.RecallMessageData{MsgID: "m-9"}))

			ack := takePacket(t, author)
			var ackData protocol.RecallAckData
			_ = ack.DecodeData(&ackData)
			if ackData.Success || ackData.Error != tt.want {
				t.Errorf("ack = %+v, want failure %q", ackData, tt.want)
			}
		})
	}
}

func TestParticipantsAreCached(t *testing.T) {
	t.Parallel()

	fp := &fakePersistence{participants: map[int64][]string{7: {"u1", "u2"}}}
	r, _ := newTestRouter(t, fp)

	for i := 0; i < 3; i++ {
		if _, err := r.participants(context.Background(), 7); err != nil {
			t.Fatalf("participants() error = %v", err)
		}
	}
	if fp.participantCalls != 1 {
		t.Errorf("participantCalls = %d, want 1 (cached afterwards)", fp.participantCalls)
	}
}
