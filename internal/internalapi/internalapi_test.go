package internalapi

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

// --- fakes ---

type fakeMessageStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[string]*protocol.Message

	saveErr   error
	recallErr error
	lastLimit int
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[string]*protocol.Message)}
}

func (s *fakeMessageStore) Save(_ context.Context, p store.SaveParams) (*protocol.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, false, s.saveErr
	}
	if existing, ok := s.messages[p.MsgID]; ok {
		return existing, false, nil
	}
	s.nextID++
	msg := &protocol.Message{
		ID:              s.nextID,
		MsgID:           p.MsgID,
		ConversationID:  p.ConversationID,
		SenderID:        p.SenderID,
		SenderDeviceID:  p.SenderDeviceID,
		MsgType:         p.MsgType,
		Content:         p.Content,
		Metadata:        p.Metadata,
		QuoteMsgID:      p.QuoteMsgID,
		AtUserIDs:       p.AtUserIDs,
		ClientCreatedAt: p.ClientCreatedAt,
		ServerCreatedAt: time.Now().UnixMilli(),
	}
	s.messages[p.MsgID] = msg
	return msg, true, nil
}

func (s *fakeMessageStore) Recall(_ context.Context, msgID, senderID string, _ time.Duration) (*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recallErr != nil {
		return nil, s.recallErr
	}
	msg, ok := s.messages[msgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if msg.SenderID != senderID {
		return nil, store.ErrNotSender
	}
	ms := time.Now().UnixMilli()
	msg.RecalledAt = &ms
	return msg, nil
}

func (s *fakeMessageStore) ListAfter(_ context.Context, conversationID, afterID int64, limit int) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	var out []protocol.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.ID > afterID {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b protocol.Message) int { return int(a.ID - b.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeConversationStore struct {
	participants map[int64][]string
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{participants: make(map[int64][]string)}
}

func (s *fakeConversationStore) Participants(_ context.Context, id int64) ([]string, error) {
	users, ok := s.participants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return users, nil
}

func (s *fakeConversationStore) IsParticipant(_ context.Context, id int64, userID string) (bool, error) {
	return slices.Contains(s.participants[id], userID), nil
}

type fakeCursorStore struct {
	cursors map[string]int64
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{cursors: make(map[string]int64)}
}

func (s *fakeCursorStore) MarkRead(_ context.Context, conversationID int64, userID string, lastReadMsgID int64) (bool, error) {
	key := fmt.Sprintf("%s@%d", userID, conversationID)
	if s.cursors[key] >= lastReadMsgID {
		return false, nil
	}
	s.cursors[key] = lastReadMsgID
	return true, nil
}

type fakeDeviceStore struct {
	mu      sync.Mutex
	devices []store.Device
}

func (s *fakeDeviceStore) Upsert(_ context.Context, userID, deviceID, deviceType, deviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.devices {
		if d.UserID == userID && d.DeviceID == deviceID {
			s.devices[i].DeviceType = deviceType
			s.devices[i].DeviceName = deviceName
			return nil
		}
	}
	s.devices = append(s.devices, store.Device{
		UserID: userID, DeviceID: deviceID, DeviceType: deviceType, DeviceName: deviceName,
		LastActiveAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	return nil
}

func (s *fakeDeviceStore) ListByUser(_ context.Context, userID string) ([]store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Device
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeDeviceStore) Delete(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = slices.DeleteFunc(s.devices, func(d store.Device) bool {
		return d.UserID == userID && d.DeviceID == deviceID
	})
	return nil
}

type fakeOfflineStore struct {
	mu         sync.Mutex
	entries    []offlineEntry
	ttl        time.Duration
	enqueueErr error
}

type offlineEntry struct {
	id        int64
	userID    string
	deviceID  string
	messageID int64
	createdAt time.Time
	delivered bool
}

func (s *fakeOfflineStore) Enqueue(_ context.Context, entries []store.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	for _, e := range entries {
		s.entries = append(s.entries, offlineEntry{
			id:        int64(len(s.entries) + 1),
			userID:    e.UserID,
			deviceID:  e.DeviceID,
			messageID: e.MessageID,
			createdAt: time.Now(),
		})
	}
	return nil
}

func (s *fakeOfflineStore) matches(e offlineEntry, userID, deviceID string) bool {
	return e.userID == userID && !e.delivered && (e.deviceID == "" || e.deviceID == deviceID)
}

func (s *fakeOfflineStore) expired(e offlineEntry) bool {
	return s.ttl > 0 && time.Since(e.createdAt) > s.ttl
}

func (s *fakeOfflineStore) Pending(_ context.Context, userID, deviceID string, limit int) ([]protocol.OfflineMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []offlineEntry
	for _, e := range s.entries {
		if s.matches(e, userID, deviceID) && !s.expired(e) {
			live = append(live, e)
		}
	}
	slices.SortFunc(live, func(a, b offlineEntry) int {
		if a.messageID != b.messageID {
			return cmp.Compare(a.messageID, b.messageID)
		}
		return cmp.Compare(a.id, b.id)
	})

	var out []protocol.OfflineMessage
	for _, e := range live {
		out = append(out, protocol.OfflineMessage{
			EntryID: e.id,
			Message: protocol.Message{ID: e.messageID, ConversationID: 1, SenderID: "peer"},
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeOfflineStore) Ack(_ context.Context, userID string, entryIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var acked int64
	for i, e := range s.entries {
		if e.userID == userID && !e.delivered && slices.Contains(entryIDs, e.id) {
			s.entries[i].delivered = true
			acked++
		}
	}
	return acked, nil
}

func (s *fakeOfflineStore) AckAll(_ context.Context, userID, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var acked int64
	for i, e := range s.entries {
		if s.matches(e, userID, deviceID) {
			s.entries[i].delivered = true
			acked++
		}
	}
	return acked, nil
}

func (s *fakeOfflineStore) AckThrough(_ context.Context, userID, deviceID string, lastMessageID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var acked int64
	for i, e := range s.entries {
		if s.matches(e, userID, deviceID) && e.messageID <= lastMessageID {
			s.entries[i].delivered = true
			acked++
		}
	}
	return acked, nil
}

func (s *fakeOfflineStore) CountPending(_ context.Context, userID, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if s.matches(e, userID, deviceID) && !s.expired(e) {
			n++
		}
	}
	return n, nil
}

func (s *fakeOfflineStore) LastDelivered(_ context.Context, userID, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, e := range s.entries {
		if e.userID == userID && e.delivered && (e.deviceID == "" || e.deviceID == deviceID) && e.messageID > last {
			last = e.messageID
		}
	}
	return last, nil
}

type fakeSyncStore struct {
	delta *protocol.SyncResponseData
}

func (s *fakeSyncStore) Since(_ context.Context, _ string, cursor int64, _ int) (*protocol.SyncResponseData, error) {
	if s.delta != nil {
		return s.delta, nil
	}
	return &protocol.SyncResponseData{
		NewMessages:       []protocol.Message{},
		RecalledMessages:  []protocol.RecallNotifyData{},
		ReadStatusUpdates: []protocol.ReadStatusUpdate{},
		SyncCursor:        cursor,
	}, nil
}

// --- response parsing helpers ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func internalReq(method, url, body, userID, deviceID string) *http.Request {
	req := jsonReq(method, url, body)
	req.Header.Set(headerUserID, userID)
	req.Header.Set(headerDeviceID, deviceID)
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	return resp
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
