package internalapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

func newMessageApp(msgs *fakeMessageStore, convs *fakeConversationStore) *fiber.App {
	handler := NewMessageHandler(msgs, convs, 120*time.Second, nopLogger())
	app := fiber.New()
	app.Post("/internal/messages", handler.CreateMessage)
	app.Put("/internal/messages/:msgID/recall", handler.RecallMessage)
	app.Get("/internal/conversations/:conversationID/messages", handler.ListMessages)
	return app
}

func TestCreateMessageSanitisesContent(t *testing.T) {
	t.Parallel()
	msgs := newFakeMessageStore()
	convs := newFakeConversationStore()
	convs.participants[7] = []string{"u1", "u2"}
	app := newMessageApp(msgs, convs)

	body := `{"msgId":"m-1","conversationId":7,"msgType":"text","content":"hello <b>world</b>"}`
	resp := doReq(t, app, internalReq(http.MethodPost, "/internal/messages", body, "u1", "d1"))
	raw := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", resp.StatusCode, raw)
	}
	var msg protocol.Message
	if err := json.Unmarshal(parseSuccess(t, raw).Data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Content != "hello world" {
		t.Errorf("Content = %q, want markup stripped", msg.Content)
	}
	if msg.SenderID != "u1" || msg.SenderDeviceID != "d1" {
		t.Errorf("sender = %s/%s, want u1/d1 from headers", msg.SenderID, msg.SenderDeviceID)
	}
	if msg.ID == 0 {
		t.Error("ID = 0, want an assigned id")
	}
}

func TestCreateMessageIsIdempotent(t *testing.T) {
	t.Parallel()
	msgs := newFakeMessageStore()
	convs := newFakeConversationStore()
	convs.participants[7] = []string{"u1", "u2"}
	app := newMessageApp(msgs, convs)

	body := `{"msgId":"m-dup","conversationId":7,"msgType":"text","content":"once"}`
	first := doReq(t, app, internalReq(http.MethodPost, "/internal/messages", body, "u1", "d1"))
	var firstMsg protocol.Message
	if err := json.Unmarshal(parseSuccess(t, readBody(t, first)).Data, &firstMsg); err != nil {
		t.Fatalf("unmarshal first message: %v", err)
	}

	second := doReq(t, app, internalReq(http.MethodPost, "/internal/messages", body, "u1", "d1"))
	var secondMsg protocol.Message
	if err := json.Unmarshal(parseSuccess(t, readBody(t, second)).Data, &secondMsg); err != nil {
		t.Fatalf("unmarshal second message: %v", err)
	}
	if secondMsg.ID != firstMsg.ID {
		t.Errorf("replay id = %d, want the original %d", secondMsg.ID, firstMsg.ID)
	}
}

func TestCreateMessageRejections(t *testing.T) {
	t.Parallel()
	msgs := newFakeMessageStore()
	convs := newFakeConversationStore()
	convs.participants[7] = []string{"u1", "u2"}
	app := newMessageApp(msgs, convs)

	tests := []struct {
		name       string
		body       string
		userID     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing identity",
			body:       `{"msgId":"m-2","conversationId":7,"msgType":"text","content":"x"}`,
			userID:     "",
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unknown message type",
			body:       `{"msgId":"m-3","conversationId":7,"msgType":"hologram","content":"x"}`,
			userID:     "u1",
			wantStatus: fiber.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "not a participant",
			body:       `{"msgId":"m-4","conversationId":7,"msgType":"text","content":"x"}`,
			userID:     "intruder",
			wantStatus: fiber.StatusForbidden,
			wantCode:   "FORBIDDEN",
		},
		{
			name:       "conversation not found",
			body:       `{"msgId":"m-5","conversationId":99,"msgType":"text","content":"x"}`,
			userID:     "u1",
			wantStatus: fiber.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doReq(t, app, internalReq(http.MethodPost, "/internal/messages", tt.body, tt.userID, "d1"))
			raw := readBody(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, tt.wantStatus, raw)
			}
			if env := parseError(t, raw); env.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", env.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestRecallMessageErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "not found", err: store.ErrNotFound, wantStatus: fiber.StatusNotFound},
		{name: "not sender", err: store.ErrNotSender, wantStatus: fiber.StatusForbidden},
		{name: "window expired", err: store.ErrRecallWindow, wantStatus: fiber.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgs := newFakeMessageStore()
			msgs.recallErr = tt.err
			app := newMessageApp(msgs, newFakeConversationStore())

			resp := doReq(t, app, internalReq(http.MethodPut, "/internal/messages/m-1/recall", "", "u1", "d1"))
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			_ = readBody(t, resp)
		})
	}
}

func TestRecallMessageReturnsUpdatedRecord(t *testing.T) {
	t.Parallel()
	msgs := newFakeMessageStore()
	convs := newFakeConversationStore()
	convs.participants[7] = []string{"u1", "u2"}
	app := newMessageApp(msgs, convs)

	create := `{"msgId":"m-r","conversationId":7,"msgType":"text","content":"soon gone"}`
	_ = readBody(t, doReq(t, app, internalReq(http.MethodPost, "/internal/messages", create, "u1", "d1")))

	resp := doReq(t, app, internalReq(http.MethodPut, "/internal/messages/m-r/recall", "", "u1", "d1"))
	raw := readBody(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", resp.StatusCode, raw)
	}
	var msg protocol.Message
	if err := json.Unmarshal(parseSuccess(t, raw).Data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.RecalledAt == nil {
		t.Error("RecalledAt = nil, want set")
	}
}

func TestListMessagesCapsLimit(t *testing.T) {
	t.Parallel()
	msgs := newFakeMessageStore()
	app := newMessageApp(msgs, newFakeConversationStore())

	resp := doReq(t, app, jsonReq(http.MethodGet, "/internal/conversations/7/messages?limit=9999", ""))
	_ = readBody(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if msgs.lastLimit != historyMaxLimit {
		t.Errorf("limit passed to store = %d, want capped at %d", msgs.lastLimit, historyMaxLimit)
	}
}
