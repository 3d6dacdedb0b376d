package internalapi

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

// History pagination bounds for the conversation messages endpoint.
const (
	historyDefaultLimit = 50
	historyMaxLimit     = 100
)

// MessageStore is the message repository surface the handlers need.
type MessageStore interface {
	Save(ctx context.Context, p store.SaveParams) (*protocol.Message, bool, error)
	Recall(ctx context.Context, msgID, senderID string, window time.Duration) (*protocol.Message, error)
	ListAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]protocol.Message, error)
}

// ConversationStore reads conversation membership.
type ConversationStore interface {
	Participants(ctx context.Context, conversationID int64) ([]string, error)
	IsParticipant(ctx context.Context, conversationID int64, userID string) (bool, error)
}

// MessageHandler serves message persistence endpoints.
type MessageHandler struct {
	messages      MessageStore
	conversations ConversationStore
	sanitize      *bluemonday.Policy
	recallWindow  time.Duration
	log           zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messages MessageStore, conversations ConversationStore, recallWindow time.Duration, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		messages:      messages,
		conversations: conversations,
		sanitize:      bluemonday.StrictPolicy(),
		recallWindow:  recallWindow,
		log:           logger,
	}
}

// CreateMessage handles POST /internal/messages. Idempotent on msgId.
func (h *MessageHandler) CreateMessage(c fiber.Ctx) error {
	userID, deviceID := caller(c)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing sender identity")
	}

	var body protocol.ChatMessageData
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if body.MsgID == "" || body.ConversationID <= 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "msgId and conversationId are required")
	}
	if !protocol.ValidMsgType(body.MsgType) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Unknown message type")
	}

	participants, err := h.conversations.Participants(c, body.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Conversation not found")
		}
		h.log.Error().Err(err).Str("handler", "messages").Msg("load participants failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	if !slices.Contains(participants, userID) {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Not a participant")
	}

	msg, _, err := h.messages.Save(c, store.SaveParams{
		MsgID:           body.MsgID,
		ConversationID:  body.ConversationID,
		SenderID:        userID,
		SenderDeviceID:  deviceID,
		MsgType:         body.MsgType,
		Content:         h.sanitize.Sanitize(body.Content),
		Metadata:        body.Metadata,
		QuoteMsgID:      body.QuoteMsgID,
		AtUserIDs:       body.AtUserIDs,
		ClientCreatedAt: body.ClientCreatedAt,
	})
	if err != nil {
		h.log.Error().Err(err).Str("handler", "messages").Str("msg_id", body.MsgID).Msg("save message failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, msg)
}

// RecallMessage handles PUT /internal/messages/:msgID/recall.
func (h *MessageHandler) RecallMessage(c fiber.Ctx) error {
	userID, _ := caller(c)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing sender identity")
	}
	msgID := c.Params("msgID")
	if msgID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing message id")
	}

	msg, err := h.messages.Recall(c, msgID, userID, h.recallWindow)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Message not found")
		case errors.Is(err, store.ErrNotSender):
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Only the sender may recall a message")
		case errors.Is(err, store.ErrRecallWindow):
			return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "Recall window expired")
		default:
			h.log.Error().Err(err).Str("handler", "messages").Str("msg_id", msgID).Msg("recall failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
		}
	}
	return httputil.Success(c, msg)
}

// ListMessages handles GET /internal/conversations/:conversationID/messages.
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	conversationID, err := strconv.ParseInt(c.Params("conversationID"), 10, 64)
	if err != nil || conversationID <= 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid conversation id")
	}
	afterID, _ := strconv.ParseInt(c.Query("afterId"), 10, 64)

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = historyDefaultLimit
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}

	messages, err := h.messages.ListAfter(c, conversationID, afterID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "messages").Msg("list messages failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	if messages == nil {
		messages = []protocol.Message{}
	}
	return httputil.Success(c, messages)
}
