package internalapi

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

// CursorStore advances read cursors.
type CursorStore interface {
	MarkRead(ctx context.Context, conversationID int64, userID string, lastReadMsgID int64) (bool, error)
}

type participantsResponse struct {
	UserIDs []string `json:"userIds"`
}

type readRequest struct {
	LastReadMsgID int64 `json:"lastReadMsgId"`
}

type readResponse struct {
	ConversationID int64 `json:"conversationId"`
	LastReadMsgID  int64 `json:"lastReadMsgId"`
	Updated        bool  `json:"updated"`
}

// ConversationHandler serves conversation membership and read-cursor
// endpoints.
type ConversationHandler struct {
	conversations ConversationStore
	cursors       CursorStore
	log           zerolog.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(conversations ConversationStore, cursors CursorStore, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, cursors: cursors, log: logger}
}

// Participants handles GET /internal/conversations/:conversationID/participants.
func (h *ConversationHandler) Participants(c fiber.Ctx) error {
	conversationID, err := strconv.ParseInt(c.Params("conversationID"), 10, 64)
	if err != nil || conversationID <= 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid conversation id")
	}

	userIDs, err := h.conversations.Participants(c, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Conversation not found")
		}
		h.log.Error().Err(err).Str("handler", "conversations").Msg("load participants failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, participantsResponse{UserIDs: userIDs})
}

// MarkRead handles POST /internal/conversations/:conversationID/read.
func (h *ConversationHandler) MarkRead(c fiber.Ctx) error {
	userID, _ := caller(c)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing reader identity")
	}
	conversationID, err := strconv.ParseInt(c.Params("conversationID"), 10, 64)
	if err != nil || conversationID <= 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid conversation id")
	}

	var body readRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if body.LastReadMsgID <= 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "lastReadMsgId is required")
	}

	member, err := h.conversations.IsParticipant(c, conversationID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "conversations").Msg("check participant failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	if !member {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Not a participant")
	}

	updated, err := h.cursors.MarkRead(c, conversationID, userID, body.LastReadMsgID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "conversations").Msg("advance read cursor failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, readResponse{
		ConversationID: conversationID,
		LastReadMsgID:  body.LastReadMsgID,
		Updated:        updated,
	})
}
