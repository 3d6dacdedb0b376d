package internalapi

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

const syncMessagesDefaultLimit = 100

// SyncStore computes sync deltas from the change log.
type SyncStore interface {
	Since(ctx context.Context, userID string, cursor int64, limit int) (*protocol.SyncResponseData, error)
}

type syncMessagesResponse struct {
	Messages     []protocol.OfflineMessage `json:"messages"`
	TotalPending int64                     `json:"totalPending"`
	HasMore      bool                      `json:"hasMore"`
}

type syncAckRequest struct {
	OfflineMessageIDs []int64 `json:"offlineMessageIds,omitempty"`
	LastMessageID     int64   `json:"lastMessageId,omitempty"`
	MarkAllDelivered  bool    `json:"markAllDelivered,omitempty"`
}

type syncStatusResponse struct {
	LastSyncedMessageID int64 `json:"lastSyncedMessageId"`
	PendingCount        int64 `json:"pendingCount"`
	HasPendingMessages  bool  `json:"hasPendingMessages"`
}

// SyncHandler serves the internal sync delta endpoint and the client-facing
// /sync REST.
type SyncHandler struct {
	sync    SyncStore
	offline OfflineStore
	log     zerolog.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(sync SyncStore, offline OfflineStore, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, offline: offline, log: logger}
}

// Delta handles GET /internal/sync?userId=&cursor=&limit=.
func (h *SyncHandler) Delta(c fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "userId is required")
	}
	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	delta, err := h.sync.Since(c, userID, cursor, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "sync").Msg("compute delta failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, delta)
}

// Messages handles GET /sync/messages?deviceId=&limit= for authenticated
// clients catching up over REST.
func (h *SyncHandler) Messages(c fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "deviceId is required")
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > syncMessagesDefaultLimit {
		limit = syncMessagesDefaultLimit
	}

	pending, err := h.offline.Pending(c, userID, deviceID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "sync").Msg("load pending failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	total, err := h.offline.CountPending(c, userID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "sync").Msg("count pending failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	if pending == nil {
		pending = []protocol.OfflineMessage{}
	}
	return httputil.Success(c, syncMessagesResponse{
		Messages:     pending,
		TotalPending: total,
		HasMore:      total > int64(len(pending)),
	})
}

// Ack handles POST /sync/ack.
func (h *SyncHandler) Ack(c fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "deviceId is required")
	}

	var body syncAckRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	var acked int64
	var err error
	switch {
	case body.MarkAllDelivered:
		acked, err = h.offline.AckAll(c, userID, deviceID)
	case body.LastMessageID > 0:
		acked, err = h.offline.AckThrough(c, userID, deviceID, body.LastMessageID)
	default:
		acked, err = h.offline.Ack(c, userID, body.OfflineMessageIDs)
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "sync").Msg("ack failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, ackResponse{Acked: acked})
}

// Status handles GET /sync/status?deviceId=.
func (h *SyncHandler) Status(c fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing user identity")
	}
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "deviceId is required")
	}

	pending, err := h.offline.CountPending(c, userID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "sync").Msg("count pending failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	last, err := h.offline.LastDelivered(c, userID, deviceID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "sync").Msg("load last delivered failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, syncStatusResponse{
		LastSyncedMessageID: last,
		PendingCount:        pending,
		HasPendingMessages:  pending > 0,
	})
}
