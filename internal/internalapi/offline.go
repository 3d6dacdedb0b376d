package internalapi

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

// OfflineStore is the offline-queue surface the handlers need.
type OfflineStore interface {
	Enqueue(ctx context.Context, entries []store.QueueEntry) error
	Pending(ctx context.Context, userID, deviceID string, limit int) ([]protocol.OfflineMessage, error)
	Ack(ctx context.Context, userID string, entryIDs []int64) (int64, error)
	AckAll(ctx context.Context, userID, deviceID string) (int64, error)
	AckThrough(ctx context.Context, userID, deviceID string, lastMessageID int64) (int64, error)
	CountPending(ctx context.Context, userID, deviceID string) (int64, error)
	LastDelivered(ctx context.Context, userID, deviceID string) (int64, error)
}

type enqueueEntry struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	MessageID int64  `json:"messageId"`
}

type enqueueRequest struct {
	Entries []enqueueEntry `json:"entries"`
}

type pendingResponse struct {
	Messages []protocol.OfflineMessage `json:"messages"`
}

type ackRequest struct {
	EntryIDs         []int64 `json:"entryIds,omitempty"`
	MarkAllDelivered bool    `json:"markAllDelivered,omitempty"`
}

type ackResponse struct {
	Acked int64 `json:"acked"`
}

// OfflineHandler serves the gateway-facing offline queue endpoints.
type OfflineHandler struct {
	offline OfflineStore
	log     zerolog.Logger
}

// NewOfflineHandler creates a new offline queue handler.
func NewOfflineHandler(offline OfflineStore, logger zerolog.Logger) *OfflineHandler {
	return &OfflineHandler{offline: offline, log: logger}
}

// Enqueue handles POST /internal/offline.
func (h *OfflineHandler) Enqueue(c fiber.Ctx) error {
	var body enqueueRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	entries := make([]store.QueueEntry, 0, len(body.Entries))
	for _, e := range body.Entries {
		if e.UserID == "" || e.MessageID <= 0 {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Entries require userId and messageId")
		}
		entries = append(entries, store.QueueEntry{UserID: e.UserID, DeviceID: e.DeviceID, MessageID: e.MessageID})
	}

	if err := h.offline.Enqueue(c, entries); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Unknown message")
		}
		h.log.Error().Err(err).Str("handler", "offline").Msg("enqueue failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"enqueued": len(entries)})
}

// Pending handles GET /internal/offline?userId=&deviceId=&limit=.
func (h *OfflineHandler) Pending(c fiber.Ctx) error {
	userID, deviceID := c.Query("userId"), c.Query("deviceId")
	if userID == "" || deviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "userId and deviceId are required")
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	pending, err := h.offline.Pending(c, userID, deviceID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "offline").Msg("load pending failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	if pending == nil {
		pending = []protocol.OfflineMessage{}
	}
	return httputil.Success(c, pendingResponse{Messages: pending})
}

// Ack handles POST /internal/offline/ack.
func (h *OfflineHandler) Ack(c fiber.Ctx) error {
	userID, deviceID := caller(c)
	if userID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing user identity")
	}

	var body ackRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}

	var acked int64
	var err error
	if body.MarkAllDelivered {
		acked, err = h.offline.AckAll(c, userID, deviceID)
	} else {
		acked, err = h.offline.Ack(c, userID, body.EntryIDs)
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "offline").Msg("ack failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, ackResponse{Acked: acked})
}
