package internalapi

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/store"
)

// DeviceStore is the device-directory surface the handlers need.
type DeviceStore interface {
	Upsert(ctx context.Context, userID, deviceID, deviceType, deviceName string) error
	ListByUser(ctx context.Context, userID string) ([]store.Device, error)
	Delete(ctx context.Context, userID, deviceID string) error
}

type deviceDTO struct {
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId"`
	DeviceType   string `json:"deviceType"`
	DeviceName   string `json:"deviceName,omitempty"`
	LastActiveAt int64  `json:"lastActiveAt,omitempty"`
}

type devicesResponse struct {
	Devices []deviceDTO `json:"devices"`
}

// DeviceHandler serves device-directory endpoints.
type DeviceHandler struct {
	devices DeviceStore
	log     zerolog.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(devices DeviceStore, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, log: logger}
}

// Upsert handles PUT /internal/devices.
func (h *DeviceHandler) Upsert(c fiber.Ctx) error {
	var body deviceDTO
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Invalid request body")
	}
	if body.UserID == "" || body.DeviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "userId and deviceId are required")
	}
	if !protocol.ValidDeviceType(body.DeviceType) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Unknown device type")
	}

	if err := h.devices.Upsert(c, body.UserID, body.DeviceID, body.DeviceType, body.DeviceName); err != nil {
		h.log.Error().Err(err).Str("handler", "devices").Msg("upsert device failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, body)
}

// List handles GET /internal/users/:userID/devices.
func (h *DeviceHandler) List(c fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing user id")
	}

	devices, err := h.devices.ListByUser(c, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "devices").Msg("list devices failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}

	out := make([]deviceDTO, len(devices))
	for i, d := range devices {
		out[i] = deviceDTO{
			UserID:       d.UserID,
			DeviceID:     d.DeviceID,
			DeviceType:   d.DeviceType,
			DeviceName:   d.DeviceName,
			LastActiveAt: d.LastActiveAt.UnixMilli(),
		}
	}
	return httputil.Success(c, devicesResponse{Devices: out})
}

// Delete handles DELETE /internal/users/:userID/devices/:deviceID.
func (h *DeviceHandler) Delete(c fiber.Ctx) error {
	userID, deviceID := c.Params("userID"), c.Params("deviceID")
	if userID == "" || deviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "Missing user or device id")
	}

	if err := h.devices.Delete(c, userID, deviceID); err != nil {
		h.log.Error().Err(err).Str("handler", "devices").Msg("delete device failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"deleted": true})
}
