package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/gateway"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
)

// Pinger checks reachability of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the gateway health check endpoint.
type HealthHandler struct {
	coordination Pinger
	hub          *gateway.Hub
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(coordination Pinger, hub *gateway.Hub) *HealthHandler {
	return &HealthHandler{coordination: coordination, hub: hub}
}

// Health pings the coordination store and reports the local session count.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	overall, coordStatus := "ok", "ok"
	status := fiber.StatusOK
	if err := h.coordination.Ping(ctx); err != nil {
		overall, coordStatus = "degraded", "unavailable"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":       overall,
		"coordination": coordStatus,
		"sessions":     h.hub.SessionCount(),
	})
}
