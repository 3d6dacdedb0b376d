package internalapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
)

// HealthHandler serves the persistence service health check.
type HealthHandler struct {
	DB *pgxpool.Pool
}

// Health pings PostgreSQL and reports component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	overall, pgStatus := "ok", "ok"
	status := fiber.StatusOK
	if err := h.DB.Ping(ctx); err != nil {
		overall, pgStatus = "degraded", "unavailable"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
	})
}
