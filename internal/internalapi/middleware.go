// Package internalapi serves the persistence service's HTTP surface: the
// /internal/* contract consumed by the gateway and the /sync/* REST used by
// clients for their initial catch-up.
package internalapi

import (
	"github.com/gofiber/fiber/v3"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/auth"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
)

// Headers carrying the acting end-user identity on internal calls.
const (
	headerServiceToken = "X-Service-Token"
	headerUserID       = "X-Internal-User-Id"
	headerDeviceID     = "X-Internal-Device-Id"
)

// RequireServiceToken returns middleware that gates the /internal routes on
// the shared service token.
func RequireServiceToken(configured string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !auth.ValidServiceToken(c.Get(headerServiceToken), configured) {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid service token")
		}
		return c.Next()
	}
}

// RequireUser returns middleware for the client-facing /sync routes. It
// validates the Authorization bearer token and stores the user id in
// c.Locals("userID").
func RequireUser(secret, issuer string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing bearer token")
		}

		userID, err := auth.ValidateAccessToken(header[len(prefix):], secret, issuer)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid token")
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// caller reads the forwarded end-user identity from the internal headers.
func caller(c fiber.Ctx) (userID, deviceID string) {
	return c.Get(headerUserID), c.Get(headerDeviceID)
}
