// Package middleware provides Fiber middleware: authentication, logging, tracing, metrics and rate limiting.
package middleware

import (
	"context"
	"strings"

	"webchat/internal/models"

	"github.com/gofiber/fiber/v2"
)

// TokenVerifier resolves a bearer token into a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (uint, error)
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter used by browser WebSocket clients.
// An empty string means no token was presented.
func TokenFromRequest(c *fiber.Ctx) (string, error) {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", models.NewUnauthorizedError("Invalid authorization header format")
		}
		return parts[1], nil
	}
	return c.Query("token"), nil
}

// AuthRequired enforces a valid session token and stores the caller in
// c.Locals("userID") and the request context.
func AuthRequired(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := TokenFromRequest(c)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}
		if token == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization header required"))
		}

		userID, err := v.Verify(c.UserContext(), token)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid or expired token"))
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalToken, token)
		c.SetUserContext(WithUserID(c.UserContext(), userID))
		return c.Next()
	}
}

// CurrentUserID returns the authenticated caller set by AuthRequired.
func CurrentUserID(c *fiber.Ctx) (uint, bool) {
	userID, ok := c.Locals(LocalUserID).(uint)
	return userID, ok && userID != 0
}
