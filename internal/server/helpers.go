package server

import (
	"errors"
	"strings"
	"unicode"

	"webchat/internal/middleware"
	"webchat/internal/models"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

const localCurrentUser = "currentUser"

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
// The error message is derived from the parameter name (e.g. "userId" -> "Invalid user ID").
func parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID", "receiverId" -> "receiver ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "Id") {
		words := splitCamel(param[:len(param)-2])
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

// splitCamel splits a camelCase string into words.
func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// callerID returns the authenticated caller. AuthRequired guarantees it on
// every route that uses it.
func callerID(c *fiber.Ctx) uint {
	userID, _ := middleware.CurrentUserID(c)
	return userID
}

// currentUser loads the caller once per request. On failure it writes the
// response and returns errResponseWritten.
func (s *Server) currentUser(c *fiber.Ctx) (*models.User, error) {
	if user, ok := c.Locals(localCurrentUser).(*models.User); ok {
		return user, nil
	}
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		_ = models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authorization required"))
		return nil, errResponseWritten
	}
	user, err := s.userRepo.GetByID(c.UserContext(), userID)
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			// The token outlived its account.
			_ = models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Account no longer exists"))
		} else {
			_ = models.RespondWithAppError(c, err)
		}
		return nil, errResponseWritten
	}
	c.Locals(localCurrentUser, user)
	return user, nil
}

// bindJSON parses the request body into dst, answering 400 on malformed input.
func bindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
		return errResponseWritten
	}
	return nil
}
