package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewValidationError("bad"), fiber.StatusBadRequest},
		{NewUnauthorizedError("who"), fiber.StatusUnauthorized},
		{NewForbiddenError("no"), fiber.StatusForbidden},
		{NewNotFoundError("User", 1), fiber.StatusNotFound},
		{NewConflictError("dup"), fiber.StatusConflict},
		{NewInternalError(errors.New("db")), fiber.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NewForbiddenError("no")), fiber.StatusForbidden},
		{errors.New("plain"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestRespondWithError_HidesInternalDetails(t *testing.T) {
	app := fiber.New()
	app.Get("/internal", func(c *fiber.Ctx) error {
		return RespondWithAppError(c, NewInternalError(errors.New("pq: relation users does not exist")))
	})
	app.Get("/plain", func(c *fiber.Ctx) error {
		return RespondWithError(c, fiber.StatusInternalServerError, errors.New("secret dsn"))
	})
	app.Get("/notfound", func(c *fiber.Ctx) error {
		return RespondWithAppError(c, NewNotFoundError("Report", 7))
	})

	for _, path := range []string{"/internal", "/plain"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.NotContains(t, string(body), "pq:")
		assert.NotContains(t, string(body), "dsn")
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/notfound", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	var out ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, CodeNotFound, out.Code)
	assert.Equal(t, "Report with ID 7 not found", out.Error)
}
