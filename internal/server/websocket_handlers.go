package server

import (
	"context"
	"errors"
	"log/slog"

	"webchat/internal/middleware"
	"webchat/internal/models"
	"webchat/internal/notifications"
	"webchat/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// IssueWSTicket handles POST /api/ws/ticket. Browsers cannot set headers on
// a WebSocket handshake, so they trade their token for a short-lived ticket
// and pass it as ?ticket=.
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	ticket, err := s.sessions.IssueTicket(c.UserContext(), callerID(c))
	if err != nil {
		if errors.Is(err, session.ErrTicketsUnavailable) {
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				&models.AppError{Code: models.CodeInternal, Message: "WebSocket tickets are unavailable"})
		}
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(session.TicketTTL.Seconds()),
	})
}

// WebSocketUpgrade rejects the handshake before the upgrade when the caller
// cannot join the relay.
func (s *Server) WebSocketUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return models.RespondWithError(c, fiber.StatusUpgradeRequired,
			models.NewValidationError("WebSocket upgrade required"))
	}
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}
	if user.IsCurrentlyBanned(s.now().UTC()) {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("Account is banned"))
	}
	return c.Next()
}

// WebSocketHandler joins the connection to the relay and blocks until it closes.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals(middleware.LocalUserID).(uint)
		if !ok || userID == 0 {
			_ = conn.Close()
			return
		}

		client, err := s.relay.Register(userID, conn)
		if err != nil {
			slog.Warn("relay refused connection",
				slog.Uint64("user_id", uint64(userID)),
				slog.Any("error", err))
			if data, encErr := notifications.EncodeFrame(notifications.EventError,
				notifications.ErrorPayload{Message: err.Error()}); encErr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
			_ = conn.Close()
			return
		}

		if s.bannedSinceHandshake(client) {
			slog.Info("relay channel refused, ban landed during handshake",
				slog.Uint64("user_id", uint64(userID)))
		} else {
			slog.Debug("relay channel opened", slog.Uint64("user_id", uint64(userID)))
		}
		// Serve flushes the rejection and close frame for a refused channel.
		s.relay.Serve(client)
	})
}

// bannedSinceHandshake re-reads the account after Register and rejects the
// channel if a ban committed after WebSocketUpgrade checked it.
func (s *Server) bannedSinceHandshake(client *notifications.Client) bool {
	user, err := s.userRepo.GetByID(context.Background(), client.UserID)
	if err != nil {
		slog.Warn("relay ban recheck failed",
			slog.Uint64("user_id", uint64(client.UserID)),
			slog.Any("error", err))
		return false
	}
	if !user.IsCurrentlyBanned(s.now().UTC()) {
		return false
	}
	s.relay.RejectBanned(client, user)
	return true
}
