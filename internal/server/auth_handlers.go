package server

import (
	"log/slog"
	"strings"
	"time"

	"webchat/internal/middleware"
	"webchat/internal/models"
	"webchat/internal/validation"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// BannedResponse explains a refused login.
type BannedResponse struct {
	Error       string     `json:"error"`
	Code        string     `json:"code"`
	Reason      string     `json:"reason,omitempty"`
	BannedUntil *time.Time `json:"banned_until"`
	Permanent   bool       `json:"permanent"`
}

// Register handles POST /api/auth/register
func (s *Server) Register(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := bindJSON(c, &req); err != nil {
		return nil
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Username == "" || req.Email == "" || req.Password == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Username, email, and password are required"))
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}
	if err := validation.ValidateEmail(req.Email); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	ctx := c.UserContext()
	existing, err := s.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	if existing == nil {
		existing, err = s.userRepo.GetByUsername(ctx, req.Username)
		if err != nil {
			return models.RespondWithAppError(c, err)
		}
	}
	if existing != nil {
		return models.RespondWithError(c, fiber.StatusConflict,
			models.NewConflictError("User already exists"))
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	user := &models.User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashedPassword),
		Role:     models.RoleUser,
		LastSeen: s.now().UTC(),
	}
	// A concurrent registration can still win the unique index; Create maps
	// that to Conflict.
	if err := s.userRepo.Create(ctx, user); err != nil {
		return models.RespondWithAppError(c, err)
	}

	token, err := s.sessions.Issue(user)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	slog.InfoContext(ctx, "user registered", slog.Uint64("user_id", uint64(user.ID)))
	return c.Status(fiber.StatusCreated).JSON(AuthResponse{Token: token, User: user})
}

// Login handles POST /api/auth/login
func (s *Server) Login(c *fiber.Ctx) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := bindJSON(c, &req); err != nil {
		return nil
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Email and password are required"))
	}

	ctx := c.UserContext()
	user, err := s.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	if user == nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Invalid credentials"))
	}
	if cmpErr := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); cmpErr != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Invalid credentials"))
	}

	now := s.now().UTC()
	if user.IsCurrentlyBanned(now) {
		return c.Status(fiber.StatusForbidden).JSON(BannedResponse{
			Error:       "Account is banned",
			Code:        models.CodeForbidden,
			Reason:      user.BanReason,
			BannedUntil: user.BannedUntil,
			Permanent:   user.BannedUntil == nil,
		})
	}

	if err := s.userRepo.TouchLastSeen(ctx, user.ID, now); err != nil {
		slog.WarnContext(ctx, "failed to update last seen on login", slog.Any("error", err))
	}
	user.LastSeen = now

	token, err := s.sessions.Issue(user)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.JSON(AuthResponse{Token: token, User: user})
}

// Logout handles POST /api/auth/logout. It revokes the presented token and
// marks the user offline unless a relay channel is still open.
func (s *Server) Logout(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := callerID(c)

	if token, ok := c.Locals(middleware.LocalToken).(string); ok && token != "" {
		if err := s.sessions.Revoke(ctx, token); err != nil {
			slog.WarnContext(ctx, "failed to revoke token", slog.Any("error", err))
		}
	}

	if !s.relay.IsOnline(ctx, userID) {
		if err := s.userRepo.SetPresence(ctx, userID, false, s.now().UTC()); err != nil {
			slog.WarnContext(ctx, "failed to mark user offline on logout", slog.Any("error", err))
		}
	}
	s.lastSeen.Remove(userID)

	return c.JSON(fiber.Map{"message": "Logged out"})
}

// Me handles GET /api/auth/me
func (s *Server) Me(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return nil
	}
	return c.JSON(user)
}
