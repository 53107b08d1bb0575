package server

import (
	"fmt"
	"strconv"
	"strings"

	"webchat/internal/models"

	"github.com/gofiber/fiber/v2"
)

const (
	maxUserSearchLen = 64
	maxUserPageSize  = 500
)

// ListUsers handles GET /api/moderation/users?role=&banned=&search=&limit=&offset=
// Without limit every matching user is returned. X-Total-Count always
// carries the full match count.
func (s *Server) ListUsers(c *fiber.Ctx) error {
	var filter models.UserFilter
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxUserPageSize {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError(fmt.Sprintf("limit must be between 1 and %d", maxUserPageSize)))
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("offset must be a non-negative integer"))
		}
		filter.Offset = offset
	}

	if raw := strings.TrimSpace(c.Query("role")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			role, err := models.ParseRole(part)
			if err != nil {
				return models.RespondWithError(c, fiber.StatusBadRequest,
					models.NewValidationError("Invalid role filter"))
			}
			filter.Roles = append(filter.Roles, role)
		}
	}
	if raw := c.Query("banned"); raw != "" {
		banned, err := strconv.ParseBool(raw)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("banned must be true or false"))
		}
		filter.Banned = &banned
	}
	search := strings.TrimSpace(c.Query("search"))
	if len(search) > maxUserSearchLen {
		search = search[:maxUserSearchLen]
	}
	filter.Search = search

	users, total, err := s.moderation.ListUsers(c.UserContext(), callerID(c), filter)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	c.Set("X-Total-Count", strconv.FormatInt(total, 10))
	return c.JSON(users)
}

// PromoteModerator handles POST /api/moderation/promote/:userId
func (s *Server) PromoteModerator(c *fiber.Ctx) error {
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	user, err := s.moderation.PromoteModerator(c.UserContext(), callerID(c), targetID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "User promoted to moderator", "user": user})
}

// RevokeModerator handles POST /api/moderation/revoke/:userId
func (s *Server) RevokeModerator(c *fiber.Ctx) error {
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	user, err := s.moderation.RevokeModerator(c.UserContext(), callerID(c), targetID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Moderator role revoked", "user": user})
}

// BanUser handles POST /api/moderation/ban/:userId with {reason, duration}.
// duration is in hours; -1 bans permanently.
func (s *Server) BanUser(c *fiber.Ctx) error {
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	var req struct {
		Reason   string `json:"reason"`
		Duration *int   `json:"duration"`
	}
	if err := bindJSON(c, &req); err != nil {
		return nil
	}
	if req.Duration == nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Duration is required"))
	}

	record, err := s.moderation.BanUser(c.UserContext(), callerID(c), targetID, req.Reason, *req.Duration)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "User banned", "ban": record.HistoryEntry()})
}

// UnbanUser handles POST /api/moderation/unban/:userId
func (s *Server) UnbanUser(c *fiber.Ctx) error {
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	user, err := s.moderation.UnbanUser(c.UserContext(), callerID(c), targetID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "User unbanned", "user": user})
}

// GetBanHistory handles GET /api/moderation/ban-history/:userId
func (s *Server) GetBanHistory(c *fiber.Ctx) error {
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	entries, err := s.moderation.GetBanHistory(c.UserContext(), callerID(c), targetID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(entries)
}

// ReportUser handles POST /api/moderation/report/:userId with {reason}.
func (s *Server) ReportUser(c *fiber.Ctx) error {
	targetID, err := parseID(c, "userId")
	if err != nil {
		return nil
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindJSON(c, &req); err != nil {
		return nil
	}

	report, err := s.moderation.ReportUser(c.UserContext(), callerID(c), targetID, req.Reason)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "User reported", "report": report})
}

// GetReports handles GET /api/moderation/reports?status=&limit=&offset=
func (s *Server) GetReports(c *fiber.Ctx) error {
	filter := models.ReportFilter{
		Limit:  c.QueryInt("limit", 0),
		Offset: c.QueryInt("offset", 0),
	}
	switch status := models.ReportStatus(strings.ToLower(c.Query("status"))); status {
	case "":
	case models.ReportPending, models.ReportResolved:
		filter.Status = status
	default:
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("status must be pending or resolved"))
	}

	reports, err := s.moderation.GetReports(c.UserContext(), callerID(c), filter)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(reports)
}

// ResolveReport handles POST /api/moderation/resolve-report/:reportId with {resolution}.
func (s *Server) ResolveReport(c *fiber.Ctx) error {
	reportID, err := parseID(c, "reportId")
	if err != nil {
		return nil
	}
	var req struct {
		Resolution string `json:"resolution"`
	}
	// An empty body resolves without a note.
	if len(c.Body()) > 0 {
		if err := bindJSON(c, &req); err != nil {
			return nil
		}
	}

	report, err := s.moderation.ResolveReport(c.UserContext(), callerID(c), reportID, req.Resolution)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Report resolved", "report": report})
}
