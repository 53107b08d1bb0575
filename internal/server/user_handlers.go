package server

import (
	"github.com/gofiber/fiber/v2"
)

// OnlineUsersResponse lists the users with a live relay channel.
type OnlineUsersResponse struct {
	UserIDs []uint `json:"user_ids"`
}

// GetOnlineUsers handles GET /api/users/online
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	ids := s.relay.OnlineUsers(c.UserContext())
	if ids == nil {
		ids = []uint{}
	}
	return c.JSON(OnlineUsersResponse{UserIDs: ids})
}
