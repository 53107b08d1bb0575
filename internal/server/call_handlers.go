package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/pion/webrtc/v4"
)

// GetICEServers handles GET /api/calls/ice-servers. Clients pass the result
// straight into their RTCPeerConnection configuration.
func (s *Server) GetICEServers(c *fiber.Ctx) error {
	return c.JSON(s.iceServers())
}

func (s *Server) iceServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)

	var stun []string
	for _, u := range strings.Split(s.config.STUNURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			stun = append(stun, u)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	if turn := strings.TrimSpace(s.config.TURNURL); turn != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turn},
			Username:   s.config.TURNUsername,
			Credential: s.config.TURNPassword,
		})
	}
	return servers
}
