package server

import (
	"io"
	"strconv"
	"strings"

	"webchat/internal/featureflags"
	"webchat/internal/models"
	"webchat/internal/service"

	"github.com/gofiber/fiber/v2"
)

// SendMessage handles POST /api/messages. It accepts JSON {content, receiverId}
// or a multipart form with content, receiverId and an optional media file.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	userID := callerID(c)
	in := service.SendMessageInput{SenderID: userID}

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		in.Content = c.FormValue("content")
		if raw := strings.TrimSpace(c.FormValue("receiverId")); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || id == 0 {
				return models.RespondWithError(c, fiber.StatusBadRequest,
					models.NewValidationError("Invalid receiver ID"))
			}
			receiverID := uint(id)
			in.ReceiverID = &receiverID
		}

		if file, err := c.FormFile("media"); err == nil {
			if !s.featureFlags.Enabled(featureflags.MediaUploads, userID) {
				return models.RespondWithError(c, fiber.StatusForbidden,
					models.NewForbiddenError("Media uploads are disabled"))
			}
			src, err := file.Open()
			if err != nil {
				return models.RespondWithError(c, fiber.StatusBadRequest,
					models.NewValidationError("Unable to read uploaded file"))
			}
			defer func() { _ = src.Close() }()

			content, err := io.ReadAll(src)
			if err != nil {
				return models.RespondWithError(c, fiber.StatusBadRequest,
					models.NewValidationError("Unable to read uploaded file"))
			}
			in.Media = &service.UploadMediaInput{
				Filename:    file.Filename,
				ContentType: file.Header.Get(fiber.HeaderContentType),
				Content:     content,
			}
		}
	} else {
		var req struct {
			Content    string `json:"content"`
			ReceiverID *uint  `json:"receiverId"`
		}
		if err := bindJSON(c, &req); err != nil {
			return nil
		}
		if req.ReceiverID != nil && *req.ReceiverID == 0 {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid receiver ID"))
		}
		in.Content = req.Content
		in.ReceiverID = req.ReceiverID
	}

	msg, err := s.messages.Send(c.UserContext(), in)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// GetMessages handles GET /api/messages and GET /api/messages/:receiverId.
// Without a receiver it returns the public timeline.
func (s *Server) GetMessages(c *fiber.Ctx) error {
	var withUserID *uint
	if c.Params("receiverId") != "" {
		id, err := parseID(c, "receiverId")
		if err != nil {
			return nil
		}
		withUserID = &id
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", service.DefaultPageSize)

	result, err := s.messages.List(c.UserContext(), callerID(c), withUserID, page, limit)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(result)
}

// MarkMessageRead handles PUT /api/messages/:messageId/read
func (s *Server) MarkMessageRead(c *fiber.Ctx) error {
	messageID, err := parseID(c, "messageId")
	if err != nil {
		return nil
	}
	msg, err := s.messages.MarkRead(c.UserContext(), callerID(c), messageID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(msg)
}
