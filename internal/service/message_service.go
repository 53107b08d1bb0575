package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"webchat/internal/models"
	"webchat/internal/notifications"
	"webchat/internal/repository"

	"gorm.io/gorm"
)

const (
	DefaultPageSize  = 20
	MaxPageSize      = 50
	maxMessageLength = 2000
)

// EventPublisher delivers server-originated realtime events.
type EventPublisher interface {
	SendToUser(ctx context.Context, userID uint, eventType string, payload any)
	Broadcast(ctx context.Context, eventType string, payload any)
}

// SendMessageInput is a new message. A nil ReceiverID posts to the public
// timeline.
type SendMessageInput struct {
	SenderID   uint
	ReceiverID *uint
	Content    string
	Media      *UploadMediaInput
}

type MessageService struct {
	users    repository.UserRepository
	messages repository.MessageRepository
	media    *MediaStore
	events   EventPublisher
	now      func() time.Time
}

func NewMessageService(db *gorm.DB, media *MediaStore, events EventPublisher) *MessageService {
	return &MessageService{
		users:    repository.NewUserRepository(db),
		messages: repository.NewMessageRepository(db),
		media:    media,
		events:   events,
		now:      time.Now,
	}
}

// Send stores a message and notifies the receiver, or everyone for a public
// message.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	sender, err := s.users.GetByID(ctx, in.SenderID)
	if err != nil {
		return nil, err
	}
	if sender.IsCurrentlyBanned(s.now().UTC()) {
		return nil, models.NewForbiddenError("Account is banned")
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && in.Media == nil {
		return nil, models.NewValidationError("Message content or media is required")
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return nil, models.NewValidationError(fmt.Sprintf("Message must be at most %d characters", maxMessageLength))
	}

	msg := &models.Message{
		SenderID:   sender.ID,
		ReceiverID: in.ReceiverID,
		Content:    content,
		IsPrivate:  in.ReceiverID != nil,
		ReadBy:     []uint{},
	}

	if in.ReceiverID != nil {
		receiver, err := s.users.GetByID(ctx, *in.ReceiverID)
		if err != nil {
			return nil, err
		}
		msg.Receiver = receiver
	}

	var stored *StoredMedia
	if in.Media != nil {
		if s.media == nil {
			return nil, models.NewValidationError("Media uploads are not available")
		}
		stored, err = s.media.Save(ctx, *in.Media)
		if err != nil {
			return nil, err
		}
		msg.MediaURL = stored.URL
		msg.MediaType = stored.Type
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		s.media.Remove(stored)
		return nil, err
	}
	msg.Sender = sender

	slog.DebugContext(ctx, "message sent",
		slog.Uint64("message_id", uint64(msg.ID)),
		slog.Bool("private", msg.IsPrivate),
		slog.String("media_type", string(msg.MediaType)),
	)

	if s.events != nil {
		if msg.IsPrivate {
			s.events.SendToUser(ctx, *msg.ReceiverID, notifications.EventNewMessage, msg)
		} else {
			s.events.Broadcast(ctx, notifications.EventNewMessage, msg)
		}
	}
	return msg, nil
}

// List returns the public timeline when withUserID is nil, otherwise the
// conversation between userID and *withUserID. Newest first.
func (s *MessageService) List(ctx context.Context, userID uint, withUserID *uint, page, limit int) (*models.MessagePage, error) {
	if page < 1 {
		return nil, models.NewValidationError("page must be at least 1")
	}
	if limit < 1 {
		return nil, models.NewValidationError("limit must be at least 1")
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := (page - 1) * limit

	var (
		msgs  []models.Message
		total int64
		err   error
	)
	if withUserID == nil {
		msgs, total, err = s.messages.ListPublic(ctx, offset, limit)
	} else {
		msgs, total, err = s.messages.ListConversation(ctx, userID, *withUserID, offset, limit)
	}
	if err != nil {
		return nil, err
	}
	return &models.MessagePage{
		Messages:   msgs,
		Pagination: models.NewPagination(page, limit, total),
	}, nil
}

// MarkRead records that userID has read the message and tells the sender.
// Only the receiver may mark a private message read.
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID uint) (*models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsPrivate && (msg.ReceiverID == nil || *msg.ReceiverID != userID) {
		return nil, models.NewForbiddenError("Only the receiver can mark this message as read")
	}

	if err := s.messages.MarkRead(ctx, messageID, userID, s.now().UTC()); err != nil {
		return nil, err
	}
	if !slices.Contains(msg.ReadBy, userID) {
		msg.ReadBy = append(msg.ReadBy, userID)
	}

	if s.events != nil && msg.SenderID != userID {
		s.events.SendToUser(ctx, msg.SenderID, notifications.EventMessageRead, notifications.MessageReadPayload{
			MessageID: messageID,
			UserID:    userID,
		})
	}
	return msg, nil
}
