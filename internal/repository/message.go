package repository

import (
	"context"
	"errors"
	"time"

	"webchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository stores chat messages and read receipts.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	ListPublic(ctx context.Context, offset, limit int) ([]models.Message, int64, error)
	ListConversation(ctx context.Context, userA, userB uint, offset, limit int) ([]models.Message, int64, error)
	MarkRead(ctx context.Context, messageID, userID uint, at time.Time) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a new MessageRepository implementation.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	if err := r.db.WithContext(ctx).Omit("Sender", "Receiver").Create(msg).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Preload("Sender").Preload("Receiver").First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, models.NewInternalError(err)
	}
	if err := r.attachReaders(ctx, []*models.Message{&msg}); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) page(ctx context.Context, scope func(*gorm.DB) *gorm.DB, offset, limit int) ([]models.Message, int64, error) {
	var total int64
	if err := scope(r.db.WithContext(ctx).Model(&models.Message{})).Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}

	msgs := make([]models.Message, 0, limit)
	err := scope(r.db.WithContext(ctx)).
		Preload("Sender").
		Preload("Receiver").
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, models.NewInternalError(err)
	}

	ptrs := make([]*models.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if err := r.attachReaders(ctx, ptrs); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (r *messageRepository) ListPublic(ctx context.Context, offset, limit int) ([]models.Message, int64, error) {
	return r.page(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("receiver_id IS NULL")
	}, offset, limit)
}

func (r *messageRepository) ListConversation(ctx context.Context, userA, userB uint, offset, limit int) ([]models.Message, int64, error) {
	return r.page(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
			userA, userB, userB, userA)
	}, offset, limit)
}

// MarkRead records a read receipt. Repeated reads keep the first timestamp.
func (r *messageRepository) MarkRead(ctx context.Context, messageID, userID uint, at time.Time) error {
	receipt := models.MessageRead{MessageID: messageID, UserID: userID, ReadAt: at}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipt).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *messageRepository) attachReaders(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]uint, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		m.ReadBy = []uint{}
	}

	var reads []models.MessageRead
	if err := r.db.WithContext(ctx).Where("message_id IN ?", ids).Order("read_at ASC").Find(&reads).Error; err != nil {
		return models.NewInternalError(err)
	}
	byMessage := make(map[uint][]uint, len(reads))
	for _, rd := range reads {
		byMessage[rd.MessageID] = append(byMessage[rd.MessageID], rd.UserID)
	}
	for _, m := range msgs {
		if readers, ok := byMessage[m.ID]; ok {
			m.ReadBy = readers
		}
	}
	return nil
}
