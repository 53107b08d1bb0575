package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"webchat/internal/config"
	"webchat/internal/models"
	"webchat/internal/notifications"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type publishedEvent struct {
	UserID    uint
	Broadcast bool
	Type      string
	Payload   any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) SendToUser(_ context.Context, userID uint, eventType string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{UserID: userID, Type: eventType, Payload: payload})
}

func (p *recordingPublisher) Broadcast(_ context.Context, eventType string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Broadcast: true, Type: eventType, Payload: payload})
}

func (p *recordingPublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type messageFixture struct {
	svc *MessageService
	pub *recordingPublisher
	db  *gorm.DB
	dir string
}

func newMessageFixture(t *testing.T) messageFixture {
	t.Helper()
	db := newTestDB(t)
	dir := t.TempDir()
	pub := &recordingPublisher{}
	store := NewMediaStore(&config.Config{MediaStoragePath: dir, MediaMaxUploadMB: 1})
	return messageFixture{svc: NewMessageService(db, store, pub), pub: pub, db: db, dir: dir}
}

func TestMessageService_SendPublicAndPrivate(t *testing.T) {
	f := newMessageFixture(t)
	svc, pub := f.svc, f.pub
	ctx := context.Background()

	sender := createUser(t, f.db, models.RoleUser)
	receiver := createUser(t, f.db, models.RoleUser)

	public, err := svc.Send(ctx, SendMessageInput{SenderID: sender.ID, Content: "  hello all  "})
	require.NoError(t, err)
	assert.False(t, public.IsPrivate)
	assert.Nil(t, public.ReceiverID)
	assert.Equal(t, "hello all", public.Content)
	require.NotNil(t, public.Sender)
	assert.Equal(t, sender.Username, public.Sender.Username)

	private, err := svc.Send(ctx, SendMessageInput{SenderID: sender.ID, ReceiverID: &receiver.ID, Content: "psst"})
	require.NoError(t, err)
	assert.True(t, private.IsPrivate)

	events := pub.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].Broadcast)
	assert.Equal(t, notifications.EventNewMessage, events[0].Type)
	assert.Equal(t, receiver.ID, events[1].UserID)
	assert.Equal(t, notifications.EventNewMessage, events[1].Type)
}

func TestMessageService_SendValidation(t *testing.T) {
	f := newMessageFixture(t)
	svc, pub, db := f.svc, f.pub, f.db
	ctx := context.Background()

	sender := createUser(t, db, models.RoleUser)
	missing := uint(9999)

	_, err := svc.Send(ctx, SendMessageInput{SenderID: sender.ID, Content: "   "})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	_, err = svc.Send(ctx, SendMessageInput{SenderID: sender.ID, Content: strings.Repeat("a", maxMessageLength+1)})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	_, err = svc.Send(ctx, SendMessageInput{SenderID: sender.ID, ReceiverID: &missing, Content: "hi"})
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	assert.Empty(t, pub.all())
}

func TestMessageService_BannedSenderIsForbidden(t *testing.T) {
	f := newMessageFixture(t)
	svc, db := f.svc, f.db
	ctx := context.Background()

	mod := createUser(t, db, models.RoleModerator)
	sender := createUser(t, db, models.RoleUser)
	_, err := NewModerationService(db).BanUser(ctx, mod.ID, sender.ID, "spam", PermanentBan)
	require.NoError(t, err)

	_, err = svc.Send(ctx, SendMessageInput{SenderID: sender.ID, Content: "let me talk"})
	assert.True(t, models.IsCode(err, models.CodeForbidden))
}

func TestMessageService_SendWithMedia(t *testing.T) {
	f := newMessageFixture(t)
	svc, dir := f.svc, f.dir
	ctx := context.Background()
	sender := createUser(t, f.db, models.RoleUser)

	msg, err := svc.Send(ctx, SendMessageInput{
		SenderID: sender.ID,
		Media:    &UploadMediaInput{Filename: "dot.png", ContentType: "image/png", Content: pngHeader},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MediaImage, msg.MediaType)
	assert.True(t, strings.HasPrefix(msg.MediaURL, MediaURLPrefix+"/"))
	assert.True(t, strings.HasSuffix(msg.MediaURL, ".png"))

	_, err = os.Stat(filepath.Join(dir, filepath.Base(msg.MediaURL)))
	assert.NoError(t, err)
}

func TestMessageService_ListPaging(t *testing.T) {
	f := newMessageFixture(t)
	svc, db := f.svc, f.db
	ctx := context.Background()

	a := createUser(t, db, models.RoleUser)
	b := createUser(t, db, models.RoleUser)
	c := createUser(t, db, models.RoleUser)

	for i := 0; i < 3; i++ {
		_, err := svc.Send(ctx, SendMessageInput{SenderID: a.ID, Content: "public"})
		require.NoError(t, err)
	}
	_, err := svc.Send(ctx, SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "a to b"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendMessageInput{SenderID: b.ID, ReceiverID: &a.ID, Content: "b to a"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, SendMessageInput{SenderID: c.ID, ReceiverID: &a.ID, Content: "c to a"})
	require.NoError(t, err)

	page, err := svc.List(ctx, a.ID, nil, 1, 2)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.Equal(t, models.Pagination{Page: 1, Limit: 2, Total: 3, Pages: 2}, page.Pagination)

	page, err = svc.List(ctx, a.ID, nil, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)

	conv, err := svc.List(ctx, a.ID, &b.ID, 1, DefaultPageSize)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "b to a", conv.Messages[0].Content, "newest first")
	assert.Equal(t, int64(2), conv.Pagination.Total)

	capped, err := svc.List(ctx, a.ID, nil, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, capped.Pagination.Limit)

	_, err = svc.List(ctx, a.ID, nil, 0, 20)
	assert.True(t, models.IsCode(err, models.CodeValidation))
	_, err = svc.List(ctx, a.ID, nil, 1, 0)
	assert.True(t, models.IsCode(err, models.CodeValidation))
}

func TestMessageService_MarkRead(t *testing.T) {
	f := newMessageFixture(t)
	svc, pub, db := f.svc, f.pub, f.db
	ctx := context.Background()

	sender := createUser(t, db, models.RoleUser)
	receiver := createUser(t, db, models.RoleUser)
	outsider := createUser(t, db, models.RoleUser)

	private, err := svc.Send(ctx, SendMessageInput{SenderID: sender.ID, ReceiverID: &receiver.ID, Content: "secret"})
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, outsider.ID, private.ID)
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	msg, err := svc.MarkRead(ctx, receiver.ID, private.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{receiver.ID}, msg.ReadBy)

	msg, err = svc.MarkRead(ctx, receiver.ID, private.ID)
	require.NoError(t, err, "marking twice is harmless")
	assert.Equal(t, []uint{receiver.ID}, msg.ReadBy)

	events := pub.all()
	last := events[len(events)-1]
	assert.Equal(t, sender.ID, last.UserID)
	assert.Equal(t, notifications.EventMessageRead, last.Type)
	assert.Equal(t, notifications.MessageReadPayload{MessageID: private.ID, UserID: receiver.ID}, last.Payload)

	public, err := svc.Send(ctx, SendMessageInput{SenderID: sender.ID, Content: "hi all"})
	require.NoError(t, err)
	_, err = svc.MarkRead(ctx, outsider.ID, public.ID)
	assert.NoError(t, err, "anyone can read a public message")

	_, err = svc.MarkRead(ctx, receiver.ID, 9999)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}
