package server

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"webchat/internal/config"
	"webchat/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func (e *testEnv) postMultipart(t *testing.T, token string, fields map[string]string, filename string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("media", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/messages", &body)
	req.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSendMessage_PublicTimeline(t *testing.T) {
	env := newTestServer(t, false)
	alice := env.createUser(t, models.RoleUser)
	bob := env.createUser(t, models.RoleUser)

	resp := env.do(t, http.MethodPost, "/api/messages", env.token(t, alice), map[string]any{"content": "  hello all  "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg models.Message
	decodeJSON(t, resp, &msg)
	assert.Equal(t, "hello all", msg.Content)
	assert.False(t, msg.IsPrivate)
	assert.Nil(t, msg.ReceiverID)

	resp = env.do(t, http.MethodGet, "/api/messages", env.token(t, bob), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page models.MessagePage
	decodeJSON(t, resp, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)
	assert.Equal(t, models.Pagination{Page: 1, Limit: 20, Total: 1, Pages: 1}, page.Pagination)
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestServer(t, false)
	alice := env.createUser(t, models.RoleUser)
	tok := env.token(t, alice)

	resp := env.do(t, http.MethodPost, "/api/messages", tok, map[string]any{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/messages", tok, map[string]any{"content": "hi", "receiverId": 9999})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/messages", tok, map[string]any{"content": "hi", "receiverId": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/messages", "", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPrivateConversation_AndReadReceipts(t *testing.T) {
	env := newTestServer(t, false)
	alice := env.createUser(t, models.RoleUser)
	bob := env.createUser(t, models.RoleUser)
	carol := env.createUser(t, models.RoleUser)
	aliceTok, bobTok, carolTok := env.token(t, alice), env.token(t, bob), env.token(t, carol)

	resp := env.do(t, http.MethodPost, "/api/messages", aliceTok, map[string]any{"content": "hi bob", "receiverId": bob.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first models.Message
	decodeJSON(t, resp, &first)
	assert.True(t, first.IsPrivate)

	resp = env.do(t, http.MethodPost, "/api/messages", bobTok, map[string]any{"content": "hi alice", "receiverId": alice.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, tc := range []struct {
		token string
		peer  uint
		want  int
	}{
		{aliceTok, bob.ID, 2},
		{bobTok, alice.ID, 2},
		{carolTok, alice.ID, 0},
	} {
		resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/messages/%d", tc.peer), tc.token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var page models.MessagePage
		decodeJSON(t, resp, &page)
		assert.Len(t, page.Messages, tc.want)
	}

	// Private messages never reach the public timeline.
	resp = env.do(t, http.MethodGet, "/api/messages", carolTok, nil)
	var public models.MessagePage
	decodeJSON(t, resp, &public)
	assert.Empty(t, public.Messages)

	readPath := fmt.Sprintf("/api/messages/%d/read", first.ID)
	resp = env.do(t, http.MethodPut, readPath, carolTok, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPut, readPath, bobTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var read models.Message
	decodeJSON(t, resp, &read)
	assert.Contains(t, read.ReadBy, bob.ID)

	resp = env.do(t, http.MethodPut, "/api/messages/9999/read", bobTok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMessages_Pagination(t *testing.T) {
	env := newTestServer(t, false)
	alice := env.createUser(t, models.RoleUser)
	tok := env.token(t, alice)
	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/api/messages", tok, map[string]any{"content": fmt.Sprintf("post %d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/messages?page=2&limit=2", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page models.MessagePage
	decodeJSON(t, resp, &page)
	assert.Len(t, page.Messages, 1)
	assert.Equal(t, models.Pagination{Page: 2, Limit: 2, Total: 3, Pages: 2}, page.Pagination)

	resp = env.do(t, http.MethodGet, "/api/messages?limit=500", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &page)
	assert.Equal(t, 50, page.Pagination.Limit)

	resp = env.do(t, http.MethodGet, "/api/messages?page=0", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/messages/abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessage_MultipartMedia(t *testing.T) {
	env := newTestServer(t, false)
	alice := env.createUser(t, models.RoleUser)
	bob := env.createUser(t, models.RoleUser)
	tok := env.token(t, alice)

	resp := env.postMultipart(t, tok, map[string]string{
		"content":    "look",
		"receiverId": fmt.Sprint(bob.ID),
	}, "pixel.png", pngHeader)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg models.Message
	decodeJSON(t, resp, &msg)
	assert.Equal(t, models.MediaImage, msg.MediaType)
	assert.True(t, strings.HasPrefix(msg.MediaURL, "/uploads/"))
	require.NotNil(t, msg.ReceiverID)
	assert.Equal(t, bob.ID, *msg.ReceiverID)

	file, err := env.app.Test(httptest.NewRequest(http.MethodGet, msg.MediaURL, nil), -1)
	require.NoError(t, err)
	defer func() { _ = file.Body.Close() }()
	assert.Equal(t, http.StatusOK, file.StatusCode)

	// Media alone is enough.
	resp = env.postMultipart(t, tok, nil, "pixel.png", pngHeader)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.postMultipart(t, tok, map[string]string{"content": "x"}, "notes.txt", []byte("plain text"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.postMultipart(t, tok, map[string]string{"receiverId": "bob"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessage_MediaFlagOff(t *testing.T) {
	env := newTestServer(t, false, func(c *config.Config) {
		c.FeatureFlags = "media_uploads=off,video_calls=on"
	})
	alice := env.createUser(t, models.RoleUser)

	resp := env.postMultipart(t, env.token(t, alice), map[string]string{"content": "look"}, "pixel.png", pngHeader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
