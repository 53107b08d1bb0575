package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"webchat/internal/config"
	"webchat/internal/database"
	"webchat/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testSecret   = "test-secret-key-12345678901234567890"
	testPassword = "Password123!"
	testOrigin   = "http://localhost:5173"
)

type testEnv struct {
	srv   *Server
	app   *fiber.App
	db    *gorm.DB
	redis *miniredis.Miniredis
}

type testOption func(*config.Config)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Env:                      "test",
		Port:                     "0",
		JWTSecret:                testSecret,
		JWTExpiryHours:           1,
		AllowedOrigins:           testOrigin,
		FeatureFlags:             "media_uploads=on,video_calls=on",
		RateLimitMax:             1000,
		RateLimitWindowMinutes:   1,
		MediaStoragePath:         filepath.Join(t.TempDir(), "uploads"),
		MediaMaxUploadMB:         1,
		RelayPingIntervalSeconds: 5,
		RelayPongTimeoutSeconds:  10,
		RelayOfflineGraceSeconds: 0,
		STUNURLs:                 "stun:stun.l.google.com:19302",
	}
}

// newTestServer builds a Server on a temporary SQLite database. withRedis
// attaches a miniredis instance for tickets, revocation and relay fan-out.
func newTestServer(t *testing.T, withRedis bool, opts ...testOption) *testEnv {
	t.Helper()
	t.Setenv("APP_ENV", "test")

	cfg := testConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := database.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db") + "?_foreign_keys=on"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	env := &testEnv{db: db}
	var rdb *redis.Client
	if withRedis {
		env.redis = miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	}

	srv, err := NewServerWithDeps(cfg, db, rdb)
	require.NoError(t, err)
	env.srv = srv
	env.app = srv.NewApp()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.relay.Shutdown(ctx)
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = database.Close(db)
	})
	return env
}

var userSeq atomic.Int64

// createUser inserts a user whose password is testPassword.
func (e *testEnv) createUser(t *testing.T, role models.Role) *models.User {
	t.Helper()
	n := userSeq.Add(1)
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	u := &models.User{
		Username: fmt.Sprintf("member%d", n),
		Email:    fmt.Sprintf("member%d@example.com", n),
		Password: string(hash),
		Role:     role,
		LastSeen: time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) token(t *testing.T, u *models.User) string {
	t.Helper()
	tok, err := e.srv.sessions.Issue(u)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) reload(t *testing.T, id uint) *models.User {
	t.Helper()
	var u models.User
	require.NoError(t, e.db.First(&u, id).Error)
	return &u
}

// do sends a JSON request, authenticated when token is not empty.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}
