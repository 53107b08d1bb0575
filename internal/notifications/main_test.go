package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 10 * time.Millisecond
)

const testSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type presenceCall struct {
	UserID uint
	Online bool
	Touch  bool
}

// fakeStore records presence writes.
type fakeStore struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (s *fakeStore) SetPresence(_ context.Context, userID uint, online bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, presenceCall{UserID: userID, Online: online})
	return nil
}

func (s *fakeStore) TouchLastSeen(_ context.Context, userID uint, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, presenceCall{UserID: userID, Touch: true})
	return nil
}

func (s *fakeStore) snapshot() []presenceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presenceCall(nil), s.calls...)
}

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.OfflineGrace = 30 * time.Millisecond
	return cfg
}

func mustFrame(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	require.NoError(t, err)
	return data
}

// nextFrame waits for the next queued frame on c.
func nextFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.Send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(testEventuallyTimeout):
		t.Fatalf("no frame delivered to user %d", c.UserID)
		return Frame{}
	}
}

// waitFor skips frames until one of eventType arrives.
func waitFor(t *testing.T, c *Client, eventType string) Frame {
	t.Helper()
	deadline := time.After(testEventuallyTimeout)
	for {
		select {
		case raw := <-c.Send:
			var f Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			if f.Type == eventType {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame delivered to user %d", eventType, c.UserID)
			return Frame{}
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected frame for user %d: %s", c.UserID, raw)
	case <-time.After(50 * time.Millisecond):
	}
}
