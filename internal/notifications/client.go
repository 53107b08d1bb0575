package notifications

import (
	"log/slog"
	"sync"
	"time"

	"webchat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Defaults for the heartbeat. pingPeriod must be less than pongWait.
	defaultPingPeriod = 5 * time.Second
	defaultPongWait   = 10 * time.Second

	// Maximum message size allowed from peer. SDP offers can be large.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// WSHub is implemented by anything that owns clients.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one relay channel: a middleman between the websocket connection
// and the hub.
type Client struct {
	Hub WSHub

	// The websocket connection. Nil in tests that only exercise routing.
	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	UserID uint

	// Callback for handling incoming messages
	IncomingHandler func(*Client, []byte)

	// OnActivity runs on every inbound frame and pong.
	OnActivity func(userID uint)

	pingPeriod time.Duration
	pongWait   time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

// NewClient creates a new Client instance
func NewClient(hub WSHub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		Hub:        hub,
		Conn:       conn,
		UserID:     userID,
		Send:       make(chan []byte, sendBufferSize),
		pingPeriod: defaultPingPeriod,
		pongWait:   defaultPongWait,
		done:       make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
	}
}

// SetHeartbeat overrides the ping interval and pong deadline.
func (c *Client) SetHeartbeat(ping, pong time.Duration) {
	if ping > 0 {
		c.pingPeriod = ping
	}
	if pong > c.pingPeriod {
		c.pongWait = pong
	}
}

// Close asks the write pump to flush queued frames, send a close frame with
// code and stop. Further calls are no-ops.
func (c *Client) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) touch() {
	if c.OnActivity != nil {
		c.OnActivity(c.UserID)
	}
}

// ReadPump pumps messages from the websocket connection to the hub. It
// returns when the peer goes away or misses the heartbeat.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		c.Close(websocket.CloseNormalClosure, "")
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Debug("relay read ended", slog.Uint64("user_id", uint64(c.UserID)), slog.Any("error", err))
			}
			break
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.touch()

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			if err := c.write(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	_, _ = w.Write(message)
	return w.Close()
}

// flush writes whatever is already queued so a final frame such as
// account_banned reaches the peer before the close frame.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.Send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// TrySend queues a message without blocking. A full buffer drops the message
// and tries to tell the client so it can re-fetch.
func (c *Client) TrySend(message []byte) bool {
	select {
	case <-c.done:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		return false
	default:
	}

	select {
	case c.Send <- message:
		return true
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
		slog.Warn("relay buffer full, dropped message",
			slog.Uint64("user_id", uint64(c.UserID)),
			slog.String("hub", c.Hub.Name()),
		)

		dropNotice := []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)
		select {
		case c.Send <- dropNotice:
		default:
		}
		return false
	}
}
