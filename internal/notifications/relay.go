package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"webchat/internal/featureflags"
	"webchat/internal/models"
	"webchat/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRelayFull       = errors.New("server connection limit reached")
	ErrUserConnLimit   = errors.New("user connection limit reached")
	ErrRelayShutdown   = errors.New("relay is shutting down")
	errCallsDisabled   = errors.New("video calls are disabled")
	errUnknownEvent    = errors.New("unknown event type")
	errMalformedFrame  = errors.New("malformed frame")
	errMissingReceiver = errors.New("receiverId is required")
)

// PresenceStore persists presence transitions.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID uint, online bool, at time.Time) error
	TouchLastSeen(ctx context.Context, userID uint, at time.Time) error
}

// RelayConfig holds connection limits and heartbeat timing.
type RelayConfig struct {
	MaxConnsPerUser int
	MaxTotalConns   int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	OfflineGrace    time.Duration
}

// DefaultRelayConfig returns the limits used when nothing is configured.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxConnsPerUser: 12,
		MaxTotalConns:   20000,
		PingInterval:    defaultPingPeriod,
		PongTimeout:     defaultPongWait,
		OfflineGrace:    defaultOfflineGrace,
	}
}

type broadcastEnvelope struct {
	Exclude uint            `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Relay maps user ids to their live channels, tracks presence and forwards
// typing and call-signaling frames between users. Delivery is best-effort
// and at-most-once: a frame for a user with no channel is dropped.
type Relay struct {
	mu         sync.RWMutex
	conns      map[uint]map[*Client]struct{}
	totalConns int
	closed     bool

	cfg      RelayConfig
	presence *presenceTracker
	store    PresenceStore
	notifier *Notifier
	flags    *featureflags.Manager
	now      func() time.Time

	stopSubscriber context.CancelFunc
}

// NewRelay creates a relay. rdb may be nil, in which case delivery and
// presence stay within this process.
func NewRelay(cfg RelayConfig, store PresenceStore, rdb *redis.Client) *Relay {
	def := DefaultRelayConfig()
	if cfg.MaxConnsPerUser <= 0 {
		cfg.MaxConnsPerUser = def.MaxConnsPerUser
	}
	if cfg.MaxTotalConns <= 0 {
		cfg.MaxTotalConns = def.MaxTotalConns
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}

	r := &Relay{
		conns:    make(map[uint]map[*Client]struct{}),
		cfg:      cfg,
		store:    store,
		notifier: NewNotifier(rdb),
		now:      time.Now,
	}
	r.presence = newPresenceTracker(rdb, cfg.OfflineGrace, r.userOnline, r.userOffline)
	return r
}

// Name returns a human-readable identifier for metrics and logs.
func (r *Relay) Name() string { return "relay" }

// SetFeatureFlags gates call signaling on the video_calls flag. Without flags
// every event is allowed.
func (r *Relay) SetFeatureFlags(m *featureflags.Manager) {
	r.flags = m
}

// Start subscribes to cross-instance traffic when Redis is configured. The
// subscription ends with ctx or Shutdown.
func (r *Relay) Start(ctx context.Context) error {
	if !r.notifier.Enabled() {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	if err := r.notifier.StartPatternSubscriber(subCtx, r.handleRemote); err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	r.stopSubscriber = cancel
	r.mu.Unlock()
	return nil
}

// Register adds a channel for userID. The first channel of a user makes them
// online.
func (r *Relay) Register(userID uint, conn *websocket.Conn) (*Client, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayShutdown
	}
	if r.totalConns >= r.cfg.MaxTotalConns {
		r.mu.Unlock()
		return nil, ErrRelayFull
	}
	m, ok := r.conns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		r.conns[userID] = m
	}
	if len(m) >= r.cfg.MaxConnsPerUser {
		r.mu.Unlock()
		return nil, ErrUserConnLimit
	}

	client := NewClient(r, conn, userID)
	client.SetHeartbeat(r.cfg.PingInterval, r.cfg.PongTimeout)
	client.IncomingHandler = r.HandleFrame
	client.OnActivity = func(uid uint) {
		r.presence.Heartbeat(context.Background(), uid)
	}
	m[client] = struct{}{}
	r.totalConns++
	r.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	r.presence.Add(context.Background(), userID)
	return client, nil
}

// UnregisterClient removes a channel. Closing a non-last channel only
// refreshes last_seen; the last one schedules the offline transition.
func (r *Relay) UnregisterClient(client *Client) {
	r.mu.Lock()
	removed := false
	remaining := 0
	if m, ok := r.conns[client.UserID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			r.totalConns--
			removed = true
		}
		remaining = len(m)
		if remaining == 0 {
			delete(r.conns, client.UserID)
		}
	}
	r.mu.Unlock()

	if !removed {
		return
	}
	observability.WebSocketConnectionsTotal.Dec()
	ctx := context.Background()
	r.presence.Remove(ctx, client.UserID)
	if remaining > 0 && r.store != nil {
		if err := r.store.TouchLastSeen(ctx, client.UserID, r.now().UTC()); err != nil {
			slog.Warn("failed to update last seen", slog.Uint64("user_id", uint64(client.UserID)), slog.Any("error", err))
		}
	}
}

// Serve runs the client's pumps and blocks until the channel closes.
func (r *Relay) Serve(client *Client) {
	go client.WritePump()
	client.ReadPump()
}

// IsOnline reports whether userID holds a live channel on any instance.
func (r *Relay) IsOnline(ctx context.Context, userID uint) bool {
	return r.presence.Online(ctx, userID)
}

// HasLocalChannels reports whether userID holds a channel on this instance.
func (r *Relay) HasLocalChannels(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// OnlineUsers lists online user ids in ascending order.
func (r *Relay) OnlineUsers(ctx context.Context) []uint {
	ids := r.presence.OnlineIDs(ctx)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleFrame routes one inbound frame from client.
func (r *Relay) HandleFrame(client *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		r.sendError(client, "", errMalformedFrame)
		return
	}

	ctx, span := observability.TraceWebSocket(context.Background(), frame.Type, client.UserID)
	defer span.End()

	if err := r.route(ctx, client.UserID, frame); err != nil {
		span.RecordError(err)
		r.sendError(client, frame.Type, err)
	}
}

func (r *Relay) route(ctx context.Context, from uint, frame Frame) error {
	switch frame.Type {
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		if p.ReceiverID == 0 {
			return errMissingReceiver
		}
		r.countEvent(frame.Type)
		r.forward(ctx, p.ReceiverID, frame.Type, UserRef{UserID: from})

	case EventCallRequest:
		if !r.callsEnabled(from) {
			return errCallsDisabled
		}
		var p CallRequestPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		if p.TargetUserID == 0 {
			return errMissingTarget
		}
		if err := checkDescription(p.Offer, "offer", webrtc.SDPTypeOffer); err != nil {
			return err
		}
		r.countEvent(frame.Type)
		r.forward(ctx, p.TargetUserID, EventIncomingCall, IncomingCallPayload{CallerID: from, Offer: *p.Offer})

	case EventCallResponse:
		if !r.callsEnabled(from) {
			return errCallsDisabled
		}
		var p CallResponsePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		if p.TargetUserID == 0 {
			return errMissingTarget
		}
		if err := checkDescription(p.Answer, "answer", webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer); err != nil {
			return err
		}
		r.countEvent(frame.Type)
		r.forward(ctx, p.TargetUserID, EventCallAnswered, CallAnsweredPayload{UserID: from, Answer: *p.Answer})

	case EventICECandidate:
		if !r.callsEnabled(from) {
			return errCallsDisabled
		}
		var p ICECandidatePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		if p.TargetUserID == 0 {
			return errMissingTarget
		}
		if p.Candidate == nil {
			return errors.New("candidate is required")
		}
		r.countEvent(frame.Type)
		r.forward(ctx, p.TargetUserID, EventICECandidate, ICEForwardPayload{UserID: from, Candidate: *p.Candidate})

	case EventEndCall:
		if !r.callsEnabled(from) {
			return errCallsDisabled
		}
		var p EndCallPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		if p.TargetUserID == 0 {
			return errMissingTarget
		}
		r.countEvent(frame.Type)
		r.forward(ctx, p.TargetUserID, EventCallEnded, UserRef{UserID: from})

	default:
		r.countEvent("unknown")
		return errUnknownEvent
	}
	return nil
}

func (r *Relay) countEvent(eventType string) {
	observability.WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}

func (r *Relay) callsEnabled(userID uint) bool {
	return r.flags == nil || r.flags.Enabled(featureflags.VideoCalls, userID)
}

// forward delivers a relay frame to target, or drops it when target has no
// live channel anywhere.
func (r *Relay) forward(ctx context.Context, target uint, eventType string, payload any) {
	if !r.presence.Online(ctx, target) {
		observability.RelayDroppedEvents.WithLabelValues(eventType).Inc()
		slog.DebugContext(ctx, "relay target offline, dropping event",
			slog.Uint64("target_id", uint64(target)),
			slog.String("event", eventType),
		)
		return
	}
	data, err := EncodeFrame(eventType, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode relay frame", slog.String("event", eventType), slog.Any("error", err))
		return
	}
	r.publishUser(ctx, target, data)
}

func (r *Relay) sendError(client *Client, eventType string, err error) {
	data, encErr := EncodeFrame(EventError, ErrorPayload{Message: err.Error(), Event: eventType})
	if encErr != nil {
		return
	}
	client.TrySend(data)
}

// SendToUser delivers a server-originated event to every channel of userID.
func (r *Relay) SendToUser(ctx context.Context, userID uint, eventType string, payload any) {
	data, err := EncodeFrame(eventType, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode event", slog.String("event", eventType), slog.Any("error", err))
		return
	}
	r.publishUser(ctx, userID, data)
}

// Broadcast delivers a server-originated event to every channel.
func (r *Relay) Broadcast(ctx context.Context, eventType string, payload any) {
	r.BroadcastExcept(ctx, eventType, payload, 0)
}

// BroadcastExcept delivers an event to every channel not owned by exclude.
func (r *Relay) BroadcastExcept(ctx context.Context, eventType string, payload any, exclude uint) {
	data, err := EncodeFrame(eventType, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode event", slog.String("event", eventType), slog.Any("error", err))
		return
	}
	if r.notifier.Enabled() {
		env, err := json.Marshal(broadcastEnvelope{Exclude: exclude, Frame: data})
		if err == nil {
			if err = r.notifier.PublishBroadcast(ctx, string(env)); err == nil {
				return
			}
		}
		slog.WarnContext(ctx, "relay broadcast publish failed, delivering locally", slog.Any("error", err))
	}
	r.broadcastLocal(data, exclude)
}

// NotifyBanned tells the user about the ban and closes all their channels.
func (r *Relay) NotifyBanned(ctx context.Context, user *models.User, record *models.BanRecord) {
	r.SendToUser(ctx, user.ID, EventAccountBanned, AccountBannedPayload{
		Reason:      record.Reason,
		BannedUntil: record.BannedUntil,
		Permanent:   record.Permanent(),
	})
	r.Disconnect(ctx, user.ID, "account banned")
}

// RejectBanned sends account_banned to one channel and closes it with policy
// violation. The handshake ban check runs before Register, so a ban that
// commits in between never reaches the new channel through NotifyBanned.
func (r *Relay) RejectBanned(client *Client, user *models.User) {
	data, err := EncodeFrame(EventAccountBanned, AccountBannedPayload{
		Reason:      user.BanReason,
		BannedUntil: user.BannedUntil,
		Permanent:   user.BannedUntil == nil,
	})
	if err == nil {
		client.TrySend(data)
	}
	client.Close(websocket.ClosePolicyViolation, "account banned")
}

// Disconnect closes every channel held by userID on every instance.
func (r *Relay) Disconnect(ctx context.Context, userID uint, reason string) {
	if r.notifier.Enabled() {
		err := r.notifier.PublishKick(ctx, userID, reason)
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "relay kick publish failed, disconnecting locally", slog.Any("error", err))
	}
	r.disconnectLocal(userID, reason)
}

func (r *Relay) publishUser(ctx context.Context, userID uint, data []byte) {
	if r.notifier.Enabled() {
		err := r.notifier.PublishUser(ctx, userID, string(data))
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "relay publish failed, delivering locally", slog.Any("error", err))
	}
	r.deliverLocal(userID, data)
}

func (r *Relay) clientsOf(userID uint) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.conns[userID]
	out := make([]*Client, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Relay) deliverLocal(userID uint, data []byte) int {
	delivered := 0
	for _, c := range r.clientsOf(userID) {
		if c.TrySend(data) {
			delivered++
		}
	}
	return delivered
}

func (r *Relay) broadcastLocal(data []byte, exclude uint) {
	r.mu.RLock()
	targets := make([]*Client, 0, r.totalConns)
	for uid, m := range r.conns {
		if uid == exclude {
			continue
		}
		for c := range m {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.TrySend(data)
	}
}

func (r *Relay) disconnectLocal(userID uint, reason string) {
	for _, c := range r.clientsOf(userID) {
		c.Close(websocket.ClosePolicyViolation, reason)
		r.UnregisterClient(c)
	}
}

func (r *Relay) handleRemote(channel, payload string) {
	if channel == broadcastChannel {
		var env broadcastEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			slog.Warn("invalid relay broadcast", slog.Any("error", err))
			return
		}
		r.broadcastLocal(env.Frame, env.Exclude)
		return
	}
	if userID, ok := parseChannelUser(channel, userChannelPrefix); ok {
		r.deliverLocal(userID, []byte(payload))
		return
	}
	if userID, ok := parseChannelUser(channel, kickChannelPrefix); ok {
		r.disconnectLocal(userID, payload)
		return
	}
	slog.Warn("invalid relay channel", slog.String("channel", channel))
}

func (r *Relay) userOnline(userID uint) {
	r.presenceChanged(userID, true)
}

func (r *Relay) userOffline(userID uint) {
	r.presenceChanged(userID, false)
}

func (r *Relay) presenceChanged(userID uint, online bool) {
	ctx := context.Background()
	now := r.now().UTC()
	status := StatusOffline
	if online {
		status = StatusOnline
	}

	if r.store != nil {
		if err := r.store.SetPresence(ctx, userID, online, now); err != nil {
			slog.Warn("failed to persist presence",
				slog.Uint64("user_id", uint64(userID)),
				slog.String("status", status),
				slog.Any("error", err),
			)
		}
	}
	slog.Debug("presence changed", slog.Uint64("user_id", uint64(userID)), slog.String("status", status))
	r.BroadcastExcept(ctx, EventUserStatus, UserStatusPayload{UserID: userID, Status: status, LastSeen: now}, userID)
}

// Shutdown closes every channel with a going-away frame and marks their
// users offline without waiting for the grace window.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.stopSubscriber != nil {
		r.stopSubscriber()
	}
	conns := r.conns
	r.conns = make(map[uint]map[*Client]struct{})
	r.totalConns = 0
	r.mu.Unlock()

	r.presence.Close()

	now := r.now().UTC()
	for userID, clients := range conns {
		for c := range clients {
			c.Close(websocket.CloseGoingAway, "Server shutting down")
			observability.WebSocketConnectionsTotal.Dec()
		}
		if r.store != nil {
			if err := r.store.SetPresence(ctx, userID, false, now); err != nil {
				slog.WarnContext(ctx, "failed to mark user offline on shutdown",
					slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
			}
		}
	}
	return nil
}
