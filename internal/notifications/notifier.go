// Package notifications implements the presence and signaling relay: live
// websocket channels per user, presence transitions and best-effort forwarding
// of typing and call-signaling events.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	userChannelPrefix = "relay:user:"
	kickChannelPrefix = "relay:kick:"
	broadcastChannel  = "relay:broadcast"
)

// Notifier publishes relay traffic into Redis so every instance can deliver
// to the channels it holds.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether publishes leave the process.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishUser sends an encoded frame to a user's channel.
func (n *Notifier) PublishUser(ctx context.Context, userID uint, payload string) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, UserChannel(userID), payload).Err()
}

// PublishBroadcast sends an encoded envelope to all instances.
func (n *Notifier) PublishBroadcast(ctx context.Context, payload string) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, broadcastChannel, payload).Err()
}

// PublishKick asks every instance to close the user's channels.
func (n *Notifier) PublishKick(ctx context.Context, userID uint, reason string) error {
	if !n.Enabled() {
		return nil
	}
	return n.rdb.Publish(ctx, KickChannel(userID), reason).Err()
}

// StartPatternSubscriber subscribes to all relay channels and calls onMessage
// for each incoming message until ctx is cancelled. The subscription is
// confirmed before it returns, so publishes made afterwards are not lost.
func (n *Notifier) StartPatternSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, userChannelPrefix+"*", kickChannelPrefix+"*", broadcastChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe relay channels: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("panic in relay subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

// UserChannel derives the Redis channel name for a user.
func UserChannel(userID uint) string {
	return userChannelPrefix + strconv.FormatUint(uint64(userID), 10)
}

// KickChannel derives the Redis channel used to disconnect a user.
func KickChannel(userID uint) string {
	return kickChannelPrefix + strconv.FormatUint(uint64(userID), 10)
}

// parseChannelUser extracts the user id from a prefixed channel name.
func parseChannelUser(channel, prefix string) (uint, bool) {
	raw, ok := strings.CutPrefix(channel, prefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
