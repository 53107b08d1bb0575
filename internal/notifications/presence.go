package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	presenceIndexKey     = "presence:online"
	presenceUserKeyNS    = "presence:user:"
	presenceHeartbeatTTL = 90 * time.Second
	presenceReapInterval = 60 * time.Second
	defaultOfflineGrace  = 5 * time.Second
)

// presenceTracker counts this instance's channels per user and mirrors them
// into Redis so every instance agrees on who is online.
//
// Redis layout:
//
//	presence:user:<id>  ZSET instance id -> last heartbeat (unix ms)
//	presence:online     ZSET user id     -> last heartbeat (unix ms)
//
// A heartbeat older than heartbeatTTL counts as gone. The offline transition
// waits grace after the last local channel closes; the instance whose ZREM
// removes the user from presence:online is the one that announces it.
type presenceTracker struct {
	rdb          *redis.Client
	instance     string
	grace        time.Duration
	heartbeatTTL time.Duration
	now          func() time.Time

	onOnline  func(userID uint)
	onOffline func(userID uint)

	mu        sync.Mutex
	local     map[uint]int
	pending   map[uint]*time.Timer
	announced map[uint]bool

	stopOnce sync.Once
	stop     chan struct{}
}

func newPresenceTracker(rdb *redis.Client, grace time.Duration, onOnline, onOffline func(uint)) *presenceTracker {
	if grace < 0 {
		grace = 0
	}
	p := &presenceTracker{
		rdb:          rdb,
		instance:     uuid.NewString(),
		grace:        grace,
		heartbeatTTL: presenceHeartbeatTTL,
		now:          time.Now,
		onOnline:     onOnline,
		onOffline:    onOffline,
		local:        make(map[uint]int),
		pending:      make(map[uint]*time.Timer),
		announced:    make(map[uint]bool),
		stop:         make(chan struct{}),
	}
	if rdb != nil {
		go p.reapLoop(presenceReapInterval)
	}
	return p
}

// Close stops the reaper and drops pending offline timers.
func (p *presenceTracker) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		for id, t := range p.pending {
			t.Stop()
			delete(p.pending, id)
		}
		p.mu.Unlock()
	})
}

// Add counts a new local channel. The online transition fires when the user
// had neither a local channel nor a fresh heartbeat elsewhere.
func (p *presenceTracker) Add(ctx context.Context, userID uint) {
	p.mu.Lock()
	if t, ok := p.pending[userID]; ok {
		// Back inside the grace window.
		t.Stop()
		delete(p.pending, userID)
	}
	p.local[userID]++
	first := !p.announced[userID]
	p.announced[userID] = true
	p.mu.Unlock()

	if first && p.rdb != nil && p.indexedFresh(ctx, userID) {
		first = false
	}
	p.Heartbeat(ctx, userID)
	if first && p.onOnline != nil {
		p.onOnline(userID)
	}
}

// Heartbeat records that this instance still holds a channel for userID.
func (p *presenceTracker) Heartbeat(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	score := float64(p.now().UnixMilli())
	uid := formatUserID(userID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, p.userKey(userID), redis.Z{Score: score, Member: p.instance})
		pipe.Expire(ctx, p.userKey(userID), p.heartbeatTTL)
		pipe.ZAdd(ctx, presenceIndexKey, redis.Z{Score: score, Member: uid})
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "presence heartbeat failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
	}
}

// Remove drops one local channel. When it was the last one, this instance's
// heartbeat is withdrawn and the offline check runs after the grace window.
func (p *presenceTracker) Remove(ctx context.Context, userID uint) {
	p.mu.Lock()
	n := p.local[userID] - 1
	if n > 0 {
		p.local[userID] = n
		p.mu.Unlock()
		return
	}
	delete(p.local, userID)
	if t, ok := p.pending[userID]; ok {
		t.Stop()
	}
	p.pending[userID] = time.AfterFunc(p.grace, func() {
		p.settleOffline(context.Background(), userID)
	})
	p.mu.Unlock()

	if p.rdb != nil {
		if err := p.rdb.ZRem(ctx, p.userKey(userID), p.instance).Err(); err != nil {
			slog.WarnContext(ctx, "presence withdraw failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
		}
	}
}

// Online reports a local channel or a fresh heartbeat from any instance.
func (p *presenceTracker) Online(ctx context.Context, userID uint) bool {
	p.mu.Lock()
	n := p.local[userID]
	p.mu.Unlock()
	if n > 0 {
		return true
	}
	if p.rdb == nil {
		return false
	}
	count, err := p.rdb.ZCount(ctx, p.userKey(userID), p.freshSince(), "+inf").Result()
	return err == nil && count > 0
}

// OnlineIDs unions the fresh part of the shared index with local users.
func (p *presenceTracker) OnlineIDs(ctx context.Context) []uint {
	seen := make(map[uint]struct{})
	ids := make([]uint, 0)
	add := func(id uint) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if p.rdb != nil {
		members, err := p.rdb.ZRangeByScore(ctx, presenceIndexKey, &redis.ZRangeBy{
			Min: p.freshSince(),
			Max: "+inf",
		}).Result()
		if err != nil {
			slog.WarnContext(ctx, "presence index read failed", slog.Any("error", err))
		}
		for _, raw := range members {
			if id, ok := parseUserID(raw); ok {
				add(id)
			}
		}
	}

	p.mu.Lock()
	for id, n := range p.local {
		if n > 0 {
			add(id)
		}
	}
	p.mu.Unlock()
	return ids
}

func (p *presenceTracker) settleOffline(ctx context.Context, userID uint) {
	p.mu.Lock()
	delete(p.pending, userID)
	if p.local[userID] > 0 {
		p.mu.Unlock()
		return
	}
	announce := p.announced[userID]
	delete(p.announced, userID)
	p.mu.Unlock()

	if p.rdb != nil {
		if p.Online(ctx, userID) {
			// Still connected through another instance.
			return
		}
		removed, err := p.rdb.ZRem(ctx, presenceIndexKey, formatUserID(userID)).Result()
		if err == nil {
			announce = removed > 0
		}
	}
	if announce && p.onOffline != nil {
		p.onOffline(userID)
	}
}

// reap drops index entries whose heartbeat lapsed, which happens when an
// instance dies without closing its channels.
func (p *presenceTracker) reap(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	stale, err := p.rdb.ZRangeByScore(ctx, presenceIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + p.freshSince(),
	}).Result()
	if err != nil {
		return
	}
	for _, raw := range stale {
		userID, ok := parseUserID(raw)
		if !ok {
			_ = p.rdb.ZRem(ctx, presenceIndexKey, raw).Err()
			continue
		}
		p.mu.Lock()
		local := p.local[userID] > 0
		p.mu.Unlock()
		if local {
			p.Heartbeat(ctx, userID)
			continue
		}
		removed, err := p.rdb.ZRem(ctx, presenceIndexKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		p.mu.Lock()
		delete(p.announced, userID)
		p.mu.Unlock()
		if p.onOffline != nil {
			p.onOffline(userID)
		}
	}
}

func (p *presenceTracker) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap(context.Background())
		}
	}
}

func (p *presenceTracker) indexedFresh(ctx context.Context, userID uint) bool {
	score, err := p.rdb.ZScore(ctx, presenceIndexKey, formatUserID(userID)).Result()
	if err != nil {
		return false
	}
	return int64(score) >= p.now().Add(-p.heartbeatTTL).UnixMilli()
}

func (p *presenceTracker) freshSince() string {
	return strconv.FormatInt(p.now().Add(-p.heartbeatTTL).UnixMilli(), 10)
}

func (p *presenceTracker) userKey(userID uint) string {
	return presenceUserKeyNS + formatUserID(userID)
}

func formatUserID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseUserID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
