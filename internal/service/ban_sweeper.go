package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// BanSweeper periodically clears elapsed temporary bans.
type BanSweeper struct {
	moderation *ModerationService
	runner     *cron.Cron
	entry      cron.EntryID
	now        func() time.Time
}

// NewBanSweeper schedules SweepExpiredBans on schedule, a standard cron expression
// or a descriptor such as "@every 10m". An empty schedule returns a nil sweeper.
func NewBanSweeper(moderation *ModerationService, schedule string) (*BanSweeper, error) {
	if schedule == "" {
		return nil, nil
	}

	logger := cronLogger{log: slog.Default().With(slog.String("component", "ban_sweeper"))}
	s := &BanSweeper{
		moderation: moderation,
		runner: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
		now: time.Now,
	}
	entry, err := s.runner.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			slog.Error("ban sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid ban sweep schedule %q: %w", schedule, err)
	}
	s.entry = entry
	return s, nil
}

// RunOnce performs a single sweep and returns the number of users unbanned.
func (s *BanSweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.moderation.SweepExpiredBans(ctx, s.now())
	return len(ids), err
}

// Start begins the schedule in its own goroutine. Safe on a nil sweeper.
func (s *BanSweeper) Start() {
	if s == nil {
		return
	}
	s.runner.Start()
	slog.Info("ban sweeper started", slog.Time("next_run", s.runner.Entry(s.entry).Next))
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// expire. Safe on a nil sweeper.
func (s *BanSweeper) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	select {
	case <-s.runner.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes the scheduler's logging through slog. Scheduler chatter
// (wake, run, next) goes to debug; skips and panics are not debug-only.
type cronLogger struct {
	log *slog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	level := slog.LevelDebug
	if msg == "skip" {
		level = slog.LevelWarn
	}
	l.log.Log(context.Background(), level, "cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron "+msg, append(keysAndValues, slog.Any("error", err))...)
}
