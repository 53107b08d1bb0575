package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"webchat/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configure the Seed preset.
type Options struct {
	NumUsers      int
	NumModerators int
	// MessagesPerUser is the number of public messages each user posts.
	MessagesPerUser int
	NumReports      int
	NumBans         int
	ShouldClean     bool
	SkipBcrypt      bool
}

// DefaultOptions is the preset used by `admin seed` when no flags are given.
func DefaultOptions() Options {
	return Options{
		NumUsers:        20,
		NumModerators:   2,
		MessagesPerUser: 3,
		NumReports:      4,
		NumBans:         1,
	}
}

// Result counts what Seed wrote.
type Result struct {
	Users    int
	Messages int
	Reports  int
	Bans     int
}

// Seed populates the database with a small, plausible community: regular
// users, a few moderators, public and private messages, pending reports and
// temporary bans.
func Seed(ctx context.Context, db *gorm.DB, opts Options) (*Result, error) {
	if opts.NumUsers < 2 {
		return nil, errors.New("seed needs at least 2 users")
	}
	if opts.NumModerators < 0 || opts.NumModerators >= opts.NumUsers {
		return nil, fmt.Errorf("moderator count must be between 0 and %d", opts.NumUsers-1)
	}

	db = db.WithContext(ctx)
	slog.Info("starting database seeding", slog.Int("users", opts.NumUsers))

	if opts.ShouldClean {
		if err := Clean(db); err != nil {
			return nil, fmt.Errorf("failed to clear existing data: %w", err)
		}
	}

	f := NewFactory(db, FactoryOptions{SkipBcrypt: opts.SkipBcrypt})
	res := &Result{}

	staff := make([]*models.User, 0, opts.NumModerators)
	members := make([]*models.User, 0, opts.NumUsers)
	for i := 0; i < opts.NumUsers; i++ {
		role := models.RoleUser
		if i < opts.NumModerators {
			role = models.RoleModerator
		}
		user, err := f.CreateStaff(role)
		if err != nil {
			return res, fmt.Errorf("failed to create users: %w", err)
		}
		res.Users++
		if role == models.RoleModerator {
			staff = append(staff, user)
		} else {
			members = append(members, user)
		}
	}
	everyone := append(append([]*models.User{}, staff...), members...)
	slog.Info("users created", slog.Int("count", res.Users), slog.Int("moderators", len(staff)))

	for _, sender := range everyone {
		for i := 0; i < opts.MessagesPerUser; i++ {
			if _, err := f.CreateMessage(sender, nil); err != nil {
				return res, fmt.Errorf("failed to create messages: %w", err)
			}
			res.Messages++
		}
	}

	// One private exchange per consecutive pair, the first line read.
	for i := 0; i+1 < len(everyone); i += 2 {
		a, b := everyone[i], everyone[i+1]
		first, err := f.CreateMessage(a, b)
		if err != nil {
			return res, fmt.Errorf("failed to create messages: %w", err)
		}
		if _, err := f.CreateMessage(b, a, func(m *models.Message) {
			m.CreatedAt = first.CreatedAt.Add(time.Minute)
		}); err != nil {
			return res, fmt.Errorf("failed to create messages: %w", err)
		}
		if err := f.MarkRead(first, b); err != nil {
			return res, fmt.Errorf("failed to mark message read: %w", err)
		}
		res.Messages += 2
	}
	slog.Info("messages created", slog.Int("count", res.Messages))

	if len(members) < 2 {
		return res, nil
	}

	for i := 0; i < opts.NumReports; i++ {
		reporter := members[gofakeit.Number(0, len(members)-1)]
		target := members[(i+1)%len(members)]
		if reporter.ID == target.ID {
			target = members[(i+2)%len(members)]
		}
		if _, err := f.CreateReport(reporter, target); err != nil {
			return res, fmt.Errorf("failed to create reports: %w", err)
		}
		res.Reports++
	}

	if len(staff) > 0 {
		for i := 0; i < opts.NumBans && i < len(members); i++ {
			target := members[len(members)-1-i]
			until := time.Now().UTC().Add(time.Duration(24*(i+1)) * time.Hour)
			if _, err := f.CreateBan(staff[0], target, "Seeded spam ban", &until); err != nil {
				return res, fmt.Errorf("failed to create bans: %w", err)
			}
			res.Bans++
		}
	}

	slog.Info("database seeding completed",
		slog.Int("users", res.Users),
		slog.Int("messages", res.Messages),
		slog.Int("reports", res.Reports),
		slog.Int("bans", res.Bans),
	)
	return res, nil
}

// Clean removes every row the seeder can write, children first.
func Clean(db *gorm.DB) error {
	slog.Info("clearing existing data")
	all := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped()
	for _, model := range []any{
		&models.MessageRead{},
		&models.Message{},
		&models.Report{},
		&models.BanRecord{},
		&models.User{},
	} {
		if err := all.Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
