// Package seed provides helpers to create test and demo data for the
// application database. These helpers are intended for development and
// testing only.
package seed

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"webchat/internal/database"
	"webchat/internal/models"
	"webchat/internal/validation"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is the plaintext password of every seeded account.
const DefaultPassword = "Password123!"

const usernameAttempts = 5

// FactoryOptions tune how a Factory persists what it builds.
type FactoryOptions struct {
	// SkipBcrypt stores DefaultPassword unhashed. Only useful for tests that
	// never log in.
	SkipBcrypt bool
	// DryRun assigns synthetic IDs instead of writing to the database.
	DryRun bool
	// MaxDays spreads message timestamps over the last MaxDays days.
	MaxDays int
}

// Factory builds domain entities and persists them to the database.
// It is a thin helper used by seed presets and tests.
type Factory struct {
	db   *gorm.DB
	opts FactoryOptions
	rng  *rand.Rand
	hash string
	// synthetic ID counter when running in DryRun mode
	nextID uint
}

// NewFactory creates a new Factory bound to the provided Gorm DB.
func NewFactory(db *gorm.DB, opts FactoryOptions) *Factory {
	seed := time.Now().UnixNano()
	gofakeit.Seed(seed)
	if opts.MaxDays <= 0 {
		opts.MaxDays = 30
	}
	//nolint:gosec // Weak random number generator is fine for seeding
	return &Factory{db: db, opts: opts, rng: rand.New(rand.NewSource(seed)), nextID: 1000}
}

func (f *Factory) password() (string, error) {
	if f.opts.SkipBcrypt {
		return DefaultPassword, nil
	}
	if f.hash == "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("hash seed password: %w", err)
		}
		f.hash = string(hashed)
	}
	return f.hash, nil
}

// Username returns a random name that passes validation.ValidateUsername.
func (f *Factory) Username() string {
	base := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return -1
		}
		return unicode.ToLower(r)
	}, gofakeit.FirstName())
	if len(base) < 3 {
		base = "user"
	}
	suffix := fmt.Sprintf("_%04d", f.rng.Intn(10000))
	if max := validation.MaxUsernameLength - len(suffix); len(base) > max {
		base = base[:max]
	}
	return base + suffix
}

// BuildUser constructs a sample user without persisting it.
func (f *Factory) BuildUser(overrides ...func(*models.User)) (*models.User, error) {
	password, err := f.password()
	if err != nil {
		return nil, err
	}
	username := f.Username()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: password,
		Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", gofakeit.UUID()),
		Role:     models.RoleUser,
		LastSeen: time.Now().UTC().Add(-time.Duration(f.rng.Intn(72)) * time.Hour),
	}
	for _, override := range overrides {
		override(user)
	}
	return user, nil
}

// CreateUser constructs and persists a sample user. Optional override
// functions may modify the generated user before saving. A username clash
// without an explicit override is retried with a fresh name.
func (f *Factory) CreateUser(overrides ...func(*models.User)) (*models.User, error) {
	var lastErr error
	for attempt := 0; attempt < usernameAttempts; attempt++ {
		user, err := f.BuildUser(overrides...)
		if err != nil {
			return nil, err
		}

		if f.opts.DryRun {
			f.nextID++
			user.ID = f.nextID
			slog.Debug("[dry-run] CreateUser", slog.String("username", user.Username))
			return user, nil
		}

		err = f.db.Create(user).Error
		if err == nil {
			return user, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("could not find a free username: %w", lastErr)
}

// CreateStaff persists a user holding role.
func (f *Factory) CreateStaff(role models.Role) (*models.User, error) {
	return f.CreateUser(func(u *models.User) { u.Role = role })
}

func (f *Factory) pastTime() time.Time {
	back := time.Duration(f.rng.Intn(f.opts.MaxDays*24*60)) * time.Minute
	return time.Now().UTC().Add(-back)
}

// CreateMessage constructs and persists a message from sender. A nil
// receiver puts it on the public timeline.
func (f *Factory) CreateMessage(sender, receiver *models.User, overrides ...func(*models.Message)) (*models.Message, error) {
	message := &models.Message{
		SenderID:  sender.ID,
		Content:   gofakeit.Sentence(f.rng.Intn(12) + 3),
		CreatedAt: f.pastTime(),
	}
	if receiver != nil {
		message.ReceiverID = &receiver.ID
		message.IsPrivate = true
	}

	for _, override := range overrides {
		override(message)
	}

	if f.opts.DryRun {
		f.nextID++
		message.ID = f.nextID
		return message, nil
	}
	if err := f.db.Create(message).Error; err != nil {
		return nil, err
	}
	return message, nil
}

// MarkRead records that reader has read message.
func (f *Factory) MarkRead(message *models.Message, reader *models.User) error {
	if f.opts.DryRun {
		return nil
	}
	read := &models.MessageRead{MessageID: message.ID, UserID: reader.ID, ReadAt: time.Now().UTC()}
	return f.db.Create(read).Error
}

// CreateReport persists a pending report filed by reporter against target.
func (f *Factory) CreateReport(reporter, target *models.User, overrides ...func(*models.Report)) (*models.Report, error) {
	report := &models.Report{
		ReportedUserID: target.ID,
		ReportedByID:   reporter.ID,
		Reason:         gofakeit.Sentence(6),
		Status:         models.ReportPending,
		CreatedAt:      f.pastTime(),
	}

	for _, override := range overrides {
		override(report)
	}

	if f.opts.DryRun {
		f.nextID++
		report.ID = f.nextID
		return report, nil
	}
	if err := f.db.Create(report).Error; err != nil {
		return nil, err
	}
	return report, nil
}

// CreateBan writes a ledger entry and applies it to target in one
// transaction. A nil until makes the ban permanent.
func (f *Factory) CreateBan(moderator, target *models.User, reason string, until *time.Time) (*models.BanRecord, error) {
	record := &models.BanRecord{
		UserID:      target.ID,
		Reason:      reason,
		BannedByID:  moderator.ID,
		BannedAt:    time.Now().UTC(),
		BannedUntil: until,
	}

	if f.opts.DryRun {
		f.nextID++
		record.ID = f.nextID
		return record, nil
	}

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", target.ID).Updates(map[string]any{
			"is_banned":     true,
			"ban_reason":    reason,
			"banned_until":  until,
			"active_ban_id": record.ID,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	target.IsBanned = true
	target.BanReason = reason
	target.BannedUntil = until
	target.ActiveBanID = &record.ID
	return record, nil
}
