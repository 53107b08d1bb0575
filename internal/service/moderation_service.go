// Package service contains the business rules that sit between HTTP handlers
// and repositories.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"webchat/internal/cache"
	"webchat/internal/models"
	"webchat/internal/observability"
	"webchat/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	// PermanentBan is the duration value for a ban without expiry.
	PermanentBan = -1

	maxBanHours     = 24 * 365 * 10
	maxReasonLength = 500
)

// BanListener is notified after a ban has been committed.
type BanListener func(ctx context.Context, target *models.User, record *models.BanRecord)

// ModerationService is the single authority over roles, bans and reports.
// Every operation loads the acting user and checks its role itself.
type ModerationService struct {
	db      *gorm.DB
	users   repository.UserRepository
	bans    repository.BanRepository
	reports repository.ReportRepository
	now     func() time.Time
	onBan   []BanListener
}

// NewModerationService returns a ModerationService backed by db.
func NewModerationService(db *gorm.DB) *ModerationService {
	return &ModerationService{
		db:      db,
		users:   repository.NewUserRepository(db),
		bans:    repository.NewBanRepository(db),
		reports: repository.NewReportRepository(db),
		now:     time.Now,
	}
}

// OnBan registers fn to run after every committed ban.
func (s *ModerationService) OnBan(fn BanListener) {
	s.onBan = append(s.onBan, fn)
}

func (s *ModerationService) clock() time.Time {
	return s.now().UTC()
}

// authorize loads the acting user and requires at least min. Permission is
// decided before any target is looked up.
func (s *ModerationService) authorize(ctx context.Context, actorID uint, min models.Role) (*models.User, error) {
	actor, err := s.users.GetByID(ctx, actorID)
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			return nil, models.NewUnauthorizedError("Unknown user")
		}
		return nil, err
	}
	if actor.IsCurrentlyBanned(s.clock()) {
		return nil, models.NewForbiddenError("Account is banned")
	}
	if !actor.Role.AtLeast(min) {
		return nil, models.NewForbiddenError(fmt.Sprintf("%s role required", min))
	}
	return actor, nil
}

func recordAction(ctx context.Context, action string, attrs ...any) {
	observability.ModerationActionsTotal.WithLabelValues(action).Inc()
	slog.InfoContext(ctx, "moderation action", append([]any{slog.String("action", action)}, attrs...)...)
}

func cleanReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", models.NewValidationError("Reason is required")
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return "", models.NewValidationError(fmt.Sprintf("Reason must be at most %d characters", maxReasonLength))
	}
	return reason, nil
}

// ListUsers returns users matching filter and the total match count.
// Moderators and admins only.
func (s *ModerationService) ListUsers(ctx context.Context, actorID uint, filter models.UserFilter) ([]models.User, int64, error) {
	if _, err := s.authorize(ctx, actorID, models.RoleModerator); err != nil {
		return nil, 0, err
	}
	return s.users.List(ctx, filter)
}

// PromoteModerator gives target the moderator role. Admins only.
func (s *ModerationService) PromoteModerator(ctx context.Context, actorID, targetID uint) (*models.User, error) {
	return s.changeRole(ctx, actorID, targetID, models.RoleModerator, "promote")
}

// RevokeModerator returns target to the user role. Admins only.
func (s *ModerationService) RevokeModerator(ctx context.Context, actorID, targetID uint) (*models.User, error) {
	return s.changeRole(ctx, actorID, targetID, models.RoleUser, "revoke")
}

func (s *ModerationService) changeRole(ctx context.Context, actorID, targetID uint, role models.Role, action string) (_ *models.User, err error) {
	ctx, span := observability.StartSpan(ctx, "moderation."+action,
		attribute.Int64("moderation.target_id", int64(targetID)))
	defer span.EndWith(&err)

	if _, err := s.authorize(ctx, actorID, models.RoleAdmin); err != nil {
		return nil, err
	}

	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role == models.RoleAdmin {
		return nil, models.NewValidationError("Admin roles cannot be changed")
	}
	if target.Role == role {
		return target, nil
	}

	if err := s.users.UpdateRole(ctx, targetID, role); err != nil {
		return nil, err
	}
	target.Role = role
	recordAction(ctx, action,
		slog.Uint64("actor_id", uint64(actorID)),
		slog.Uint64("target_id", uint64(targetID)),
		slog.String("role", string(role)),
	)
	return target, nil
}

// AssignRole sets any role without an acting user. It backs the operator CLI,
// which already has direct database access.
func (s *ModerationService) AssignRole(ctx context.Context, targetID uint, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, models.NewValidationError("Invalid role")
	}
	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role == role {
		return target, nil
	}
	if err := s.users.UpdateRole(ctx, targetID, role); err != nil {
		return nil, err
	}
	target.Role = role
	recordAction(ctx, "assign_role",
		slog.Uint64("target_id", uint64(targetID)),
		slog.String("role", string(role)),
	)
	return target, nil
}

// BanUser records a ban in the ledger and flags the target in one
// transaction. durationHours is PermanentBan or a non-negative hour count.
func (s *ModerationService) BanUser(ctx context.Context, actorID, targetID uint, reason string, durationHours int) (_ *models.BanRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "moderation.ban",
		attribute.Int64("moderation.target_id", int64(targetID)),
		attribute.Int("moderation.duration_hours", durationHours))
	defer span.EndWith(&err)

	actor, err := s.authorize(ctx, actorID, models.RoleModerator)
	if err != nil {
		return nil, err
	}

	reason, err = cleanReason(reason)
	if err != nil {
		return nil, err
	}
	if durationHours != PermanentBan && (durationHours < 0 || durationHours > maxBanHours) {
		return nil, models.NewValidationError(fmt.Sprintf("Duration must be -1 (permanent) or between 0 and %d hours", maxBanHours))
	}
	now := s.clock()
	var until *time.Time
	if durationHours != PermanentBan {
		t := now.Add(time.Duration(durationHours) * time.Hour)
		until = &t
	}

	var target *models.User
	record := &models.BanRecord{
		UserID:      targetID,
		Reason:      reason,
		BannedByID:  actorID,
		BannedAt:    now,
		BannedUntil: until,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := repository.NewUserRepository(tx)
		var err error
		target, err = users.GetByID(ctx, targetID)
		if err != nil {
			return err
		}
		if target.Role == models.RoleAdmin {
			return models.NewForbiddenError("Admins cannot be banned")
		}
		if err := repository.NewBanRepository(tx).Create(ctx, record); err != nil {
			return err
		}
		return users.ApplyBan(ctx, targetID, record.ID, reason, until)
	})
	// Reads inside the transaction may have cached the pre-ban row.
	cache.InvalidateUser(ctx, targetID)
	if err != nil {
		return nil, err
	}

	target.IsBanned = true
	target.BanReason = reason
	target.BannedUntil = until
	target.ActiveBanID = &record.ID
	record.BannedBy = actor

	recordAction(ctx, "ban",
		slog.Uint64("actor_id", uint64(actorID)),
		slog.Uint64("target_id", uint64(targetID)),
		slog.Uint64("ban_id", uint64(record.ID)),
		slog.Bool("permanent", until == nil),
	)
	for _, fn := range s.onBan {
		fn(ctx, target, record)
	}
	return record, nil
}

// UnbanUser clears the target's ban. Unbanning a user who is not banned
// succeeds. Ledger history is kept.
func (s *ModerationService) UnbanUser(ctx context.Context, actorID, targetID uint) (_ *models.User, err error) {
	ctx, span := observability.StartSpan(ctx, "moderation.unban",
		attribute.Int64("moderation.target_id", int64(targetID)))
	defer span.EndWith(&err)

	if _, err := s.authorize(ctx, actorID, models.RoleModerator); err != nil {
		return nil, err
	}
	if err := s.users.ClearBan(ctx, targetID); err != nil {
		return nil, err
	}
	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	recordAction(ctx, "unban",
		slog.Uint64("actor_id", uint64(actorID)),
		slog.Uint64("target_id", uint64(targetID)),
	)
	return target, nil
}

// GetBanHistory returns the target's ledger, newest first.
func (s *ModerationService) GetBanHistory(ctx context.Context, actorID, targetID uint) ([]models.BanHistoryEntry, error) {
	if _, err := s.authorize(ctx, actorID, models.RoleModerator); err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		return nil, err
	}
	records, err := s.bans.ListByUser(ctx, targetID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.BanHistoryEntry, len(records))
	for i, rec := range records {
		entries[i] = rec.HistoryEntry()
	}
	return entries, nil
}

// ReportUser files a pending report. Any signed-in user may report, more than
// once, and self-reports are accepted.
func (s *ModerationService) ReportUser(ctx context.Context, reporterID, targetID uint, reason string) (*models.Report, error) {
	if _, err := s.authorize(ctx, reporterID, models.RoleUser); err != nil {
		return nil, err
	}
	reason, err := cleanReason(reason)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		return nil, err
	}

	report := &models.Report{
		ReportedUserID: targetID,
		ReportedByID:   reporterID,
		Reason:         reason,
		Status:         models.ReportPending,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, err
	}
	recordAction(ctx, "report",
		slog.Uint64("reporter_id", uint64(reporterID)),
		slog.Uint64("target_id", uint64(targetID)),
		slog.Uint64("report_id", uint64(report.ID)),
	)
	return report, nil
}

// GetReports lists reports newest first.
func (s *ModerationService) GetReports(ctx context.Context, actorID uint, filter models.ReportFilter) ([]models.ReportView, error) {
	if _, err := s.authorize(ctx, actorID, models.RoleModerator); err != nil {
		return nil, err
	}
	reports, err := s.reports.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]models.ReportView, len(reports))
	for i, r := range reports {
		views[i] = r.View()
	}
	return views, nil
}

// ResolveReport closes a pending report. A second resolve is a Conflict and
// never reopens the report.
func (s *ModerationService) ResolveReport(ctx context.Context, actorID, reportID uint, resolution string) (_ *models.ReportView, err error) {
	ctx, span := observability.StartSpan(ctx, "moderation.resolve_report",
		attribute.Int64("moderation.report_id", int64(reportID)))
	defer span.EndWith(&err)

	if _, err := s.authorize(ctx, actorID, models.RoleModerator); err != nil {
		return nil, err
	}
	resolution = strings.TrimSpace(resolution)
	if utf8.RuneCountInString(resolution) > maxReasonLength {
		return nil, models.NewValidationError(fmt.Sprintf("Resolution must be at most %d characters", maxReasonLength))
	}

	resolved, err := s.reports.Resolve(ctx, reportID, actorID, resolution, s.clock())
	if err != nil {
		return nil, err
	}
	report, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return nil, models.NewConflictError("Report already resolved")
	}

	recordAction(ctx, "resolve_report",
		slog.Uint64("actor_id", uint64(actorID)),
		slog.Uint64("report_id", uint64(reportID)),
	)
	view := report.View()
	return &view, nil
}

// SweepExpiredBans clears bans whose expiry is at or before now and returns
// the affected user ids. Read paths use User.IsCurrentlyBanned and do not
// depend on the sweep having run.
func (s *ModerationService) SweepExpiredBans(ctx context.Context, now time.Time) ([]uint, error) {
	ids, err := s.users.ClearExpiredBans(ctx, now.UTC())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		observability.ModerationActionsTotal.WithLabelValues("expire").Add(float64(len(ids)))
		slog.InfoContext(ctx, "expired bans cleared", slog.Int("count", len(ids)))
	}
	return ids, nil
}
