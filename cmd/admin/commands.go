package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"webchat/internal/database"
	"webchat/internal/models"
	"webchat/internal/seed"
	"webchat/internal/service"

	"gorm.io/gorm"
)

var errRefuseProduction = errors.New("refusing to seed a production database without --force")

type seedFlags struct {
	seed.Options
	force bool
}

func defaultSeedOptions() seed.Options {
	opts := seed.DefaultOptions()
	opts.ShouldClean = true
	return opts
}

func runMigrate(db *gorm.DB, out io.Writer) error {
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err := fmt.Fprintln(out, "schema is up to date")
	return err
}

func parseUserID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return uint(id), nil
}

func runSetRole(ctx context.Context, mod *service.ModerationService, out io.Writer, rawID, rawRole string) error {
	id, err := parseUserID(rawID)
	if err != nil {
		return err
	}
	role, err := models.ParseRole(rawRole)
	if err != nil {
		return err
	}
	user, err := mod.AssignRole(ctx, id, role)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s (id %d) is now %s\n", user.Username, user.ID, user.Role)
	return err
}

func runListStaff(ctx context.Context, db *gorm.DB, out io.Writer) error {
	var staff []models.User
	if err := db.WithContext(ctx).
		Where("role IN ?", []models.Role{models.RoleModerator, models.RoleAdmin}).
		Order("id ASC").
		Find(&staff).Error; err != nil {
		return fmt.Errorf("list staff: %w", err)
	}
	if len(staff) == 0 {
		_, err := fmt.Fprintln(out, "no moderators or admins")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tBANNED")
	for _, u := range staff {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", u.ID, u.Username, u.Email, u.Role, u.IsCurrentlyBanned(time.Now()))
	}
	return w.Flush()
}

func runSweepBans(ctx context.Context, mod *service.ModerationService, out io.Writer) error {
	ids, err := mod.SweepExpiredBans(ctx, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "cleared %d expired ban(s)\n", len(ids))
	return err
}

func runSeed(ctx context.Context, db *gorm.DB, out io.Writer, opts seed.Options) error {
	res, err := seed.Seed(ctx, db, opts)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "seeded %d users, %d messages, %d reports, %d bans\n",
		res.Users, res.Messages, res.Reports, res.Bans)
	return err
}
