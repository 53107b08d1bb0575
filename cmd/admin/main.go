// Command admin is the operator CLI for webchat: schema migration, staff
// roles, ban sweeps and development seeding.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"webchat/internal/bootstrap"
	"webchat/internal/config"
	"webchat/internal/database"
	"webchat/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// runtime is the state shared by every subcommand once PersistentPreRunE ran.
type runtime struct {
	cfg        *config.Config
	db         *gorm.DB
	redis      *redis.Client
	moderation *service.ModerationService
}

func (r *runtime) close() {
	if r.db != nil {
		if err := database.Close(r.db); err != nil {
			slog.Warn("failed to close database", slog.Any("error", err))
		}
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := &runtime{}
	root := newRootCmd(rt)
	err := root.ExecuteContext(ctx)
	rt.close()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(rt *runtime) *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "webchat operator tools",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			// migrate applies the schema itself, everything else gets the
			// usual startup behaviour.
			skipSchema := cmd.Name() == "migrate"
			db, rdb, err := bootstrap.InitRuntime(cmd.Context(), cfg, bootstrap.Options{SkipSchema: skipSchema})
			if err != nil {
				return err
			}
			rt.cfg = cfg
			rt.db = db
			rt.redis = rdb
			rt.moderation = service.NewModerationService(db)
			return nil
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(rt.db, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "promote <user-id>",
			Short: "Make a user an admin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSetRole(cmd.Context(), rt.moderation, cmd.OutOrStdout(), args[0], "admin")
			},
		},
		&cobra.Command{
			Use:   "set-role <user-id> <user|moderator|admin>",
			Short: "Assign any role to a user",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSetRole(cmd.Context(), rt.moderation, cmd.OutOrStdout(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "list-staff",
			Short: "List moderators and admins",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runListStaff(cmd.Context(), rt.db, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "sweep-bans",
			Short: "Clear bans whose expiry has passed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSweepBans(cmd.Context(), rt.moderation, cmd.OutOrStdout())
			},
		},
		newSeedCmd(rt),
	)
	return root
}

func newSeedCmd(rt *runtime) *cobra.Command {
	opts := seedFlags{Options: defaultSeedOptions()}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with fake users, messages, reports and bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfg.IsProduction() && !opts.force {
				return errRefuseProduction
			}
			return runSeed(cmd.Context(), rt.db, cmd.OutOrStdout(), opts.Options)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.NumUsers, "users", opts.NumUsers, "number of users to create")
	f.IntVar(&opts.NumModerators, "moderators", opts.NumModerators, "how many of the users are moderators")
	f.IntVar(&opts.MessagesPerUser, "messages", opts.MessagesPerUser, "public messages per user")
	f.IntVar(&opts.NumReports, "reports", opts.NumReports, "pending reports to file")
	f.IntVar(&opts.NumBans, "bans", opts.NumBans, "temporary bans to issue")
	f.BoolVar(&opts.ShouldClean, "clean", opts.ShouldClean, "delete existing data first")
	f.BoolVar(&opts.SkipBcrypt, "skip-bcrypt", opts.SkipBcrypt, "store a precomputed password hash (faster)")
	f.BoolVar(&opts.force, "force", false, "allow seeding a production database")
	return cmd
}
