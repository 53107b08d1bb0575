// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"webchat/internal/bootstrap"
	"webchat/internal/config"
	"webchat/internal/database"
	"webchat/internal/featureflags"
	"webchat/internal/middleware"
	"webchat/internal/models"
	"webchat/internal/notifications"
	"webchat/internal/repository"
	"webchat/internal/service"
	"webchat/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	lastSeenCacheSize = 4096
	// lastSeenThrottle bounds how often one user's requests write last_seen.
	lastSeenThrottle = time.Minute
)

// Server holds all dependencies and provides handlers
type Server struct {
	config       *config.Config
	db           *gorm.DB
	redis        *redis.Client
	app          *fiber.App
	shutdownCtx  context.Context
	shutdownFn   context.CancelFunc
	sessions     *session.Manager
	userRepo     repository.UserRepository
	moderation   *service.ModerationService
	messages     *service.MessageService
	media        *service.MediaStore
	relay        *notifications.Relay
	sweeper      *service.BanSweeper
	featureFlags *featureflags.Manager
	lastSeen     *lru.Cache
	now          func() time.Time
}

// NewServer connects to the database and Redis and builds a Server on them.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, rdb, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, rdb)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil; the relay then stays process-local and WebSocket
// tickets are unavailable.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	userRepo := repository.NewUserRepository(db)
	flags := featureflags.NewManager(cfg.FeatureFlags)

	relay := notifications.NewRelay(notifications.RelayConfig{
		MaxConnsPerUser: cfg.RelayMaxConnsPerUser,
		MaxTotalConns:   cfg.RelayMaxTotalConns,
		PingInterval:    time.Duration(cfg.RelayPingIntervalSeconds) * time.Second,
		PongTimeout:     time.Duration(cfg.RelayPongTimeoutSeconds) * time.Second,
		OfflineGrace:    time.Duration(cfg.RelayOfflineGraceSeconds) * time.Second,
	}, userRepo, redisClient)
	relay.SetFeatureFlags(flags)

	moderation := service.NewModerationService(db)
	moderation.OnBan(relay.NotifyBanned)

	media := service.NewMediaStore(cfg)

	sweeper, err := service.NewBanSweeper(moderation, cfg.BanSweepSchedule)
	if err != nil {
		return nil, err
	}

	lastSeen, err := lru.New(lastSeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("last seen cache: %w", err)
	}

	return &Server{
		config:       cfg,
		db:           db,
		redis:        redisClient,
		sessions:     session.NewManager(cfg.JWTSecret, time.Duration(cfg.JWTExpiryHours)*time.Hour, redisClient),
		userRepo:     userRepo,
		moderation:   moderation,
		messages:     service.NewMessageService(db, media, relay),
		media:        media,
		relay:        relay,
		sweeper:      sweeper,
		featureFlags: flags,
		lastSeen:     lastSeen,
		now:          time.Now,
	}, nil
}

// NewApp builds the Fiber application with middleware and routes mounted.
func (s *Server) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "webchat API",
		// Multipart overhead on top of the largest accepted attachment.
		BodyLimit: int(s.media.MaxUploadBytes()) + 1024*1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				return models.RespondWithError(c, fiberErr.Code, errors.New(fiberErr.Message))
			}
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.MetricsMiddleware())

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS middleware should run before middlewares that can short-circuit (e.g. limiter)
	// so browser clients still receive CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400, // 24 hours
	}))

	limit := s.config.RateLimitMax
	if limit <= 0 {
		limit = 100
	}
	window := time.Duration(s.config.RateLimitWindowMinutes) * time.Minute
	if window <= 0 {
		window = 15 * time.Minute
	}
	app.Use(limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		// Never rate-limit preflight requests; they should be handled by CORS.
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	middleware.RegisterMetricsRoute(app, "/metrics")
	app.Static(service.MediaURLPrefix, s.media.Dir(), fiber.Static{Browse: false})

	api := app.Group("/api")
	api.Get("/health", s.HealthCheck)

	auth := api.Group("/auth")
	auth.Post("/register", middleware.RateLimit(
		s.redis, 5, 10*time.Minute, "register"), s.Register)
	auth.Post("/login", middleware.RateLimit(
		s.redis, 10, 5*time.Minute, "login"), s.Login)
	auth.Post("/logout", s.AuthRequired(), s.Logout)
	auth.Get("/me", s.AuthRequired(), s.TrackLastSeen(), s.Me)

	moderation := api.Group("/moderation", s.AuthRequired(), s.TrackLastSeen())
	staff := s.RequireRole(models.RoleModerator)
	admin := s.RequireRole(models.RoleAdmin)
	moderation.Get("/users", staff, s.ListUsers)
	moderation.Post("/promote/:userId", admin, s.PromoteModerator)
	moderation.Post("/revoke/:userId", admin, s.RevokeModerator)
	moderation.Post("/ban/:userId", staff, s.BanUser)
	moderation.Post("/unban/:userId", staff, s.UnbanUser)
	moderation.Get("/ban-history/:userId", staff, s.GetBanHistory)
	moderation.Post("/report/:userId", middleware.RateLimit(
		s.redis, 10, time.Hour, "report"), s.ReportUser)
	moderation.Get("/reports", staff, s.GetReports)
	moderation.Post("/resolve-report/:reportId", staff, s.ResolveReport)

	messages := api.Group("/messages", s.AuthRequired(), s.TrackLastSeen())
	messages.Post("/", middleware.RateLimit(
		s.redis, 30, time.Minute, "send_message"), s.SendMessage)
	messages.Get("/", s.GetMessages)
	// Specific /:messageId/read before the generic /:receiverId
	messages.Put("/:messageId/read", s.MarkMessageRead)
	messages.Get("/:receiverId", s.GetMessages)

	api.Get("/users/online", s.AuthRequired(), s.TrackLastSeen(), s.GetOnlineUsers)
	api.Get("/calls/ice-servers", s.AuthRequired(), s.TrackLastSeen(), s.GetICEServers)
	api.Get("/features", s.AuthRequired(), s.TrackLastSeen(), s.GetFeatureFlags)

	api.Post("/ws/ticket", s.AuthRequired(), s.IssueWSTicket)
	api.Get("/ws", s.AuthRequired(), s.WebSocketUpgrade, s.WebSocketHandler())
}

// HealthCheck is a simple alias for ReadinessCheck
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	return s.ReadinessCheck(c)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   s.now().UTC(),
	})
}

// ReadinessCheck handles readiness probe requests. Redis is optional: its
// absence degrades the relay to a single instance but does not fail readiness.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": s.now().UTC(),
	})
}

// AuthRequired resolves the caller from a single-use WebSocket ticket
// (?ticket=) or a session token, storing the id in c.Locals("userID").
func (s *Server) AuthRequired() fiber.Handler {
	tokenAuth := middleware.AuthRequired(s.sessions)
	return func(c *fiber.Ctx) error {
		ticket := c.Query("ticket")
		if ticket == "" {
			return tokenAuth(c)
		}

		userID, err := s.sessions.RedeemTicket(c.UserContext(), ticket)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid or expired WebSocket ticket"))
		}
		c.Locals(middleware.LocalUserID, userID)
		c.SetUserContext(middleware.WithUserID(c.UserContext(), userID))
		return c.Next()
	}
}

// TrackLastSeen records authenticated activity, writing last_seen at most
// once per lastSeenThrottle per user. Must be placed after AuthRequired.
func (s *Server) TrackLastSeen() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := middleware.CurrentUserID(c)
		if !ok {
			return c.Next()
		}
		now := s.now()
		if last, hit := s.lastSeen.Get(userID); hit {
			if at, _ := last.(time.Time); now.Sub(at) < lastSeenThrottle {
				return c.Next()
			}
		}
		s.lastSeen.Add(userID, now)
		if err := s.userRepo.TouchLastSeen(c.UserContext(), userID, now.UTC()); err != nil {
			slog.WarnContext(c.UserContext(), "failed to update last seen", slog.Any("error", err))
		}
		return c.Next()
	}
}

// RequireRole rejects callers ranked below min with 403. Must be placed
// after AuthRequired so that userID is available in locals.
func (s *Server) RequireRole(min models.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := s.currentUser(c)
		if err != nil {
			return nil
		}
		if !user.Role.AtLeast(min) {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError(fmt.Sprintf("%s role required", min)))
		}
		return c.Next()
	}
}

// Start runs the relay subscriber and the ban sweeper, then serves HTTP until
// Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	s.app = s.NewApp()

	if err := s.relay.Start(ctx); err != nil {
		slog.Warn("relay fan-out unavailable, delivering locally only", slog.Any("error", err))
	}
	s.sweeper.Start()

	slog.Info("server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	// Relay channels are hijacked connections; close them before the HTTP
	// server waits for open connections.
	if err := s.relay.Shutdown(ctx); err != nil {
		slog.Error("error shutting down relay", slog.Any("error", err))
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			slog.Error("error shutting down HTTP server", slog.Any("error", err))
		}
	}

	s.sweeper.Stop(ctx)

	if err := database.Close(s.db); err != nil {
		slog.Error("error closing database", slog.Any("error", err))
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Error("error closing redis", slog.Any("error", err))
		}
	}

	slog.Info("server shutdown complete")
	return nil
}
