package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/preference"
	"github.com/carelink/carelink/internal/domain/registry"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/inflight"
	"github.com/carelink/carelink/internal/platform/middleware"
	"github.com/carelink/carelink/internal/platform/sandbox"
	"github.com/carelink/carelink/internal/platform/websocket"
	"github.com/carelink/carelink/migrations"
)

const (
	version         = "0.1.0"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	// Prescriptions are capped at 10 MB; leave room for the other form fields.
	bodyLimit = "12M"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carelink-server",
		Short: "Care team and remote monitoring API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required to run migrations")
	}
	return db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// server holds the wired application and the resources to release on
// shutdown.
type server struct {
	echo     *echo.Echo
	sessions *registry.Sessions
	pool     *pgxpool.Pool
	redis    *redis.Client
	world    *sandbox.World
}

func (s *server) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}

	// Preferences
	var prefs preference.Repository
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		srv.pool = pool
		prefs = preference.NewPreferenceRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		prefs = preference.NewMemoryRepo()
		logger.Warn().Msg("DATABASE_URL not set, preferences are kept in memory")
	}

	// In-flight guard
	var guard inflight.Guard
	if cfg.RedisURL != "" {
		client, err := inflight.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			srv.Close()
			return nil, err
		}
		srv.redis = client
		guard = inflight.NewRedisGuard(client, cfg.InflightTTL)
		logger.Info().Msg("using redis in-flight guard")
	} else {
		guard = inflight.NewLocalGuard()
	}

	// Backend
	var backend registry.Backend
	demoUser := ""
	if cfg.IsSandbox() {
		srv.world = sandbox.NewWorld()
		seed := sandbox.DefaultSeedConfig()
		seed.Seed = cfg.SandboxSeed
		res, err := sandbox.NewSeeder(seed).Seed(srv.world)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("seed sandbox: %w", err)
		}
		demoUser = res.DemoUserID
		backend = registry.SandboxBackend{World: srv.world}
		logger.Info().Str("demo_user", demoUser).Int("teams", res.Teams).Int("patients", res.Patients).Msg("sandbox seeded")
	} else {
		backend = registry.RemoteBackend{
			TeamURL:         cfg.TeamAPIURL,
			NotificationURL: cfg.NotificationAPIURL,
			FilesURL:        cfg.MedicalFilesAPIURL,
			MedicalDataURL:  cfg.MedicalDataAPIURL,
			Timeout:         cfg.RemoteTimeout,
		}
	}

	hub := websocket.NewHub(logger)
	srv.sessions = registry.NewSessions(backend, prefs, guard, logger, registry.Options{
		MaxAge:        cfg.TeamRefreshMaxAge,
		RenewalWindow: cfg.MonitoringRenewalWindow,
		Events:        hub,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = registry.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(bodyLimit))

	// Auth middleware
	if cfg.DevAuth() {
		logger.Warn().Str("header", auth.DevUserHeader).Msg("development auth active, requests are trusted without a token")
		e.Use(auth.DevAuthMiddleware(demoUser, registry.PrincipalFromSandbox(srv.world), auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	health := srv.healthHandler
	e.GET("/health", health)

	apiV1 := e.Group("/api/v1")
	apiV1.GET("/health", health)
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	apiV1.Use(middleware.RequestTimeout(requestTimeout))
	registry.NewHandler(srv.sessions, logger).
		WithEvents(websocket.NewHandler(hub, cfg.CORSOrigins)).
		RegisterRoutes(apiV1)

	if srv.world != nil {
		sandbox.NewSeedHandler(srv.world).RegisterRoutes(e.Group("/sandbox"))
	}

	srv.echo = e
	return srv, nil
}

type healthResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Sessions int           `json:"sessions"`
	Database *db.PoolStats `json:"database,omitempty"`
}

func (s *server) healthHandler(c echo.Context) error {
	resp := healthResponse{Status: "ok", Version: version, Sessions: s.sessions.Len()}
	code := http.StatusOK
	if s.pool != nil {
		stats, err := db.Check(c.Request().Context(), s.pool)
		resp.Database = &stats
		if err != nil {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, resp)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer srv.Close()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.Backend).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
