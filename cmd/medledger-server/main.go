package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/domain/gateway"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/eventbus"
	"github.com/medledger/medledger/internal/platform/hipaa"
	"github.com/medledger/medledger/internal/platform/middleware"
	"github.com/medledger/medledger/internal/platform/store"
	"github.com/medledger/medledger/internal/platform/store/levelstore"
	"github.com/medledger/medledger/internal/platform/store/memstore"
	"github.com/medledger/medledger/internal/platform/store/pgstore"
	"github.com/medledger/medledger/migrations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "medledger-server",
		Short:         "Access-controlled medical record ledger API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres store only)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := newMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := newMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
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
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Using schema: %s\n", schema)
	return db.NewMigrator(pool, migrations.FS, schema), pool.Close, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain from genesis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			st, _, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := gateway.NewService(st, nil, nil, logger)
			report, err := svc.VerifyAuditTrail(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("audit trail broken: %s", report.Error)
			}
			return nil
		},
	})
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// openStore opens the configured backend. details feeds the health endpoint
// and may be nil.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func() any, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory store; the ledger is lost on restart")
		return memstore.New(nil), nil, nil
	case config.StoreLevelDB:
		st, err := levelstore.Open(cfg.LevelDBPath, nil)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.LevelDBPath).Msg("opened leveldb store")
		return st, nil, nil
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return pgstore.New(pool, nil), func() any { return db.GetPoolStats(pool) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newSealer returns nil when record encryption is off. The explicit nil
// keeps a nil *RecordSealer out of the interface. Previous keys stay
// available for opening payloads sealed before the last rotation.
func newSealer(cfg *config.Config, logger zerolog.Logger) (records.Sealer, error) {
	s, err := hipaa.NewRecordSealer(cfg.RecordEncryptionKey, cfg.RecordEncryptionKeyVersion, logger)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	previous, err := hipaa.ParsePreviousKeys(cfg.RecordEncryptionPreviousKeys)
	if err != nil {
		return nil, err
	}
	for version, key := range previous {
		if err := s.AddPreviousKey(key, version); err != nil {
			return nil, err
		}
	}
	if len(previous) > 0 {
		logger.Info().Int("previous_keys", len(previous)).Msg("retired record keys loaded for reading")
	}
	return s, nil
}

// newPublisher always logs events and also streams them to Redis when
// REDIS_URL is set. The returned func closes the Redis client.
func newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (eventbus.Publisher, func(), error) {
	pubs := eventbus.Multi{eventbus.NewLogPublisher(logger.With().Str("component", "audit").Logger())}
	if cfg.RedisURL == "" {
		return pubs, func() {}, nil
	}
	client, err := eventbus.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("stream", cfg.RedisStream).Msg("publishing audit events to redis")
	pubs = append(pubs, eventbus.NewRedisPublisher(client, cfg.RedisStream, cfg.RedisStreamMaxLen))
	return pubs, func() { client.Close() }, nil
}

func newSessionMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	var parser *auth.Parser
	if cfg.HasTokenAuth() {
		p, err := auth.NewParser(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
		if err != nil {
			return nil, err
		}
		parser = p
	}
	if cfg.IsDev() {
		return auth.DevSessionMiddleware(parser, auth.AuthSkipper), nil
	}
	return auth.JWTMiddleware(parser, auth.AuthSkipper), nil
}

func newServer(cfg *config.Config, svc *gateway.Service, st store.Store, details func() any, logger zerolog.Logger) (*echo.Echo, error) {
	session, err := newSessionMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevCallerHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Audit(logger))

	health := db.HealthHandler(st, details)
	e.GET("/health", health)
	e.GET("/health/db", health)

	apiV1 := e.Group("/api/v1", session, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	gateway.NewHandler(svc).RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	st, details, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize record sealer")
	}

	publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize event publisher")
	}
	defer closePublisher()

	svc := gateway.NewService(st, sealer, publisher, logger)
	e, err := newServer(cfg, svc, st, details, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
