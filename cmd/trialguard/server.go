package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/trialguard/trialguard/internal/config"
	"github.com/trialguard/trialguard/internal/domain/anchoring"
	"github.com/trialguard/trialguard/internal/domain/hashing"
	"github.com/trialguard/trialguard/internal/domain/review"
	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/internal/platform/auth"
	"github.com/trialguard/trialguard/internal/platform/db"
	"github.com/trialguard/trialguard/internal/platform/events"
	"github.com/trialguard/trialguard/internal/platform/ledger"
	"github.com/trialguard/trialguard/internal/platform/ledger/chain"
	"github.com/trialguard/trialguard/internal/platform/ledger/remote"
	"github.com/trialguard/trialguard/internal/platform/middleware"
	"github.com/trialguard/trialguard/internal/platform/webhook"
)

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func scorerConfig(cfg *config.Config) scoring.Config {
	sc := scoring.DefaultConfig()
	sc.ModelThreshold = cfg.ModelThreshold
	sc.RiskHighAbove = cfg.RiskHighPercent
	sc.RiskModAbove = cfg.RiskModeratePercent
	sc.Severity = scoring.SeverityPolicy{MediumFrom: cfg.SeverityMediumFrom, HighAbove: cfg.SeverityHighAbove}
	sc.TopRules = cfg.TopRules
	return sc
}

func anchorConfig(cfg *config.Config) anchoring.Config {
	return anchoring.Config{
		MaxAttempts:      cfg.AnchorMaxAttempts,
		InitialBackoff:   cfg.AnchorInitialBackoff,
		MaxBackoff:       cfg.AnchorMaxBackoff,
		MaxElapsed:       cfg.AnchorMaxElapsed,
		MinConfirmations: cfg.AnchorMinConfirmations,
		PollInterval:     cfg.AnchorPollInterval,
	}
}

func openChain(dir string, logger zerolog.Logger) (*chain.Chain, error) {
	opts := []chain.Option{chain.WithLogger(logger)}
	if dir == "" {
		return chain.OpenMemory(opts...)
	}
	return chain.Open(dir, opts...)
}

// closers collects cleanup functions and runs them in reverse order.
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	var cleanup closers
	defer func() { cleanup.run() }()

	// Database
	var pool *pgxpool.Pool
	if cfg.StorageBackend == config.BackendPostgres || cfg.ReceiptCache == config.BackendPostgres {
		pool, err = db.NewPool(ctx, db.PoolOptions{
			URL:            cfg.DatabaseURL,
			MaxConns:       cfg.DBMaxConns,
			MinConns:       cfg.DBMinConns,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		cleanup = append(cleanup, pool.Close)
		logger.Info().Msg("connected to database")
	}

	// Ledger
	var (
		led      ledger.Ledger
		embedded *chain.Chain
	)
	switch cfg.LedgerMode {
	case config.LedgerRemote:
		led = remote.New(cfg.LedgerURL)
		logger.Info().Str("url", cfg.LedgerURL).Msg("using remote ledger")
	default:
		embedded, err = openChain(cfg.LedgerDataDir, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open ledger")
		}
		cleanup = append(cleanup, func() { embedded.Close() })
		led = embedded
		go embedded.Run(ctx, cfg.LedgerBlockInterval)
		logger.Info().Str("data_dir", cfg.LedgerDataDir).Dur("block_interval", cfg.LedgerBlockInterval).Msg("embedded ledger started")
	}

	// Receipt cache
	var receipts anchoring.ReceiptStore
	switch cfg.ReceiptCache {
	case config.BackendPostgres:
		receipts = anchoring.NewPGStore(pool)
	case config.BackendLevelDB:
		ldb, err := anchoring.OpenLevelDBStore(cfg.ReceiptCachePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open receipt cache")
		}
		cleanup = append(cleanup, func() { ldb.Close() })
		receipts = ldb
	default:
		receipts = anchoring.NewMemoryStore()
	}

	// Events: in-process bus and log always, webhooks and Kafka outbound.
	var webhookStore webhook.Store = webhook.NewMemoryStore()
	if pool != nil && cfg.StorageBackend == config.BackendPostgres {
		webhookStore = webhook.NewPGStore(pool)
	}
	webhooks := webhook.NewManager(webhookStore, webhook.WithLogger(logger))
	go webhooks.Run(ctx)

	bus := events.NewBus(logger)
	publishers := events.Multi{events.LogPublisher{Logger: logger}, bus, webhooks}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure kafka publisher")
		}
		kp.Start(ctx)
		cleanup = append(cleanup, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := kp.Stop(sctx); err != nil {
				logger.Error().Err(err).Msg("kafka publisher stop")
			}
		})
		publishers = append(publishers, kp)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka publishing enabled")
	}
	go alertUnanchored(ctx, bus, logger)

	// Domain services
	scorer, err := scoring.NewScorer(scorerConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scorer")
	}
	hasher, err := hashing.NewHasher(hashing.Algorithm(cfg.HashAlgorithm))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build hasher")
	}
	anchors := anchoring.NewService(led, receipts, anchorConfig(cfg),
		anchoring.WithPublisher(publishers), anchoring.WithLogger(logger))
	go anchors.Watch(ctx)

	var repo review.Repository
	if cfg.StorageBackend == config.BackendPostgres {
		repo = review.NewSubmissionRepoPG(pool)
	} else {
		repo = review.NewMemoryRepo()
	}
	reviews := review.NewService(repo, scorer, hasher, anchors,
		review.Config{FlagAnomalyPercent: cfg.FlagAnomalyPercent},
		review.WithPublisher(publishers), review.WithLogger(logger))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "16M", "/api/v1/scoring", "/api/v1/hashes", "/api/v1/submissions"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.DevAuth() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.Skipper,
		}))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	apiV1 := e.Group("/api/v1")
	scoring.NewHandler(scorer).RegisterRoutes(apiV1)
	hashing.NewHandler(hasher).RegisterRoutes(apiV1)
	anchoring.NewHandler(anchors).RegisterRoutes(apiV1)
	review.NewHandler(reviews).RegisterRoutes(apiV1)
	webhook.NewHandler(webhooks).RegisterRoutes(apiV1)

	return serve(e, ":"+cfg.Port, logger, stop)
}

// serve runs e until SIGINT or SIGTERM, then shuts it down and cancels the
// background loops through stop.
func serve(e *echo.Echo, addr string, logger zerolog.Logger, stop context.CancelFunc) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		stop()
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.Shutdown(ctx)
	stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// alertUnanchored logs every submission whose content could not be anchored
// so operators can trigger a re-anchor.
func alertUnanchored(ctx context.Context, bus *events.Bus, logger zerolog.Logger) {
	ch, cancel := bus.Subscribe(events.TypeAnchorUnavailable, 64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			logger.Warn().Str("content_hash", ev.Subject).Str("event_id", ev.ID).Msg("content hash not anchored; re-anchor required")
		}
	}
}
