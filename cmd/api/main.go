package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/coverflow-ai/coverflow/internal/api"
	"github.com/coverflow-ai/coverflow/internal/auth"
	"github.com/coverflow-ai/coverflow/internal/config"
	"github.com/coverflow-ai/coverflow/internal/database"
	"github.com/coverflow-ai/coverflow/internal/events"
	"github.com/coverflow-ai/coverflow/internal/generation"
	"github.com/coverflow-ai/coverflow/internal/ledger"
	mw "github.com/coverflow-ai/coverflow/internal/middleware"
	"github.com/coverflow-ai/coverflow/internal/payment"
	"github.com/coverflow-ai/coverflow/internal/provider"
	iredis "github.com/coverflow-ai/coverflow/internal/redis"
	"github.com/coverflow-ai/coverflow/internal/server"
	"github.com/coverflow-ai/coverflow/internal/staging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var (
		js            jetstream.JetStream
		eventsHealthy func() bool
	)
	if cfg.NATS.URL != "" {
		natsClient, err := events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		js = natsClient.JetStream()
		eventsHealthy = natsClient.Healthy
	} else {
		slog.Warn("NATS_URL is empty, domain events are disabled")
	}

	publisher := events.NewPublisher(js)
	eventRepo := events.NewRepository(pool)
	if js != nil {
		recorder := events.NewRecorder(js, eventRepo)
		go func() {
			if err := recorder.Start(ctx); err != nil {
				slog.Error("event recorder stopped", "error", err)
			}
		}()
	}

	// Ledger
	credits := ledger.New(ledger.NewRepository(pool), cfg.Generation.FreeDailyAllotment)

	// Staging
	stage := staging.NewCache(redisClient, cfg.Server.PublicBaseURL)

	// Providers
	registry, err := newRegistry(cfg)
	if err != nil {
		slog.Error("configuring providers", "error", err)
		os.Exit(1)
	}

	// Generation
	orch := generation.NewOrchestrator(
		credits,
		stage,
		registry,
		generation.NewFileStore(cfg.Storage.Dir, cfg.Server.PublicBaseURL, &http.Client{Timeout: cfg.Generation.PersistTimeout}),
		generation.NewRepository(pool),
		publisher,
		generation.Config{
			PollInterval:    cfg.Generation.PollInterval,
			MaxPollAttempts: cfg.Generation.MaxPollAttempts,
			StagingTTL:      cfg.Staging.TTL,
			SubmitTimeout:   cfg.Generation.SubmitTimeout,
			PollTimeout:     cfg.Generation.PollTimeout,
			PersistTimeout:  cfg.Generation.PersistTimeout,
		},
	)

	// Payments
	reconciler := payment.NewReconciler(
		payment.DefaultCatalog(),
		payment.NewRepository(pool),
		payment.NewLava(payment.LavaConfig{
			ShopID:    cfg.Lava.ShopID,
			SecretKey: cfg.Lava.SecretKey,
			APIURL:    cfg.Lava.APIURL,
		}, nil),
		credits,
		publisher,
	)

	// Handlers
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, 24*time.Hour)
	generationHandler := generation.NewHandler(orch, cfg.Staging.MaxImageBytes)
	stagingHandler := staging.NewHandler(stage)
	paymentHandler := payment.NewHandler(reconciler, cfg.Lava.WebhookSecret)
	ledgerHandler := ledger.NewHandler(credits)
	activityHandler := events.NewHandler(eventRepo)

	rateLimiter := mw.NewRateLimiter(redisClient, "generate",
		cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec, mw.KeyByAccount(auth.AccountID))

	// Router
	router := api.NewRouter(pool, redisClient, api.RouterConfig{
		CORSAllowedOrigins:    cfg.CORS.AllowedOrigins,
		GenerationRateLimiter: rateLimiter.Middleware,
		StorageDir:            cfg.Storage.Dir,
		EventsHealthy:         eventsHealthy,
	}, api.HandlerSet{
		CreateGeneration: generationHandler.Create,
		ListGenerations:  generationHandler.List,

		ServeArtifact: stagingHandler.Serve,

		ListPackages:   paymentHandler.Packages,
		CreatePayment:  paymentHandler.Create,
		PaymentWebhook: paymentHandler.Webhook,

		UserLimits:   ledgerHandler.Limits,
		UserActivity: activityHandler.Activity,

		AuthMiddleware: auth.Middleware(jwtManager),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newRegistry registers every provider that has credentials. When the
// configured default has none, the first registered provider becomes the default.
func newRegistry(cfg *config.Config) (*provider.Registry, error) {
	var ps []provider.Provider
	if cfg.NanoBanana.APIKey != "" {
		ps = append(ps, provider.NewNanoBanana(provider.NanoBananaConfig{
			APIKey:  cfg.NanoBanana.APIKey,
			BaseURL: cfg.NanoBanana.BaseURL,
			Defaults: provider.Options{
				Model:        cfg.NanoBanana.Model,
				OutputFormat: cfg.NanoBanana.OutputFormat,
				ImageSize:    cfg.NanoBanana.ImageSize,
			},
		}, nil))
	}
	if cfg.OpenAI.APIKey != "" {
		ps = append(ps, provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Defaults: provider.Options{
				Model:     cfg.OpenAI.Model,
				ImageSize: cfg.OpenAI.Size,
			},
		}, nil))
	}

	defaultName := cfg.Generation.DefaultProvider
	found := false
	for _, p := range ps {
		if p.Name() == defaultName {
			found = true
			break
		}
	}
	if !found && len(ps) > 0 {
		slog.Warn("default provider has no credentials, falling back",
			"configured", defaultName, "using", ps[0].Name())
		defaultName = ps[0].Name()
	}

	registry, err := provider.NewRegistry(defaultName, ps...)
	if err != nil {
		return nil, err
	}
	slog.Info("providers registered", "default", registry.Default(), "available", registry.Names())
	return registry, nil
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
