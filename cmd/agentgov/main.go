package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmarinho/agentgov/internal/api"
	"github.com/fmarinho/agentgov/internal/auth"
	"github.com/fmarinho/agentgov/internal/backend"
	"github.com/fmarinho/agentgov/internal/billing"
	"github.com/fmarinho/agentgov/internal/circuitbreaker"
	"github.com/fmarinho/agentgov/internal/config"
	"github.com/fmarinho/agentgov/internal/cost"
	"github.com/fmarinho/agentgov/internal/credstore"
	"github.com/fmarinho/agentgov/internal/crypto"
	"github.com/fmarinho/agentgov/internal/dispatch"
	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/ledger"
	"github.com/fmarinho/agentgov/internal/metrics"
	"github.com/fmarinho/agentgov/internal/notifications"
	"github.com/fmarinho/agentgov/internal/ratelimit"
	"github.com/fmarinho/agentgov/internal/secrets"
	"github.com/fmarinho/agentgov/internal/selector"
	"github.com/fmarinho/agentgov/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

const appVersion = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting agent governance core", "addr", cfg.Addr, "version", appVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "agentgov", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	tiers, err := config.LoadTiers(cfg.TierTablePath)
	if err != nil {
		slog.Error("failed to load tier table", "error", err, "path", cfg.TierTablePath)
		os.Exit(1)
	}
	models, err := config.LoadModels(cfg.ModelRegistryPath)
	if err != nil {
		slog.Error("failed to load model registry", "error", err, "path", cfg.ModelRegistryPath)
		os.Exit(1)
	}
	slog.Info("loaded governance tables", "tiers", len(tiers), "models", len(models))

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
	}

	// Secrets come from AWS when a region is configured; the environment
	// carries them otherwise.
	openAIKey := cfg.OpenAIAPIKey
	encryptionKey := cfg.EncryptionKey
	if cfg.SecretName != "" && cfg.AWSRegion != "" {
		store, err := secrets.NewAWSStore(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		var loaded struct {
			OpenAIAPIKey  string `json:"openai_api_key"`
			EncryptionKey string `json:"encryption_key"`
		}
		if err := store.GetJSON(ctx, cfg.SecretName, &loaded); err != nil {
			slog.Error("failed to load provider secret", "error", err, "secret", cfg.SecretName)
			os.Exit(1)
		}
		if loaded.OpenAIAPIKey != "" {
			openAIKey = loaded.OpenAIAPIKey
		}
		if loaded.EncryptionKey != "" {
			encryptionKey = loaded.EncryptionKey
		}
		slog.Info("loaded secrets", "secret", cfg.SecretName)
	}

	var limiter ratelimit.Limiter
	if cfg.UseDistributedRateLimit && redisClient != nil {
		limiter = ratelimit.NewRedisLimiterWithClient(redisClient)
		slog.Info("using distributed rate limiter")
	} else {
		limiter = ratelimit.NewTieredLimiter()
		slog.Info("using in-memory rate limiter")
	}

	notifier, dedupe := setupNotifications(ctx, cfg, redisClient)

	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		OpenTimeout:      cfg.CircuitOpenTimeout,
		IsFailure:        dispatch.BackendFailure,
	}
	breakerOpts := []circuitbreaker.RegistryOption{
		circuitbreaker.WithStateChangeHook(breakerStateHook(notifier, dedupe)),
	}
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(cfg.RedisURL))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, breakerOpts...)

	invokers := setupInvokers(ctx, cfg, openAIKey)
	if len(invokers) == 0 {
		slog.Error("no backends configured")
		os.Exit(1)
	}

	var db *sql.DB
	led, billingQueue, err := setupLedger(ctx, cfg, redisClient, notifier, dedupe, &db)
	if err != nil {
		slog.Error("failed to set up ledger", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Tiers:    tiers,
		Limiter:  limiter,
		Breakers: breakers,
		Selector: selector.New(models, breakers),
		Cost:     cost.NewCalculator(),
		Ledger:   led,
		Invokers: invokers,
		Timeout:  cfg.ExecuteTimeout,
	})

	var sealer *crypto.Sealer
	var creds credstore.Store
	if encryptionKey != "" {
		sealer, err = crypto.NewSealer(encryptionKey)
		if err != nil {
			slog.Error("failed to init credential sealer", "error", err)
			os.Exit(1)
		}
		if db != nil {
			pg := credstore.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("failed to migrate credential store", "error", err)
				os.Exit(1)
			}
			creds = pg
		} else {
			creds = credstore.NewMemoryStore()
		}
	}

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Executor:    dispatcher,
		Tiers:       tiers,
		Models:      models,
		Sealer:      sealer,
		Credentials: creds,
		Checkers:    checkers,
	})

	adminAuth, err := setupAdminAuth(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to set up admin auth", "error", err)
		os.Exit(1)
	}
	admin := api.NewAdminHandler(api.AdminConfig{
		Breakers:    breakers,
		Ledger:      led,
		Tiers:       tiers,
		Sealer:      sealer,
		Credentials: creds,
		Auth:        adminAuth,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", admin)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ExecuteTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop accepting records, then drain what is already queued so no
	// billable usage is lost on exit.
	led.Close()
	if billingQueue != nil {
		billingQueue.Close()
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

func setupInvokers(ctx context.Context, cfg *config.Config, openAIKey string) map[string]backend.Invoker {
	invokers := make(map[string]backend.Invoker)

	if openAIKey != "" {
		invokers["openai"] = backend.NewHTTP("openai", cfg.OpenAIBaseURL, openAIKey)
		slog.Info("registered backend", "backend", "openai")
	}
	if cfg.OllamaBaseURL != "" {
		invokers["ollama"] = backend.NewHTTP("ollama", cfg.OllamaBaseURL, "")
		slog.Info("registered backend", "backend", "ollama", "url", cfg.OllamaBaseURL)
	}
	if cfg.AWSRegion != "" {
		bedrock, err := backend.NewBedrock(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("failed to init bedrock backend", "error", err)
		} else {
			invokers["bedrock"] = bedrock
			slog.Info("registered backend", "backend", "bedrock", "region", cfg.AWSRegion)
		}
	}

	return invokers
}

func setupNotifications(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (notifications.Notifier, notifications.Deduplicator) {
	var notifier notifications.Notifier = &notifications.LogNotifier{}
	if cfg.AlertTopicArn != "" && cfg.AWSRegion != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicArn)
		if err != nil {
			slog.Warn("failed to init SNS notifier, alerts go to the log", "error", err)
		} else {
			notifier = sns
			slog.Info("alerts publishing to SNS", "topic", cfg.AlertTopicArn)
		}
	}

	var dedupe notifications.Deduplicator = notifications.NewInMemoryDeduplicator()
	if redisClient != nil {
		dedupe = notifications.NewRedisDeduplicator(redisClient, 5*time.Minute)
	}

	return notifier, dedupe
}

func breakerStateHook(notifier notifications.Notifier, dedupe notifications.Deduplicator) func(dependency string, from, to circuitbreaker.State) {
	return func(dependency string, from, to circuitbreaker.State) {
		metrics.RecordCircuitState(dependency, int(to))
		slog.Warn("circuit breaker state change",
			"dependency", dependency,
			"from", from.String(),
			"to", to.String(),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch to {
		case circuitbreaker.StateOpen:
			if dedupe.ShouldAlert(ctx, dependency, notifications.NotificationCircuitOpen) {
				notifier.Send(ctx, notifications.Notification{
					Type:    notifications.NotificationCircuitOpen,
					Message: fmt.Sprintf("circuit open for backend %s", dependency),
					Data:    map[string]interface{}{"dependency": dependency},
				})
			}
		case circuitbreaker.StateClosed:
			if from != circuitbreaker.StateClosed {
				dedupe.Clear(ctx, dependency)
				notifier.Send(ctx, notifications.Notification{
					Type:    notifications.NotificationCircuitRecovered,
					Message: fmt.Sprintf("backend %s recovered", dependency),
					Data:    map[string]interface{}{"dependency": dependency},
				})
			}
		}
	}
}

func setupLedger(ctx context.Context, cfg *config.Config, redisClient *redis.Client, notifier notifications.Notifier, dedupe notifications.Deduplicator, dbOut **sql.DB) (*ledger.Ledger, *billing.Queue, error) {
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := ledger.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		pg := ledger.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate ledger: %w", err)
		}
		store = pg
		*dbOut = db
		go rollupLoop(ctx, pg)
		slog.Info("ledger backed by postgres")
	} else {
		store = ledger.NewMemoryStore()
		slog.Info("ledger backed by memory, records are lost on restart")
	}

	opts := []ledger.Option{
		ledger.WithAlertFunc(func(ctx context.Context, record domain.ExecutionRecord, err error) {
			if !dedupe.ShouldAlert(ctx, record.CallerID, notifications.NotificationLedgerWriteLost) {
				return
			}
			notifier.Send(ctx, notifications.Notification{
				Type:     notifications.NotificationLedgerWriteLost,
				CallerID: record.CallerID,
				Message:  "execution record abandoned after retries",
				Data: map[string]interface{}{
					"request_id": record.RequestID,
					"error":      err.Error(),
				},
			})
		}),
	}

	var cache ledger.AggregateCache
	if redisClient != nil {
		cache = ledger.NewRedisAggregateCache(redisClient, 30*time.Second)
	} else {
		cache = ledger.NewMemoryAggregateCache(30 * time.Second)
	}
	opts = append(opts, ledger.WithAggregateCache(cache))

	var billingQueue *billing.Queue
	if cfg.BillingQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err := billing.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.BillingQueueURL)
		if err != nil {
			slog.Warn("failed to init billing publisher, records stay local", "error", err)
		} else {
			billingQueue = billing.NewQueue(publisher, billing.DefaultConfig())
			opts = append(opts, ledger.WithBillingSink(billingQueue))
			slog.Info("billing records publishing to SQS", "queue", cfg.BillingQueueURL)
		}
	}

	return ledger.New(store, opts...), billingQueue, nil
}

// rollupLoop folds finished days into usage_rollups once an hour. Replays
// are harmless, so catching yesterday again after a restart is fine.
func rollupLoop(ctx context.Context, store *ledger.PostgresStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if err := store.RollupDay(ctx, yesterday); err != nil {
				slog.Warn("usage rollup failed", "error", err)
			}
		}
	}
}

func setupAdminAuth(ctx context.Context, cfg *config.Config, db *sql.DB) (*auth.Middleware, error) {
	if !cfg.AdminAuthEnabled {
		return nil, nil
	}

	var repo auth.UserRepository
	if db != nil {
		pg := auth.NewPostgresUserRepository(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		repo = pg
	} else {
		mem := auth.NewMemoryUserRepository()
		// Bootstrap credentials for deployments without Postgres.
		password := os.Getenv("ADMIN_BOOTSTRAP_PASSWORD")
		if password == "" {
			return nil, errors.New("ADMIN_BOOTSTRAP_PASSWORD required without a database")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return nil, err
		}
		mem.Create(ctx, &auth.User{
			ID:           "bootstrap",
			Username:     "admin",
			PasswordHash: hash,
			Role:         auth.RoleAdmin,
			Enabled:      true,
			CreatedAt:    time.Now(),
		})
		repo = mem
	}

	return auth.NewMiddleware(auth.NewAuthenticator(repo)), nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
