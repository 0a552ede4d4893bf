// Package app wires the control plane together: configuration, storage,
// the credential pool, the upstream proxy, the crawl engine, the admission
// scheduler, and the HTTP control API, then runs until ctx is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tomentu/poicrawler/internal/apikeyauth"
	"github.com/tomentu/poicrawler/internal/catalog"
	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/config"
	"github.com/tomentu/poicrawler/internal/httpserver"
	"github.com/tomentu/poicrawler/internal/platform"
	"github.com/tomentu/poicrawler/internal/store"
	"github.com/tomentu/poicrawler/internal/telemetry"
	"github.com/tomentu/poicrawler/pkg/controlapi"
	"github.com/tomentu/poicrawler/pkg/crawl"
	"github.com/tomentu/poicrawler/pkg/credential"
	"github.com/tomentu/poicrawler/pkg/executor"
	"github.com/tomentu/poicrawler/pkg/notify"
	"github.com/tomentu/poicrawler/pkg/proxy"
	"github.com/tomentu/poicrawler/pkg/resultsink"
	"github.com/tomentu/poicrawler/pkg/scheduler"
)

// Run is the application entry point: it connects to infrastructure, wires
// every domain component, and serves the control API until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting poicrawler", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	} else {
		logger.Info("redis disabled (REDIS_URL not set): credential QPS advisory limiting off")
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	wallClock := clock.NewReal(cfg.Timezone)

	credStore := store.NewCredentialStore(db)
	var qpsLimiter credential.QPSLimiter
	if rdb != nil {
		qpsLimiter = credential.NewRedisQPSLimiter(rdb)
	}
	credPool := credential.NewPool(credStore, wallClock, cfg.KeyResetHour, qpsLimiter, logger)

	proxyURL := cfg.HTTPSProxy
	if proxyURL == "" {
		proxyURL = cfg.HTTPProxy
	}
	forwarder := proxy.NewForwarder(credPool, proxy.Config{
		BaseURL:          cfg.AMapBaseURL,
		RequestTimeoutMS: cfg.RequestTimeoutMS,
		ProxyEnabled:     cfg.ProxyEnabled,
		ProxyURL:         proxyURL,
	}, logger)

	sink := resultsink.New(cfg.ResultsDir)
	cat := catalog.Load(cfg.POITypes)
	jobStore := store.NewJobStore(db)
	engine := crawl.NewEngine(jobStore, forwarder, sink, cat, logger)

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	}
	credPool.SetNotifier(notifier)
	engine.SetNotifier(notifier)

	work := executor.New(cfg.MaxWorkers, 0, logger)
	defer work.Shutdown()

	sched := scheduler.New(jobStore, credPool, work, engine.Execute, wallClock, logger)
	go sched.Run(ctx)

	var authMW httpserver.AuthMiddleware
	if cfg.APIKeyAuthEnabled {
		tokenStore := apikeyauth.NewStore(db)
		authMW = apikeyauth.New(tokenStore, wallClock, logger).Wrap
	} else {
		logger.Warn("API key auth disabled (API_KEY_AUTH_ENABLED=false): control API is unauthenticated")
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, authMW)

	controlHandler := controlapi.New(jobStore, forwarder, work, sched, wallClock, cfg.ResultsDir)
	srv.ProxyRouter.Mount("/", controlHandler.ProxyRoutes())
	srv.APIRouter.Mount("/", controlHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
