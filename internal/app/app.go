package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dhoini/coach-billing/internal/api/rest"
	"github.com/Dhoini/coach-billing/internal/api/rest/handlers"
	"github.com/Dhoini/coach-billing/internal/config"
	"github.com/Dhoini/coach-billing/internal/db"
	"github.com/Dhoini/coach-billing/internal/metrics"
	"github.com/Dhoini/coach-billing/internal/middleware"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/internal/repository/postgres"
	"github.com/Dhoini/coach-billing/internal/service"
	"github.com/Dhoini/coach-billing/internal/stripe"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Server   *rest.Server

	dbClient *db.DBClient
	cache    *repository.RedisCacheRepository
}

// New создает и связывает все компоненты приложения. Соединения закрываются через Close.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	dbClient, err := db.NewDBClient(ctx, db.Options{
		DSN:            cfg.Database.DSN,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
		MaxIdleConns:   cfg.Database.MaxIdleConns,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &App{Config: cfg, Logger: log, dbClient: dbClient}

	deps := map[string]handlers.Pinger{"database": dbClient}

	var accounts repository.AccountRepository = postgres.NewPostgresAccountRepository(dbClient, log)
	if cfg.Redis.Enabled {
		cache, err := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, log)
		if err != nil {
			// не фатально: статус подписки читается из БД
			log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		} else {
			a.cache = cache
			accounts = repository.NewCachedAccountRepository(accounts, cache, log)
			deps["redis"] = cache
			log.Infow("Using cached account repository")
		}
	}

	a.Registry = metrics.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(a.Registry)

	stripeClient := stripe.NewStripeClient(cfg.Stripe.APIKey, log, nil)
	catalog := stripe.NewPlanCatalog(cfg.Stripe.Plans)
	verifier := stripe.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance, log)
	log.Infow("Stripe integration configured", "plans", catalog.Plans(), "trialDays", cfg.Stripe.TrialDays)

	customers := service.NewCustomerService(accounts, stripeClient, billingMetrics, log)
	billing := service.NewBillingService(accounts, customers, stripeClient, catalog, billingMetrics, service.BillingOptions{
		TrialDays:       cfg.Stripe.TrialDays,
		PortalReturnURL: cfg.Stripe.PortalReturnURL,
	}, log)
	webhooks := service.NewWebhookService(accounts, verifier, billingMetrics, log)

	router := rest.SetupRouter(rest.Handlers{
		Billing: handlers.NewBillingHandler(billing, log),
		Webhook: handlers.NewWebhookHandler(webhooks, log),
		Health:  handlers.NewHealthHandler(deps, log),
		Auth:    middleware.NewJWTMiddleware(log, &middleware.HMACTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}),
	}, a.Registry, log)
	a.Server = rest.NewServer(router, cfg, log)

	return a, nil
}

// Run обслуживает HTTP до отмены ctx, затем выполняет graceful shutdown
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.Logger.Infow("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.App.ShutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	a.Logger.Infow("HTTP server gracefully stopped")
	return <-errCh
}

// Close освобождает соединения с БД и Redis
func (a *App) Close() error {
	var errs []error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.dbClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
