package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"licensehub/internal/config"
	apperrors "licensehub/internal/errors"
	"licensehub/internal/infrastructure"
	"licensehub/internal/license"
	"licensehub/internal/middleware"
	"licensehub/internal/security"
	"licensehub/internal/services"
	"licensehub/internal/storage/memory"
	"licensehub/internal/storage/redisstore"
	"licensehub/internal/storage/sqlite"
	handlers "licensehub/internal/transport/http"
	"licensehub/pkg/contracts"
)

const (
	// maxRequestBody bounds every JSON body the API accepts
	maxRequestBody = 64 << 10

	limiterCleanupInterval = 5 * time.Minute
	closeTimeout           = 5 * time.Second
)

// activityPruner is implemented by stores that keep activity history on disk
type activityPruner interface {
	PruneActivity(ctx context.Context, before time.Time) (int64, error)
}

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Store   license.Store
	History license.HistoryStore
	Redis   *redis.Client

	LicenseService *services.LicenseService
	HealthService  *services.HealthService
	RateLimiter    *middleware.KeyedRateLimiter

	Router *chi.Mux
	Server *http.Server

	errors *apperrors.ErrorHandler
	now    func() time.Time
}

// NewApplication wires every component from cfg. The caller owns logger;
// Close releases everything else.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	a := &Application{
		Config: cfg,
		Logger: logger,
		errors: apperrors.NewErrorHandler(logger, cfg.Logging.Development),
		now:    time.Now,
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.GetVersionString()),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("redis_history", cfg.Redis.Enabled))

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = providers

	if err := a.initializeStorage(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if err := a.initializeServices(); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}

	a.createServer()
	return a, nil
}

// initializeStorage opens the license store and, when enabled, the Redis
// activity history.
func (a *Application) initializeStorage(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case config.StorageSQLite:
		store, err := sqlite.Open(a.Config.Storage.DSN, a.now)
		if err != nil {
			return apperrors.NewStorageError("open sqlite store", err)
		}
		a.Store = store
	default:
		a.Store = memory.New(a.now)
	}
	a.History = a.Store

	if !a.Config.Redis.Enabled {
		return nil
	}

	client, err := redisstore.Connect(ctx, a.Config.Redis.URL)
	if err != nil {
		return apperrors.NewStorageError("connect to redis", err)
	}
	a.Redis = client
	a.History = redisstore.NewHistoryStore(client, a.Config.Redis.KeyPrefix, a.Config.Storage.ActivityRetention)
	return nil
}

// initializeServices builds the license core and the services on top of it
func (a *Application) initializeServices() error {
	deriver, err := security.NewKeyDeriver([]byte(a.Config.Token.Secret), []byte(a.Config.Token.Salt))
	if err != nil {
		return apperrors.NewConfigError("token secret", err)
	}
	signingKey, err := deriver.Derive(security.PurposeActivationToken)
	if err != nil {
		return err
	}
	defer security.ClearKey(signingKey)

	tokens, err := license.NewTokenService(signingKey, license.TokenConfig{
		Issuer:     a.Config.Token.Issuer,
		DefaultTTL: a.Config.Token.TTL,
		Now:        a.now,
	})
	if err != nil {
		return err
	}

	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("license metrics: %w", err)
	}

	f := a.Config.Fraud
	policy := license.FraudPolicy{
		Window:             f.Window,
		HammeringThreshold: f.HammeringThreshold,
		HammeringWeight:    f.HammeringWeight,
		IPChurnThreshold:   f.IPChurnThreshold,
		IPChurnWeight:      f.IPChurnWeight,
		DeviceReuseWeight:  f.DeviceReuseWeight,
		FlagScore:          f.FlagScore,
		BlockScore:         f.BlockScore,
		LookupTimeout:      f.LookupTimeout,
	}

	a.LicenseService, err = services.NewLicenseService(services.LicenseServiceDeps{
		Store:             a.Store,
		History:           a.History,
		Fraud:             license.NewFraudEngine(a.History, policy, a.Logger, metrics, a.now),
		Tokens:            tokens,
		States:            license.NewStateMachine(a.Config.License.GracePeriod, a.now),
		Keys:              license.NewKeyCodec(a.Config.License.KeyAttempts),
		Metrics:           metrics,
		Logger:            a.Logger,
		Now:               a.now,
		TokenTTL:          a.Config.Token.TTL,
		DefaultMaxDevices: a.Config.License.DefaultMaxDevices,
	})
	if err != nil {
		return err
	}

	a.HealthService = services.NewHealthService(a.Logger)
	a.HealthService.Register("store", a.Store, true)
	if hs, ok := a.History.(*redisstore.HistoryStore); ok {
		// fraud scoring fails open, so Redis only degrades readiness
		a.HealthService.Register("redis", hs, false)
	}
	return nil
}

// setupRouter builds the chi router.
// Order: RequestID → RealIP → SecurityHeaders → CORS → OTel → errors → Timeout
func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(a.corsConfig()))

	otelMiddleware, err := middleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return err
	}
	r.Use(otelMiddleware.Handler)
	r.Use(apperrors.NewErrorMiddleware(a.errors, a.Logger).Handler)
	r.Use(middleware.Timeout(a.Config.Server.RequestTimeout))

	r.NotFound(a.errors.NotFound)
	r.MethodNotAllowed(a.errors.MethodNotAllowed)

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}
	handlers.NewHealthHandler(a.HealthService, a.Logger).Register(r)

	rl := a.Config.Security.RateLimit
	if rl.Enabled {
		a.RateLimiter = middleware.NewKeyedRateLimiter(middleware.RateLimitConfig{
			Requests: rl.Requests,
			Window:   rl.Window,
			Burst:    rl.Burst,

			AddressFactor: rl.AddressFactor,
		}, a.errors, otelMiddleware.Metrics(), a.Logger)
	}

	licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.errors, a.Logger)
	adminHandler := handlers.NewAdminHandler(a.LicenseService, a.errors, a.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(maxRequestBody))
		r.Use(middleware.ContentTypeJSON(a.errors))

		r.Group(func(r chi.Router) {
			if a.RateLimiter != nil {
				r.Use(a.RateLimiter.Handler)
			}
			licenseHandler.Register(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AuditLog(a.Logger))
			r.Use(middleware.AdminAuth(a.Config.Security.AdminToken, a.errors, a.Logger))
			adminHandler.Register(r)
		})
	})

	a.Router = r
	return nil
}

func (a *Application) corsConfig() middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.RequestIDHeader, middleware.DeviceIDHeader,
		},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
		MaxAge:         300,
	}
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down
// gracefully. Background maintenance runs alongside the server.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(ctx, "Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if a.RateLimiter != nil {
		g.Go(func() error {
			return a.RateLimiter.Run(gctx, limiterCleanupInterval)
		})
	}

	if pruner, ok := a.Store.(activityPruner); ok && a.Config.Storage.PruneInterval > 0 {
		g.Go(func() error {
			return a.pruneActivity(gctx, pruner)
		})
	}

	err := g.Wait()
	a.Close(ctx)
	return err
}

// pruneActivity drops activity older than the retention window. Fraud
// scoring only looks back one fraud window, so older rows are dead weight.
func (a *Application) pruneActivity(ctx context.Context, pruner activityPruner) error {
	ticker := time.NewTicker(a.Config.Storage.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			before := a.now().Add(-a.Config.Storage.ActivityRetention)
			n, err := pruner.PruneActivity(ctx, before)
			if err != nil {
				a.Logger.WarnContext(ctx, "activity prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.Logger.InfoContext(ctx, "activity pruned", slog.Int64("rows", n))
			}
		}
	}
}

// Close releases storage, Redis and telemetry. Safe to call more than once.
func (a *Application) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing store", slog.String("error", err.Error()))
		}
		a.Store = nil
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing redis", slog.String("error", err.Error()))
		}
		a.Redis = nil
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
		a.OTelProviders = nil
	}
	a.Logger.InfoContext(ctx, "Application shutdown complete")
}
