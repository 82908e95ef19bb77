// Package app wires the application together: configuration, logging,
// OpenTelemetry, the license store, services, the router, and the HTTP
// server with graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/middleware"
	"keymint/internal/orders"
	"keymint/internal/payment"
	"keymint/internal/services"
	"keymint/internal/store"
	transporthttp "keymint/internal/transport/http"
)

// Version is stamped at build time via -ldflags
var Version = "dev"

// Application is the composed service container
type Application struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *infrastructure.OTelProviders
	metrics   *infrastructure.BusinessMetrics
	store     *store.SQLiteStore
	service   services.LicenseService
	router    chi.Router
	server    *http.Server
}

// New builds the application from configuration
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds the application from an already-loaded config
func NewWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize otel: %w", err)
	}

	var metrics *infrastructure.BusinessMetrics
	if providers.Meter != nil {
		metrics, err = infrastructure.CreateBusinessMetrics(providers.Meter)
		if err != nil {
			return nil, fmt.Errorf("create business metrics: %w", err)
		}
	}

	app := &Application{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		metrics:   metrics,
	}

	if err := app.initializeServices(); err != nil {
		return nil, err
	}
	app.setupRouter()
	app.createServer()

	return app, nil
}

func (a *Application) initializeServices() error {
	licenseStore, err := store.New(a.cfg.Store.DataDir, a.logger)
	if err != nil {
		return fmt.Errorf("open license store: %w", err)
	}
	a.store = licenseStore

	issuer := license.NewIssuer(licenseStore, a.logger)

	var checkout services.CheckoutCreator
	var sessions services.SessionResolver
	client := payment.NewCheckoutClient(a.cfg.Payment)
	if client.Configured() {
		checkout = client
		sessions = client
	} else {
		a.logger.Warn("payment API not configured, checkout endpoints disabled")
	}

	annotator := orders.NewAnnotator(a.cfg.Orders, a.logger)
	if !annotator.Configured() {
		a.logger.Info("order system not configured, annotation disabled")
	}

	a.service = services.NewLicenseService(
		issuer,
		licenseStore,
		checkout,
		sessions,
		annotator,
		a.metrics,
		a.logger,
	)
	return nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.logger))
	r.Use(middleware.Recoverer(a.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.HTTPMetrics(a.metrics))

	if a.cfg.Security.EnableCORS {
		r.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: a.cfg.Security.AllowedOrigins,
		}))
	}

	if a.cfg.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			a.cfg.Security.RateLimit.RPS,
			a.cfg.Security.RateLimit.Burst,
			a.logger,
		)
		r.Use(limiter.Handler)
	}

	healthHandler := transporthttp.NewHealthHandler(Version, map[string]func() error{
		"store": a.store.Ping,
	}, a.logger)
	licenseHandler := transporthttp.NewLicenseHandler(a.service, a.logger)

	paymentVerifier := payment.NewVerifier(a.cfg.Payment.WebhookSecret, a.cfg.Payment.SignatureMaxAge)
	orderVerifier := payment.NewVerifier(a.cfg.Orders.WebhookSecret, a.cfg.Payment.SignatureMaxAge)
	webhookHandler := transporthttp.NewWebhookHandler(paymentVerifier, orderVerifier, a.service, a.metrics, a.logger)

	r.Get("/", healthHandler.Root)
	if a.providers.PrometheusHTTP != nil {
		r.Handle("/metrics", a.providers.PrometheusHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		r.Post("/generate", licenseHandler.Generate)
		r.Post("/activate", licenseHandler.Activate)
		r.Post("/verify", licenseHandler.Verify)
		r.Get("/get-license", licenseHandler.GetLicense)
		r.Post("/create-checkout-session", licenseHandler.CreateCheckoutSession)

		// Webhook routes read the raw body themselves; nothing in the
		// chain above consumes it.
		r.Post("/webhook", webhookHandler.HandlePayment)
		r.Post("/order-webhook", webhookHandler.HandleOrder)
	})

	a.router = r
}

func (a *Application) createServer() {
	a.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:        a.router,
		ReadTimeout:    a.cfg.Server.ReadTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		IdleTimeout:    a.cfg.Server.IdleTimeout,
		MaxHeaderBytes: a.cfg.Server.MaxHeaderBytes,
	}
}

// Router exposes the composed router, used by tests
func (a *Application) Router() chi.Router {
	return a.router
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a
// server failure, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server starting",
			slog.String("addr", a.server.Addr),
			slog.String("version", Version))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *Application) shutdown() error {
	a.logger.Info("shutting down",
		slog.Duration("timeout", a.cfg.Server.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if a.providers != nil {
		if err := a.providers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases resources without running the server, used by tests
func (a *Application) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
