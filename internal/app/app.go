// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leadmap/symphony/internal/config"
	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/messenger"
	messengermemory "github.com/leadmap/symphony/internal/messenger/memory"
	messengerpostgres "github.com/leadmap/symphony/internal/messenger/postgres"
	"github.com/leadmap/symphony/internal/pkg/ctxlog"
	"github.com/leadmap/symphony/internal/pkg/httputil"
	"github.com/leadmap/symphony/internal/pkg/metrics"
	"github.com/leadmap/symphony/internal/pkg/postgres"
	"github.com/leadmap/symphony/internal/senders/email"
	"github.com/leadmap/symphony/internal/senders/sms"
	"github.com/leadmap/symphony/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	store      messenger.Store
	registry   *messenger.Registry
	dispatcher *messenger.Dispatcher
	scheduler  *messenger.Scheduler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	app := &App{
		config: cfg,
		logger: logger,
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	if err := app.setupStore(metricsCtx); err != nil {
		metricsCancel()
		return nil, err
	}

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		app.closeStore()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// setupStore connects the configured message store backend.
func (a *App) setupStore(metricsCtx context.Context) error {
	switch a.config.Messenger.Store {
	case "memory":
		slog.Info("using in-memory message store")
		a.store = messengermemory.NewStore()
		return nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(context.Background(), a.config.Database.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             a.config.Database.URL,
			MaxOpenConns:    a.config.Database.MaxOpenConns,
			MaxIdleConns:    a.config.Database.MaxIdleConns,
			ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
			ConnectAttempts: a.config.Database.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.store = messengerpostgres.NewStore(db)
		go a.collectDBMetrics(metricsCtx)
		return nil
	default:
		return fmt.Errorf("unknown message store %q", a.config.Messenger.Store)
	}
}

func (a *App) closeStore() {
	if a.db != nil {
		a.db.Close()
	}
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Workers stop before the
// servers so in-flight messages resolve while the store is still reachable.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Drain the workers before cancelling their context: in-flight handlers
	// must record their outcome while the store is still reachable.
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}

	a.metricsCancel()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeStore()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, tr := range a.registry.List() {
				qs, err := a.store.Snapshot(ctx, tr.Name)
				if err != nil {
					slog.Error("failed to snapshot queue",
						"transport", tr.Name,
						"error", err,
					)
					continue
				}
				messenger.RecordQueueStatus(qs)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Dispatcher returns the message dispatcher instance.
// Used in tests to access worker state.
func (a *App) Dispatcher() *messenger.Dispatcher {
	return a.dispatcher
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Symphony Messenger API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	transports := make([]domain.Transport, 0, len(a.config.Messenger.Transports))
	for _, tc := range a.config.Messenger.Transports {
		tc = a.config.TransportOrDefault(tc)
		transports = append(transports, domain.Transport{
			Name:              tc.Name,
			Concurrency:       tc.Concurrency,
			MaxAttempts:       tc.MaxAttempts,
			VisibilityTimeout: tc.VisibilityTimeout,
			PollInterval:      tc.PollInterval,
			PromotionBatch:    tc.PromotionBatch,
			Backoff: domain.Backoff{
				Initial:    tc.BackoffInitial,
				Multiplier: tc.BackoffMultiplier,
				Max:        tc.BackoffMax,
			},
		})
	}

	registry, err := messenger.NewRegistry(transports)
	if err != nil {
		return nil, fmt.Errorf("build transport registry: %w", err)
	}
	a.registry = registry

	emailSender, err := email.NewSender(email.Config{
		Enabled:      a.config.Senders.Email.Enabled,
		SMTPHost:     a.config.Senders.Email.SMTPHost,
		SMTPPort:     a.config.Senders.Email.SMTPPort,
		SMTPUser:     a.config.Senders.Email.SMTPUser,
		SMTPPassword: a.config.Senders.Email.SMTPPassword,
		FromAddress:  a.config.Senders.Email.FromAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !a.config.Senders.Email.Enabled {
		slog.Warn("email sender is disabled: email transports will discard messages")
	}

	smsSender, err := sms.NewSender(sms.Config{
		Enabled:    a.config.Senders.SMS.Enabled,
		GatewayURL: a.config.Senders.SMS.GatewayURL,
		APIKey:     a.config.Senders.SMS.APIKey,
		RateLimit:  a.config.Senders.SMS.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create sms sender: %w", err)
	}
	if !a.config.Senders.SMS.Enabled {
		slog.Warn("sms sender is disabled: sms transports will discard messages")
	}

	dispatcher := messenger.NewDispatcher(a.store, registry)
	for _, tc := range a.config.Messenger.Transports {
		var handler messenger.MessageHandler
		switch tc.Sender {
		case "email":
			handler = emailSender
		case "sms":
			handler = smsSender
		default:
			return nil, fmt.Errorf("transport %q: unknown sender %q", tc.Name, tc.Sender)
		}
		if err := dispatcher.Register(tc.Name, handler); err != nil {
			return nil, fmt.Errorf("register handler for transport %q: %w", tc.Name, err)
		}
	}
	a.dispatcher = dispatcher
	dispatcher.Start(ctx)

	scheduler := messenger.NewScheduler(messenger.SchedulerConfig{
		Interval:  a.config.Messenger.Scheduler.Interval,
		BatchSize: a.config.Messenger.Scheduler.BatchSize,
	}, a.store, registry)
	a.scheduler = scheduler
	scheduler.Start(ctx)

	go a.collectQueueMetrics(ctx)

	service := messenger.NewService(a.store, registry)
	handler := messenger.NewHandler(service)

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
