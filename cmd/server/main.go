package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	acmeclient "github.com/pagemill/certd/internal/acme"
	"github.com/pagemill/certd/internal/api"
	"github.com/pagemill/certd/internal/cert"
	"github.com/pagemill/certd/internal/config"
	"github.com/pagemill/certd/internal/domain"
	"github.com/pagemill/certd/internal/health"
	"github.com/pagemill/certd/internal/logger"
	"github.com/pagemill/certd/internal/metrics"
	"github.com/pagemill/certd/internal/middleware"
	"github.com/pagemill/certd/internal/netguard"
	"github.com/pagemill/certd/internal/repository"
	"github.com/pagemill/certd/internal/secrets"
	"github.com/pagemill/certd/internal/webhook"
)

// Version is set at build time
var Version = "dev"

// lazyPurger breaks the construction cycle between the registry and the
// certificate service: the registry needs a purger, the certificate service
// needs the registry. Assigned once during startup, before any request.
type lazyPurger struct {
	svc *cert.Service
}

func (p *lazyPurger) DeleteAllForDomain(ctx context.Context, domainID uuid.UUID) (int, error) {
	if p.svc == nil {
		return 0, nil
	}
	return p.svc.DeleteAllForDomain(ctx, domainID)
}

func main() {
	log := logger.New(logger.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Encryption.KeyHex == "" {
		log.Error("ENCRYPTION_KEY environment variable is required")
		os.Exit(1)
	}
	if cfg.ACME.Email == "" {
		log.Error("ACME_ACCOUNT_EMAIL environment variable is required")
		os.Exit(1)
	}

	box, err := secrets.NewBoxFromHex(cfg.Encryption.KeyHex)
	if err != nil {
		log.Error("Invalid encryption key", "error", err)
		os.Exit(1)
	}

	dbPool, err := setupDatabase(cfg)
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Connected to database", "name", cfg.Database.DBName, "host", cfg.Database.Host)

	// Repositories
	domainRepo := repository.NewDomainRepository(dbPool)
	certRepo := cert.NewPostgresRepository(dbPool)

	// Database pool metrics
	dbCollector := metrics.NewDBStatsCollector(dbPool, log)
	dbCollector.Start(15 * time.Second)
	defer dbCollector.Stop()

	// Webhook notifier toward the proxy fleet agent
	notifier := webhook.NewNotifier(webhook.Config{
		AgentURL: cfg.Webhook.URL,
		Secret:   secrets.NewValue(cfg.Webhook.Secret),
		Logger:   log,
	})
	notifierCtx, stopNotifier := context.WithCancel(context.Background())
	notifier.Start(notifierCtx)

	// SSRF guard in front of every ACME order
	guard := netguard.New(netguard.Config{Logger: log})

	directoryURL := cfg.ACME.DirectoryURL
	if directoryURL == "" && cfg.ACME.Sandbox {
		directoryURL = acmeclient.LetsEncryptStaging
	}
	acmeClient, err := acmeclient.NewClient(acmeclient.Config{
		DirectoryURL: directoryURL,
		Email:        cfg.ACME.Email,
		Guard:        guard,
		Logger:       log,
	})
	if err != nil {
		log.Error("Failed to create ACME client", "error", err)
		os.Exit(1)
	}

	// Services. The purger is bound after the certificate service exists.
	purger := &lazyPurger{}
	verifier := domain.NewDNSVerifier(domain.DNSVerifierConfig{Logger: log})
	domainService := domain.NewService(domain.ServiceConfig{
		Repository: domainRepo,
		Verifier:   verifier,
		Purger:     purger,
		Events:     notifier,
		Logger:     log,
	})
	certService := cert.NewService(cert.ServiceConfig{
		Repository:         certRepo,
		Domains:            domainService,
		ACME:               acmeClient,
		Box:                box,
		Events:             notifier,
		Limiter:            cert.NewIssueLimiter(cfg.Issuance.IssuesPerDay, cfg.Issuance.Burst),
		Sandbox:            cfg.ACME.Sandbox,
		MaxRenewalAttempts: cfg.Renewal.MaxAttempts,
		Logger:             log,
	})
	purger.svc = certService

	// Background renewal sweeper
	sweeper := cert.NewSweeper(certService, cert.SweeperConfig{
		CheckInterval:         cfg.Renewal.CheckInterval,
		RenewalWindow:         cfg.Renewal.Window,
		MaxConcurrentRenewals: cfg.Renewal.MaxConcurrentRenewals,
		Logger:                log,
	})
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper.Start(sweeperCtx)

	// Handlers
	domainHandler := api.NewDomainHandler(domainService, log)
	certHandler := api.NewCertificateHandler(certService, log)
	healthHandler := health.NewHandler(health.Config{
		DBPool:  dbPool,
		Sweeper: sweeper,
		Version: Version,
	})
	verifyLimiter := middleware.NewDomainVerifyRateLimiter()

	// Router
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.StructuredLogger(log))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://dashboard.pagemill.io", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	// HTTP-01 responder lives on the apex, outside the API prefix
	api.RegisterWellKnown(r, certHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(verifyLimiter.RateLimitVerify)
		api.RegisterRoutes(r, domainHandler, certHandler)
	})

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting server", "addr", addr, "sandbox", cfg.ACME.Sandbox)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	stopSweeper()
	sweeper.Stop()

	// Let queued webhook deliveries drain before exit
	stopNotifier()
	select {
	case <-notifier.Done():
	case <-ctx.Done():
	}

	log.Info("Server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
