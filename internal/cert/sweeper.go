package cert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pagemill/certd/internal/metrics"
)

// SweeperConfig holds configuration for the renewal sweeper.
type SweeperConfig struct {
	// CheckInterval is how often to sweep (default: 24 hours).
	CheckInterval time.Duration

	// RenewalWindow is how long before expiry renewal starts (default: 30 days).
	RenewalWindow time.Duration

	// MaxConcurrentRenewals limits parallel renewal operations (default: 5).
	MaxConcurrentRenewals int

	Logger *slog.Logger
}

// Sweeper periodically marks expired certificates and renews those inside
// the renewal window. It runs as its own process; the state machine itself
// has no background actors.
type Sweeper struct {
	service *Service
	config  SweeperConfig

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewSweeper creates a new Sweeper instance.
func NewSweeper(service *Service, config SweeperConfig) *Sweeper {
	if config.CheckInterval == 0 {
		config.CheckInterval = 24 * time.Hour
	}
	if config.RenewalWindow == 0 {
		config.RenewalWindow = 30 * 24 * time.Hour
	}
	if config.MaxConcurrentRenewals == 0 {
		config.MaxConcurrentRenewals = 5
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Sweeper{
		service: service,
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.config.Logger.Info("renewal sweeper started",
		"check_interval", s.config.CheckInterval, "renewal_window", s.config.RenewalWindow)

	go s.run(ctx)
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// LastRunTime returns the time of the last sweep.
func (s *Sweeper) LastRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep: mark expired, then renew everything
// inside the renewal window.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.mu.Unlock()

	logger := s.config.Logger

	if _, err := s.service.MarkExpired(ctx, time.Now().UTC()); err != nil {
		logger.Error("expiry sweep failed", "error", err)
	}

	expiring, err := s.service.ListExpiring(ctx, s.config.RenewalWindow)
	if err != nil {
		logger.Error("failed to list expiring certificates", "error", err)
		return
	}

	if len(expiring) == 0 {
		return
	}
	logger.Info("renewing expiring certificates", "count", len(expiring))

	for _, cert := range expiring {
		metrics.CertificateExpiryDays.WithLabelValues(cert.DomainName).Set(float64(cert.DaysUntilExpiry()))
	}

	sem := make(chan struct{}, s.config.MaxConcurrentRenewals)
	var wg sync.WaitGroup

	for _, cert := range expiring {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		go func(c DomainCertificate) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if _, err := s.service.Renew(ctx, c.ID); err != nil {
				if errors.Is(err, ErrRenewalExhausted) {
					logger.Warn("renewal ceiling reached, leaving certificate alone",
						"cert_id", c.ID, "domain", c.DomainName)
					return
				}
				logger.Error("sweep renewal failed",
					"cert_id", c.ID, "domain", c.DomainName, "error", err)
			}
		}(cert)
	}

	wg.Wait()
}
