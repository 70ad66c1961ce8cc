package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pagemill/certd/internal/webhook"
)

// EventSink receives lifecycle events for the proxy fleet. Satisfied by
// *webhook.Notifier.
type EventSink interface {
	Notify(event webhook.Event)
}

// CertificatePurger removes every certificate belonging to a domain. The
// certificate state machine implements it; the registry calls it on domain
// removal so key material never outlives its domain.
type CertificatePurger interface {
	DeleteAllForDomain(ctx context.Context, domainID uuid.UUID) (int, error)
}

// Service handles custom-domain business logic.
type Service struct {
	repo     Repository
	verifier *DNSVerifier
	purger   CertificatePurger
	events   EventSink
	logger   *slog.Logger
}

// ServiceConfig contains configuration for the domain Service.
type ServiceConfig struct {
	Repository Repository
	Verifier   *DNSVerifier
	Purger     CertificatePurger // optional; domains may be removed before any issuance
	Events     EventSink         // optional; nil disables notifications
	Logger     *slog.Logger
}

// NewService creates a new domain Service instance.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		repo:     cfg.Repository,
		verifier: cfg.Verifier,
		purger:   cfg.Purger,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
}

// RegisterDomain registers a custom domain for a project. The name is
// case-folded and validated, a verification token is generated, and the
// domain starts unverified with SSL mode "none".
func (s *Service) RegisterDomain(ctx context.Context, projectID uuid.UUID, domainName string) (*Domain, *DNSInstructions, error) {
	domainName = NormalizeDomainName(domainName)
	if err := ValidateDomainName(domainName); err != nil {
		return nil, nil, err
	}

	existing, err := s.repo.GetByName(ctx, domainName)
	if err != nil && !errors.Is(err, ErrDomainNotFound) {
		return nil, nil, fmt.Errorf("failed to check domain existence: %w", err)
	}
	if existing != nil {
		return nil, nil, ErrDomainExists
	}

	token, err := GenerateVerificationToken()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	domain := &Domain{
		ID:                uuid.New(),
		ProjectID:         projectID,
		DomainName:        domainName,
		VerificationToken: token,
		SSLMode:           SSLModeNone,
	}

	if err := s.repo.Create(ctx, domain); err != nil {
		return nil, nil, fmt.Errorf("failed to create domain: %w", err)
	}

	instructions := s.verifier.GetDNSInstructions(domainName, token)

	s.logger.Info("domain registered",
		"domain_id", domain.ID, "domain_name", domainName, "project_id", projectID)

	if s.events != nil {
		s.events.Notify(webhook.Event{Event: webhook.EventDomainAdded, Domain: domainName})
	}

	return domain, &instructions, nil
}

// GetDomain retrieves a domain by ID.
func (s *Service) GetDomain(ctx context.Context, domainID uuid.UUID) (*Domain, error) {
	return s.repo.GetByID(ctx, domainID)
}

// GetDomainByName retrieves a domain by its case-folded name.
func (s *Service) GetDomainByName(ctx context.Context, name string) (*Domain, error) {
	return s.repo.GetByName(ctx, NormalizeDomainName(name))
}

// ListDomains retrieves all domains belonging to a project.
func (s *Service) ListDomains(ctx context.Context, projectID uuid.UUID) ([]Domain, error) {
	domains, err := s.repo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	return domains, nil
}

// DeleteDomain removes a domain, purging its certificates first so key
// material never outlives it. Rules and throttle config cascade in the
// store.
func (s *Service) DeleteDomain(ctx context.Context, domainID uuid.UUID) error {
	domain, err := s.repo.GetByID(ctx, domainID)
	if err != nil {
		return err
	}

	if s.purger != nil {
		purged, err := s.purger.DeleteAllForDomain(ctx, domainID)
		if err != nil {
			return fmt.Errorf("failed to purge certificates: %w", err)
		}
		if purged > 0 {
			s.logger.Info("certificates purged with domain",
				"domain_id", domainID, "count", purged)
		}
	}

	if err := s.repo.Delete(ctx, domainID); err != nil {
		return fmt.Errorf("failed to delete domain: %w", err)
	}

	s.logger.Info("domain deleted", "domain_id", domainID, "domain_name", domain.DomainName)

	if s.events != nil {
		s.events.Notify(webhook.Event{Event: webhook.EventDomainRemoved, Domain: domain.DomainName})
	}

	return nil
}

// VerifyDomain checks the verification TXT record and, when present, marks
// the domain verified. Returns the DNS check result either way so callers
// can show what was (or was not) found. Verification not yet possible is
// reported through the result, not as an error.
func (s *Service) VerifyDomain(ctx context.Context, domainID uuid.UUID) (*Domain, *DNSCheckResult, error) {
	domain, err := s.repo.GetByID(ctx, domainID)
	if err != nil {
		return nil, nil, err
	}

	if domain.Verified {
		return domain, &DNSCheckResult{TXTValid: true, IsReadyToVerify: true}, nil
	}

	result, err := s.verifier.CheckDNS(ctx, domain.DomainName, domain.VerificationToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check DNS: %w", err)
	}

	if !result.IsReadyToVerify {
		return domain, result, nil
	}

	now := time.Now().UTC()
	domain.Verified = true
	domain.VerifiedAt = &now

	if err := s.repo.Update(ctx, domain); err != nil {
		return nil, nil, fmt.Errorf("failed to update domain: %w", err)
	}

	s.logger.Info("domain verified", "domain_id", domainID, "domain_name", domain.DomainName)

	return domain, result, nil
}

// DNSInstructions returns the TXT record the domain owner must publish.
func (s *Service) DNSInstructions(ctx context.Context, domainID uuid.UUID) (*Domain, *DNSInstructions, error) {
	domain, err := s.repo.GetByID(ctx, domainID)
	if err != nil {
		return nil, nil, err
	}

	instructions := s.verifier.GetDNSInstructions(domain.DomainName, domain.VerificationToken)
	return domain, &instructions, nil
}

// UpdateSSLMode changes a domain's SSL mode. force_https may only be set
// while the mode is lets_encrypt, and any transition away from lets_encrypt
// clears it regardless of the requested flag.
func (s *Service) UpdateSSLMode(ctx context.Context, domainID uuid.UUID, mode SSLMode, forceHTTPS bool) (*Domain, error) {
	if !mode.Valid() {
		return nil, ErrInvalidSSLMode
	}
	if forceHTTPS && mode != SSLModeLetsEncrypt {
		return nil, ErrForceHTTPSMode
	}

	domain, err := s.repo.GetByID(ctx, domainID)
	if err != nil {
		return nil, err
	}

	domain.SSLMode = mode
	domain.ForceHTTPS = forceHTTPS && mode == SSLModeLetsEncrypt

	if err := s.repo.Update(ctx, domain); err != nil {
		return nil, fmt.Errorf("failed to update ssl mode: %w", err)
	}

	s.logger.Info("ssl mode updated",
		"domain_id", domainID, "ssl_mode", mode, "force_https", domain.ForceHTTPS)

	return domain, nil
}

// Eligible reports whether on-demand TLS may be issued for a domain name:
// the domain must exist, be verified, and have SSL mode lets_encrypt.
// Unknown domains are simply ineligible.
func (s *Service) Eligible(ctx context.Context, domainName string) (bool, error) {
	domain, err := s.repo.GetByName(ctx, NormalizeDomainName(domainName))
	if err != nil {
		if errors.Is(err, ErrDomainNotFound) {
			return false, nil
		}
		return false, err
	}

	return domain.Verified && domain.SSLMode == SSLModeLetsEncrypt, nil
}

// AddBrowserRule validates and persists a user-agent rule for a domain.
// The rule is appended after the domain's existing rules.
func (s *Service) AddBrowserRule(ctx context.Context, domainID uuid.UUID, pattern, action string) (*BrowserRule, error) {
	if err := ValidateRule(pattern, action); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetByID(ctx, domainID); err != nil {
		return nil, err
	}

	rule := &BrowserRule{
		ID:       uuid.New(),
		DomainID: domainID,
		Pattern:  pattern,
		Action:   action,
	}

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create browser rule: %w", err)
	}

	s.logger.Info("browser rule added",
		"domain_id", domainID, "rule_id", rule.ID, "action", action)

	return rule, nil
}

// ListBrowserRules returns a domain's rules in evaluation order.
func (s *Service) ListBrowserRules(ctx context.Context, domainID uuid.UUID) ([]BrowserRule, error) {
	if _, err := s.repo.GetByID(ctx, domainID); err != nil {
		return nil, err
	}
	return s.repo.ListRules(ctx, domainID)
}

// DeleteBrowserRule removes a single rule from a domain.
func (s *Service) DeleteBrowserRule(ctx context.Context, domainID, ruleID uuid.UUID) error {
	return s.repo.DeleteRule(ctx, domainID, ruleID)
}

// UpsertThrottle replaces a domain's throttle configuration as a unit.
func (s *Service) UpsertThrottle(ctx context.Context, domainID uuid.UUID, enabled bool, rps float64, burst int) (*ThrottleConfig, error) {
	if rps < 0 || burst < 0 {
		return nil, fmt.Errorf("%w: rate and burst must be non-negative", ErrInvalidThrottle)
	}

	if _, err := s.repo.GetByID(ctx, domainID); err != nil {
		return nil, err
	}

	cfg := &ThrottleConfig{
		DomainID:          domainID,
		Enabled:           enabled,
		RequestsPerSecond: rps,
		Burst:             burst,
	}

	if err := s.repo.UpsertThrottle(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to upsert throttle config: %w", err)
	}

	s.logger.Info("throttle config updated",
		"domain_id", domainID, "enabled", enabled, "rps", rps, "burst", burst)

	return cfg, nil
}

// GetThrottle returns a domain's throttle configuration.
func (s *Service) GetThrottle(ctx context.Context, domainID uuid.UUID) (*ThrottleConfig, error) {
	if _, err := s.repo.GetByID(ctx, domainID); err != nil {
		return nil, err
	}
	return s.repo.GetThrottle(ctx, domainID)
}
