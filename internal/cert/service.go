package cert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	acmeclient "github.com/pagemill/certd/internal/acme"
	"github.com/pagemill/certd/internal/domain"
	"github.com/pagemill/certd/internal/metrics"
	"github.com/pagemill/certd/internal/netguard"
	"github.com/pagemill/certd/internal/secrets"
	"github.com/pagemill/certd/internal/webhook"
)

// DefaultMaxRenewalAttempts is the renewal ceiling: once a certificate has
// accumulated this many attempts without a success, further renewals are
// refused until the issuance state is reset.
const DefaultMaxRenewalAttempts = 5

// ACMEClient is the slice of the ACME client the state machine drives.
// Satisfied by *acmeclient.Client; swapped for a fake in tests.
type ACMEClient interface {
	BeginOrder(ctx context.Context, domain, challengeType string) (*acmeclient.Order, error)
	TXTPropagated(ctx context.Context, recordName, expected string) bool
	AcceptChallenge(ctx context.Context, challengeURL string) error
	CompleteOrder(ctx context.Context, domain string, order *acmeclient.Order) (*acmeclient.IssuedCertificate, error)
	AwaitOrder(ctx context.Context, domain string, order *acmeclient.Order) (*acmeclient.IssuedCertificate, error)
	Revoke(ctx context.Context, certPEM string) error
}

// DomainReader is the registry view the state machine needs. Satisfied by
// *domain.Service.
type DomainReader interface {
	GetDomain(ctx context.Context, domainID uuid.UUID) (*domain.Domain, error)
}

// EventSink receives lifecycle events. Satisfied by *webhook.Notifier.
type EventSink interface {
	Notify(event webhook.Event)
}

// Service owns the certificate lifecycle. Every state change commits before
// its notification is dispatched, and notification outcomes never affect
// the state change.
type Service struct {
	repo        Repository
	domains     DomainReader
	acme        ACMEClient
	box         *secrets.Box
	events      EventSink
	limiter     *IssueLimiter
	sandbox     bool
	maxRenewals int
	logger      *slog.Logger
}

// ServiceConfig contains configuration for the certificate Service.
type ServiceConfig struct {
	Repository         Repository
	Domains            DomainReader
	ACME               ACMEClient
	Box                *secrets.Box
	Events             EventSink     // optional; nil disables notifications
	Limiter            *IssueLimiter // optional; nil disables local rate limiting
	Sandbox            bool          // issuing against a staging CA
	MaxRenewalAttempts int           // default: 5
	Logger             *slog.Logger
}

// NewService creates a new certificate Service instance.
func NewService(cfg ServiceConfig) *Service {
	if cfg.MaxRenewalAttempts <= 0 {
		cfg.MaxRenewalAttempts = DefaultMaxRenewalAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		repo:        cfg.Repository,
		domains:     cfg.Domains,
		acme:        cfg.ACME,
		box:         cfg.Box,
		events:      cfg.Events,
		limiter:     cfg.Limiter,
		sandbox:     cfg.Sandbox,
		maxRenewals: cfg.MaxRenewalAttempts,
		logger:      cfg.Logger,
	}
}

func (s *Service) mode() string {
	if s.sandbox {
		return webhook.ModeSandbox
	}
	return webhook.ModeLive
}

func (s *Service) notify(event, domainName string, certID uuid.UUID, withMode bool) {
	if s.events == nil {
		return
	}
	e := webhook.Event{Event: event, Domain: domainName, CertID: certID.String()}
	if withMode {
		e.Mode = s.mode()
	}
	s.events.Notify(e)
}

// acmeChallenge maps the public challenge type onto the wire identifier.
func acmeChallenge(t ChallengeType) string {
	if t == ChallengeDNS01 {
		return acmeclient.ChallengeDNS01
	}
	return acmeclient.ChallengeHTTP01
}

// Issue starts a certificate order for a domain. It fails with
// ErrActiveCertificateExists when an active or pending certificate already
// exists, and with ErrDomainNotVerified when ownership has not been proven.
// For DNS-01 the result carries the TXT record to publish; for HTTP-01 the
// authority validates against the domain directly and the caller polls with
// PollHTTP01.
func (s *Service) Issue(ctx context.Context, domainID uuid.UUID, challengeType ChallengeType) (*IssueResult, error) {
	if !challengeType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChallengeType, challengeType)
	}

	d, err := s.domains.GetDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}
	if !d.Verified {
		return nil, ErrDomainNotVerified
	}

	existing, err := s.repo.GetActiveByDomainID(ctx, domainID)
	if err != nil && !errors.Is(err, ErrCertificateNotFound) {
		return nil, fmt.Errorf("failed to check for active certificate: %w", err)
	}
	if existing != nil {
		return nil, ErrActiveCertificateExists
	}

	if s.limiter != nil && !s.limiter.Allow(d.DomainName) {
		return nil, fmt.Errorf("%w: %s", ErrIssuanceRateLimited, d.DomainName)
	}

	order, err := s.acme.BeginOrder(ctx, d.DomainName, acmeChallenge(challengeType))
	if err != nil {
		if errors.Is(err, netguard.ErrForbiddenAddress) {
			metrics.SSRFRejections.Inc()
		}
		metrics.IssuanceTotal.WithLabelValues(string(challengeType), "failed").Inc()
		return nil, err
	}

	cert := &DomainCertificate{
		ID:               uuid.New(),
		DomainID:         domainID,
		DomainName:       d.DomainName,
		ChallengeType:    challengeType,
		AcmeOrderURL:     &order.URI,
		AcmeAuthzURL:     &order.AuthzURL,
		AcmeChallengeURL: &order.ChallengeURL,
	}

	result := &IssueResult{Certificate: cert}

	switch challengeType {
	case ChallengeHTTP01:
		cert.Status = StatusPendingHTTP01
		cert.HTTPToken = &order.Token
		cert.HTTPKeyAuth = &order.KeyAuthorization
	case ChallengeDNS01:
		cert.Status = StatusPendingDNS01
		cert.DNSTxtName = &order.TXTRecordName
		cert.DNSTxtValue = &order.TXTRecordValue
		result.DNSTxtName = order.TXTRecordName
		result.DNSTxtValue = order.TXTRecordValue
	}

	// Atomic check-and-insert. A concurrent issuance that won the race
	// surfaces here as a conflict even though the check above passed.
	if err := s.repo.Create(ctx, cert); err != nil {
		return nil, err
	}

	// The authority may fetch the well-known path the moment the challenge
	// is accepted, so the key authorization has to be persisted first.
	// DNS-01 acceptance waits until the TXT record is published.
	if challengeType == ChallengeHTTP01 {
		if err := s.acme.AcceptChallenge(ctx, order.ChallengeURL); err != nil {
			return nil, s.recordFailure(ctx, cert, err)
		}
	}

	metrics.IssuanceTotal.WithLabelValues(string(challengeType), "started").Inc()
	s.logger.Info("certificate issuance started",
		"cert_id", cert.ID, "domain", d.DomainName, "challenge", challengeType)

	return result, nil
}

// CompleteDNS01 drives a pending DNS-01 certificate forward. While the TXT
// record has not propagated, or the authority is still validating, it
// returns a retryable result without touching the status. On success the
// certificate transitions to issued; on terminal validation failure, to
// failed.
func (s *Service) CompleteDNS01(ctx context.Context, certID uuid.UUID) (*ProgressResult, error) {
	cert, err := s.repo.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != StatusPendingDNS01 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cert.Status)
	}

	// Never ask the authority to validate before the record is locally
	// visible: an invalid authorization is terminal on the CA side, while
	// propagation delay is an expected intermediate state.
	if !s.acme.TXTPropagated(ctx, *cert.DNSTxtName, *cert.DNSTxtValue) {
		metrics.IssuanceTotal.WithLabelValues(string(ChallengeDNS01), "retry").Inc()
		return &ProgressResult{
			Certificate: cert,
			Retry:       true,
			Reason:      "TXT record not yet visible",
		}, nil
	}

	if err := s.acme.AcceptChallenge(ctx, *cert.AcmeChallengeURL); err != nil {
		return nil, s.recordFailure(ctx, cert, err)
	}

	return s.progressOrder(ctx, cert)
}

// PollHTTP01 checks validation progress of a pending HTTP-01 certificate.
// The authority fetches the key authorization on its own schedule, so the
// caller polls: still validating returns a retryable result, success
// transitions to issued, terminal failure to failed.
func (s *Service) PollHTTP01(ctx context.Context, certID uuid.UUID) (*ProgressResult, error) {
	cert, err := s.repo.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != StatusPendingHTTP01 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cert.Status)
	}

	return s.progressOrder(ctx, cert)
}

// progressOrder asks the authority for the order's fate and applies the
// resulting transition.
func (s *Service) progressOrder(ctx context.Context, cert *DomainCertificate) (*ProgressResult, error) {
	order := &acmeclient.Order{
		URI:          *cert.AcmeOrderURL,
		AuthzURL:     *cert.AcmeAuthzURL,
		ChallengeURL: *cert.AcmeChallengeURL,
	}

	issued, err := s.acme.CompleteOrder(ctx, cert.DomainName, order)
	if err != nil {
		if errors.Is(err, acmeclient.ErrOrderPending) {
			metrics.IssuanceTotal.WithLabelValues(string(cert.ChallengeType), "retry").Inc()
			return &ProgressResult{
				Certificate: cert,
				Retry:       true,
				Reason:      "authority has not finished validating",
			}, nil
		}
		if errors.Is(err, acmeclient.ErrChallengeFailed) {
			return nil, s.recordFailure(ctx, cert, err)
		}
		return nil, err
	}

	if err := s.storeIssued(ctx, cert, issued); err != nil {
		return nil, err
	}

	metrics.IssuanceTotal.WithLabelValues(string(cert.ChallengeType), "issued").Inc()
	s.notify(webhook.EventCertIssued, cert.DomainName, cert.ID, true)

	return &ProgressResult{Certificate: cert}, nil
}

// storeIssued encrypts the private key and persists the issued material,
// transitioning the certificate to issued. The DNS TXT value is cleared:
// it belongs to the pending_dns01 state only.
func (s *Service) storeIssued(ctx context.Context, cert *DomainCertificate, issued *acmeclient.IssuedCertificate) error {
	encryptedKey, err := s.box.Encrypt(issued.KeyPEM.Reveal())
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}

	cert.Status = StatusIssued
	cert.EncryptedKeyPEM = &encryptedKey
	cert.CSRPEM = &issued.CSRPEM
	cert.CertificatePEM = &issued.CertPEM
	cert.ChainPEM = &issued.ChainPEM
	cert.IssuedAt = &issued.IssuedAt
	cert.ExpiresAt = &issued.ExpiresAt
	cert.LastError = nil
	cert.DNSTxtName = nil
	cert.DNSTxtValue = nil

	if err := s.repo.Update(ctx, cert); err != nil {
		return fmt.Errorf("failed to persist issued certificate: %w", err)
	}

	metrics.CertificateExpiryDays.WithLabelValues(cert.DomainName).Set(float64(cert.DaysUntilExpiry()))
	s.logger.Info("certificate issued",
		"cert_id", cert.ID, "domain", cert.DomainName, "expires_at", issued.ExpiresAt)

	return nil
}

// recordFailure transitions a certificate to failed with the error recorded,
// then returns the original error for the caller.
func (s *Service) recordFailure(ctx context.Context, cert *DomainCertificate, cause error) error {
	msg := cause.Error()
	cert.Status = StatusFailed
	cert.LastError = &msg
	cert.DNSTxtName = nil
	cert.DNSTxtValue = nil

	if err := s.repo.Update(ctx, cert); err != nil {
		s.logger.Error("failed to record certificate failure",
			"cert_id", cert.ID, "cause", cause, "error", err)
	}

	metrics.IssuanceTotal.WithLabelValues(string(cert.ChallengeType), "failed").Inc()
	s.logger.Warn("certificate order failed",
		"cert_id", cert.ID, "domain", cert.DomainName, "error", msg)

	return cause
}

// Cancel aborts a pending certificate, recording a fixed cancellation
// reason. Only pending certificates can be cancelled.
func (s *Service) Cancel(ctx context.Context, certID uuid.UUID) (*DomainCertificate, error) {
	cert, err := s.repo.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if !cert.Status.Pending() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cert.Status)
	}

	reason := CancelledReason
	cert.Status = StatusFailed
	cert.LastError = &reason
	cert.DNSTxtName = nil
	cert.DNSTxtValue = nil

	if err := s.repo.Update(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to cancel certificate: %w", err)
	}

	s.logger.Info("certificate cancelled", "cert_id", certID, "domain", cert.DomainName)
	return cert, nil
}

// Renew replaces an issued certificate with a freshly issued one, validated
// over HTTP-01. The attempt counter is bumped on every invocation and reset
// only on success; once the ceiling is reached, renewal is refused. Failures
// leave the certificate issued (the existing material is still valid) with
// the error recorded.
func (s *Service) Renew(ctx context.Context, certID uuid.UUID) (*DomainCertificate, error) {
	cert, err := s.repo.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != StatusIssued {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cert.Status)
	}

	cert.RenewalAttempts++
	if err := s.repo.Update(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to record renewal attempt: %w", err)
	}

	if cert.RenewalAttempts > s.maxRenewals {
		metrics.RenewalTotal.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("%w: %d attempts", ErrRenewalExhausted, cert.RenewalAttempts)
	}

	if s.limiter != nil && !s.limiter.Allow(cert.DomainName) {
		metrics.RenewalTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %s", ErrIssuanceRateLimited, cert.DomainName)
	}

	order, err := s.acme.BeginOrder(ctx, cert.DomainName, acmeclient.ChallengeHTTP01)
	if err != nil {
		return nil, s.recordRenewalFailure(ctx, cert, err)
	}

	// The well-known handler serves key authorizations from storage, so
	// the renewal order's token must be visible before the CA fetches it.
	cert.AcmeOrderURL = &order.URI
	cert.AcmeAuthzURL = &order.AuthzURL
	cert.AcmeChallengeURL = &order.ChallengeURL
	cert.HTTPToken = &order.Token
	cert.HTTPKeyAuth = &order.KeyAuthorization
	if err := s.repo.Update(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to persist renewal order: %w", err)
	}

	if err := s.acme.AcceptChallenge(ctx, order.ChallengeURL); err != nil {
		return nil, s.recordRenewalFailure(ctx, cert, err)
	}

	issued, err := s.acme.AwaitOrder(ctx, cert.DomainName, order)
	if err != nil {
		return nil, s.recordRenewalFailure(ctx, cert, err)
	}

	cert.RenewalAttempts = 0
	if err := s.storeIssued(ctx, cert, issued); err != nil {
		return nil, err
	}

	metrics.RenewalTotal.WithLabelValues("success").Inc()
	s.notify(webhook.EventCertRenewed, cert.DomainName, cert.ID, true)
	s.logger.Info("certificate renewed", "cert_id", cert.ID, "domain", cert.DomainName)

	return cert, nil
}

// recordRenewalFailure records the error on the still-issued certificate
// and returns the cause. The attempt counter keeps its bump.
func (s *Service) recordRenewalFailure(ctx context.Context, cert *DomainCertificate, cause error) error {
	msg := cause.Error()
	cert.LastError = &msg

	if err := s.repo.Update(ctx, cert); err != nil {
		s.logger.Error("failed to record renewal failure",
			"cert_id", cert.ID, "cause", cause, "error", err)
	}

	metrics.RenewalTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("certificate renewal failed",
		"cert_id", cert.ID, "domain", cert.DomainName, "attempts", cert.RenewalAttempts, "error", msg)

	return cause
}

// Revoke revokes an issued certificate with the authority and transitions
// it to revoked. The ACME revoke call is skipped in sandbox mode.
func (s *Service) Revoke(ctx context.Context, certID uuid.UUID) (*DomainCertificate, error) {
	cert, err := s.repo.GetByID(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert.Status != StatusIssued {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, cert.Status)
	}
	if cert.CertificatePEM == nil || *cert.CertificatePEM == "" {
		return nil, ErrMissingCertificate
	}

	if !s.sandbox {
		if err := s.acme.Revoke(ctx, *cert.CertificatePEM); err != nil {
			metrics.RevocationTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	cert.Status = StatusRevoked
	if err := s.repo.Update(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to persist revocation: %w", err)
	}

	metrics.RevocationTotal.WithLabelValues("success").Inc()
	s.notify(webhook.EventCertRevoked, cert.DomainName, cert.ID, false)
	s.logger.Info("certificate revoked", "cert_id", certID, "domain", cert.DomainName)

	return cert, nil
}

// DeleteAllForDomain removes every certificate row for a domain, returning
// the count. Used to reset issuance state entirely, and by the registry on
// domain removal.
func (s *Service) DeleteAllForDomain(ctx context.Context, domainID uuid.UUID) (int, error) {
	count, err := s.repo.DeleteByDomainID(ctx, domainID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete certificates: %w", err)
	}

	if count > 0 {
		s.logger.Info("certificates purged", "domain_id", domainID, "count", count)
	}
	return count, nil
}

// GetCertificate retrieves a certificate by ID.
func (s *Service) GetCertificate(ctx context.Context, certID uuid.UUID) (*DomainCertificate, error) {
	return s.repo.GetByID(ctx, certID)
}

// ListForDomain returns all certificate attempts for a domain, newest first.
func (s *Service) ListForDomain(ctx context.Context, domainID uuid.UUID) ([]DomainCertificate, error) {
	return s.repo.ListByDomainID(ctx, domainID)
}

// HTTPChallengeResponse resolves a well-known challenge token to its key
// authorization for a pending HTTP-01 order.
func (s *Service) HTTPChallengeResponse(ctx context.Context, token string) (string, error) {
	return s.repo.GetPendingHTTPKeyAuth(ctx, token)
}

// MarkExpired flips issued certificates past their expiry to expired.
// Invoked by the sweeper, not by callers.
func (s *Service) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	count, err := s.repo.MarkExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired certificates: %w", err)
	}
	if count > 0 {
		metrics.ExpiredMarked.Add(float64(count))
		s.logger.Info("certificates marked expired", "count", count)
	}
	return count, nil
}

// ListExpiring returns issued certificates expiring within the window.
func (s *Service) ListExpiring(ctx context.Context, within time.Duration) ([]DomainCertificate, error) {
	return s.repo.ListExpiring(ctx, within)
}
