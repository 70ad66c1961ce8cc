// Package cert is the certificate state machine: it owns every
// DomainCertificate write, enforces lifecycle invariants, and orchestrates
// the ACME client, the encryption box, and the webhook notifier.
package cert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ChallengeType selects the ACME challenge used for an issuance.
type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "HTTP01"
	ChallengeDNS01  ChallengeType = "DNS01"
)

// IsValid checks if the challenge type is valid
func (c ChallengeType) IsValid() bool {
	return c == ChallengeHTTP01 || c == ChallengeDNS01
}

// Custom errors for certificate operations
var (
	ErrCertificateNotFound     = errors.New("certificate not found")
	ErrActiveCertificateExists = errors.New("an active or pending certificate already exists for this domain")
	ErrDomainNotVerified       = errors.New("domain ownership not verified")
	ErrInvalidChallengeType    = errors.New("invalid challenge type")
	ErrInvalidState            = errors.New("operation not valid for current certificate status")
	ErrMissingCertificate      = errors.New("certificate PEM is not present")
	ErrRenewalExhausted        = errors.New("renewal attempt ceiling reached")
	ErrIssuanceRateLimited     = errors.New("issuance rate limit exceeded for domain")
)

// CancelledReason is recorded when a pending certificate is cancelled.
const CancelledReason = "cancelled by caller"

// DomainCertificate is one attempt (pending, issued, or terminal) to obtain
// a certificate for a domain. The private key is persisted only in its
// envelope-encrypted form.
type DomainCertificate struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	DomainID      uuid.UUID     `db:"domain_id" json:"domain_id"`
	DomainName    string        `db:"domain_name" json:"domain_name"`
	Status        Status        `db:"status" json:"status"`
	ChallengeType ChallengeType `db:"challenge_type" json:"challenge_type"`

	EncryptedKeyPEM *string `db:"encrypted_key_pem" json:"-"`
	CSRPEM          *string `db:"csr_pem" json:"-"`
	CertificatePEM  *string `db:"certificate_pem" json:"certificate_pem,omitempty"`
	ChainPEM        *string `db:"chain_pem" json:"chain_pem,omitempty"`

	AcmeOrderURL     *string `db:"acme_order_url" json:"-"`
	AcmeAuthzURL     *string `db:"acme_authz_url" json:"-"`
	AcmeChallengeURL *string `db:"acme_challenge_url" json:"-"`

	// HTTP-01: token served at the well-known path plus its answer.
	HTTPToken   *string `db:"http_token" json:"http_token,omitempty"`
	HTTPKeyAuth *string `db:"http_key_auth" json:"-"`

	// DNS-01: record to publish. Non-null iff status is pending_dns01.
	DNSTxtName  *string `db:"dns_txt_name" json:"dns_txt_name,omitempty"`
	DNSTxtValue *string `db:"dns_txt_value" json:"dns_txt_value,omitempty"`

	IssuedAt        *time.Time `db:"issued_at" json:"issued_at,omitempty"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	RenewalAttempts int        `db:"renewal_attempts" json:"renewal_attempts"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DaysUntilExpiry calculates the number of days until the certificate
// expires. Returns -1 if no expiry is set.
func (c *DomainCertificate) DaysUntilExpiry() int {
	if c.ExpiresAt == nil {
		return -1
	}
	return int(time.Until(*c.ExpiresAt).Hours() / 24)
}

// IsExpired checks if the certificate has passed its expiry.
func (c *DomainCertificate) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Repository defines the interface for certificate data access. Create must
// be an atomic check-and-insert: a second active certificate for the same
// domain fails with ErrActiveCertificateExists even under concurrency.
type Repository interface {
	Create(ctx context.Context, cert *DomainCertificate) error
	GetByID(ctx context.Context, id uuid.UUID) (*DomainCertificate, error)
	GetActiveByDomainID(ctx context.Context, domainID uuid.UUID) (*DomainCertificate, error)
	ListByDomainID(ctx context.Context, domainID uuid.UUID) ([]DomainCertificate, error)
	Update(ctx context.Context, cert *DomainCertificate) error
	DeleteByDomainID(ctx context.Context, domainID uuid.UUID) (int, error)

	// GetPendingHTTPKeyAuth resolves an HTTP-01 token to its key
	// authorization for well-known challenge serving.
	GetPendingHTTPKeyAuth(ctx context.Context, token string) (string, error)

	// MarkExpired flips issued certificates past their expiry to expired,
	// returning how many rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int, error)

	// ListExpiring returns issued certificates expiring within the window.
	ListExpiring(ctx context.Context, within time.Duration) ([]DomainCertificate, error)
}

// IssueResult is returned from Issue. For DNS-01 it carries the TXT record
// the caller must publish.
type IssueResult struct {
	Certificate *DomainCertificate `json:"certificate"`

	DNSTxtName  string `json:"dns_txt_name,omitempty"`
	DNSTxtValue string `json:"dns_txt_value,omitempty"`
}

// ProgressResult is returned from the caller-driven completion operations.
// Retry marks the expected intermediate outcome (challenge not yet
// validated, TXT not yet propagated): not an error, poll again later.
type ProgressResult struct {
	Certificate *DomainCertificate `json:"certificate"`
	Retry       bool               `json:"retry"`
	Reason      string             `json:"reason,omitempty"`
}
