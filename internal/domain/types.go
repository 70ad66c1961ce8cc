// Package domain is the registry of customer custom domains: registration,
// DNS ownership verification, SSL mode, browser rules, and throttle config.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SSLMode selects how TLS is terminated for a domain.
type SSLMode string

const (
	SSLModeNone        SSLMode = "none"
	SSLModeLetsEncrypt SSLMode = "lets_encrypt"
	SSLModeExternal    SSLMode = "external"
)

// Valid reports whether the mode is one of the known values.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeNone, SSLModeLetsEncrypt, SSLModeExternal:
		return true
	}
	return false
}

// Browser rule actions.
const (
	RuleActionAllow = "allow"
	RuleActionBlock = "block"
)

// Custom errors for domain operations
var (
	ErrDomainNotFound    = errors.New("domain not found")
	ErrDomainExists      = errors.New("domain already registered")
	ErrInvalidDomainName = errors.New("invalid domain name format")
	ErrReservedDomain    = errors.New("domain is reserved")
	ErrNotVerified       = errors.New("domain ownership not verified")
	ErrInvalidSSLMode    = errors.New("invalid ssl mode")
	ErrForceHTTPSMode    = errors.New("force_https requires the lets_encrypt ssl mode")
	ErrInvalidRule       = errors.New("invalid browser rule")
	ErrRuleNotFound      = errors.New("browser rule not found")
	ErrInvalidThrottle   = errors.New("invalid throttle config")
	ErrThrottleNotFound  = errors.New("throttle config not found")
)

// Domain is a hostname bound to exactly one tenant project.
//
// ForceHTTPS may be true only while SSLMode is lets_encrypt; every mode
// transition away from lets_encrypt clears it.
type Domain struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ProjectID         uuid.UUID  `db:"project_id" json:"project_id"`
	DomainName        string     `db:"domain_name" json:"domain_name"`
	VerificationToken string     `db:"verification_token" json:"verification_token"`
	Verified          bool       `db:"verified" json:"verified"`
	VerifiedAt        *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	SSLMode           SSLMode    `db:"ssl_mode" json:"ssl_mode"`
	ForceHTTPS        bool       `db:"force_https" json:"force_https"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// BrowserRule is an ordered allow/block rule matched against a request's
// user agent. Patterns are validated as regular expressions before they are
// persisted.
type BrowserRule struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DomainID  uuid.UUID `db:"domain_id" json:"domain_id"`
	Pattern   string    `db:"pattern" json:"pattern"`
	Action    string    `db:"action" json:"action"`
	Position  int       `db:"position" json:"position"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ThrottleConfig is the per-domain request throttle, at most one per domain.
// When disabled the values persist but are not enforced.
type ThrottleConfig struct {
	DomainID          uuid.UUID `db:"domain_id" json:"domain_id"`
	Enabled           bool      `db:"enabled" json:"enabled"`
	RequestsPerSecond float64   `db:"requests_per_second" json:"requests_per_second"`
	Burst             int       `db:"burst" json:"burst"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Repository defines the interface for domain data access.
type Repository interface {
	Create(ctx context.Context, domain *Domain) error
	GetByID(ctx context.Context, id uuid.UUID) (*Domain, error)
	GetByName(ctx context.Context, name string) (*Domain, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Domain, error)
	Update(ctx context.Context, domain *Domain) error
	Delete(ctx context.Context, id uuid.UUID) error

	CreateRule(ctx context.Context, rule *BrowserRule) error
	ListRules(ctx context.Context, domainID uuid.UUID) ([]BrowserRule, error)
	DeleteRule(ctx context.Context, domainID, ruleID uuid.UUID) error

	UpsertThrottle(ctx context.Context, cfg *ThrottleConfig) error
	GetThrottle(ctx context.Context, domainID uuid.UUID) (*ThrottleConfig, error)
}
