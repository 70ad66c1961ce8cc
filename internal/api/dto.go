package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pagemill/certd/internal/cert"
	"github.com/pagemill/certd/internal/domain"
)

// Validator instance for request validation
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// RegisterDomainRequest represents the request body for registering a domain
type RegisterDomainRequest struct {
	ProjectID  uuid.UUID `json:"project_id" validate:"required"`
	DomainName string    `json:"domain_name" validate:"required,min=4,max=253"`
}

// UpdateSSLModeRequest represents the request body for changing a domain's SSL mode
type UpdateSSLModeRequest struct {
	SSLMode    string `json:"ssl_mode" validate:"required,oneof=none lets_encrypt external"`
	ForceHTTPS bool   `json:"force_https"`
}

// ThrottleRequest represents the request body for replacing a domain's throttle config
type ThrottleRequest struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" validate:"gte=0"`
}

// BrowserRuleRequest represents the request body for adding a browser rule
type BrowserRuleRequest struct {
	Pattern string `json:"pattern" validate:"required,max=512"`
	Action  string `json:"action" validate:"required,oneof=allow block"`
}

// IssueCertificateRequest represents the request body for ordering a certificate
type IssueCertificateRequest struct {
	ChallengeType string `json:"challenge_type" validate:"required,oneof=HTTP01 DNS01"`
}

// DomainResponse represents a domain in API responses
type DomainResponse struct {
	ID                uuid.UUID             `json:"id"`
	ProjectID         uuid.UUID             `json:"project_id"`
	DomainName        string                `json:"domain_name"`
	Status            string                `json:"status"` // "pending" or "verified"
	VerificationToken string                `json:"verification_token,omitempty"`
	SSLMode           domain.SSLMode        `json:"ssl_mode"`
	ForceHTTPS        bool                  `json:"force_https"`
	VerifiedAt        *time.Time            `json:"verified_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	DNSInstructions   *TXTRecordInstruction `json:"dns_instructions,omitempty"`
}

// TXTRecordInstruction contains TXT record setup details
type TXTRecordInstruction struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// VerifyDomainResponse represents the response for domain verification
type VerifyDomainResponse struct {
	Domain             DomainResponse `json:"domain"`
	TXTRecordFound     bool           `json:"txt_record_found"`
	TXTRecordsObserved []TXTRecordDTO `json:"txt_records_observed,omitempty"`
	Issues             []string       `json:"issues,omitempty"`
}

// TXTRecordDTO represents an observed TXT record
type TXTRecordDTO struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	IsValid bool   `json:"is_valid"`
}

// BrowserRuleResponse represents a browser rule in API responses
type BrowserRuleResponse struct {
	ID        uuid.UUID `json:"id"`
	DomainID  uuid.UUID `json:"domain_id"`
	Pattern   string    `json:"pattern"`
	Action    string    `json:"action"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// ThrottleResponse represents a throttle config in API responses
type ThrottleResponse struct {
	DomainID          uuid.UUID `json:"domain_id"`
	Enabled           bool      `json:"enabled"`
	RequestsPerSecond float64   `json:"requests_per_second"`
	Burst             int       `json:"burst"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EligibilityResponse represents the on-demand TLS eligibility answer
type EligibilityResponse struct {
	Domain   string `json:"domain"`
	Eligible bool   `json:"eligible"`
}

// CertificateResponse represents a certificate in API responses.
// Private key material is never exposed.
type CertificateResponse struct {
	ID              uuid.UUID          `json:"id"`
	DomainID        uuid.UUID          `json:"domain_id"`
	DomainName      string             `json:"domain_name"`
	ChallengeType   cert.ChallengeType `json:"challenge_type"`
	Status          cert.Status        `json:"status"`
	IssuedAt        *time.Time         `json:"issued_at,omitempty"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"`
	DaysUntilExpiry *int               `json:"days_until_expiry,omitempty"`
	RenewalAttempts int                `json:"renewal_attempts"`
	LastError       *string            `json:"last_error,omitempty"`
	DNSTxtName      *string            `json:"dns_txt_name,omitempty"`
	DNSTxtValue     *string            `json:"dns_txt_value,omitempty"`
	CertificatePEM  *string            `json:"certificate_pem,omitempty"`
	ChainPEM        *string            `json:"chain_pem,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ProgressResponse represents a retryable state-machine step
type ProgressResponse struct {
	Retry  bool   `json:"retry"`
	Reason string `json:"reason,omitempty"`
}

// PurgeResponse represents the result of purging a domain's certificates
type PurgeResponse struct {
	DomainID uuid.UUID `json:"domain_id"`
	Deleted  int       `json:"deleted"`
}

// Helper functions to convert entities to DTOs

// ToDomainResponse converts a domain entity to a response DTO
func ToDomainResponse(d *domain.Domain, instructions *domain.DNSInstructions) DomainResponse {
	resp := DomainResponse{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		DomainName: d.DomainName,
		Status:     getDomainStatus(d),
		SSLMode:    d.SSLMode,
		ForceHTTPS: d.ForceHTTPS,
		VerifiedAt: d.VerifiedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}

	// Include verification token only for pending domains
	if !d.Verified {
		resp.VerificationToken = d.VerificationToken
	}

	if instructions != nil {
		resp.DNSInstructions = &TXTRecordInstruction{
			Type:  instructions.Type,
			Name:  instructions.Name,
			Value: instructions.Value,
		}
	}

	return resp
}

// getDomainStatus returns the status string for a domain
func getDomainStatus(d *domain.Domain) string {
	if d.Verified {
		return "verified"
	}
	return "pending"
}

// ToVerifyDomainResponse converts a DNS check result to a verification response
func ToVerifyDomainResponse(d *domain.Domain, result *domain.DNSCheckResult) VerifyDomainResponse {
	resp := VerifyDomainResponse{
		Domain:         ToDomainResponse(d, nil),
		TXTRecordFound: result.TXTValid,
		Issues:         result.Issues,
	}

	for _, txt := range result.TXTRecords {
		resp.TXTRecordsObserved = append(resp.TXTRecordsObserved, TXTRecordDTO{
			Name:    txt.Name,
			Value:   txt.Value,
			IsValid: txt.IsValid,
		})
	}

	return resp
}

// ToBrowserRuleResponse converts a browser rule to a response DTO
func ToBrowserRuleResponse(rule *domain.BrowserRule) BrowserRuleResponse {
	return BrowserRuleResponse{
		ID:        rule.ID,
		DomainID:  rule.DomainID,
		Pattern:   rule.Pattern,
		Action:    rule.Action,
		Position:  rule.Position,
		CreatedAt: rule.CreatedAt,
	}
}

// ToThrottleResponse converts a throttle config to a response DTO
func ToThrottleResponse(cfg *domain.ThrottleConfig) ThrottleResponse {
	return ThrottleResponse{
		DomainID:          cfg.DomainID,
		Enabled:           cfg.Enabled,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		UpdatedAt:         cfg.UpdatedAt,
	}
}

// ToCertificateResponse converts a certificate to a response DTO
func ToCertificateResponse(c *cert.DomainCertificate) CertificateResponse {
	resp := CertificateResponse{
		ID:              c.ID,
		DomainID:        c.DomainID,
		DomainName:      c.DomainName,
		ChallengeType:   c.ChallengeType,
		Status:          c.Status,
		IssuedAt:        c.IssuedAt,
		ExpiresAt:       c.ExpiresAt,
		RenewalAttempts: c.RenewalAttempts,
		LastError:       c.LastError,
		CertificatePEM:  c.CertificatePEM,
		ChainPEM:        c.ChainPEM,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}

	// TXT instructions are only meaningful while the DNS challenge is pending
	if c.Status == cert.StatusPendingDNS01 {
		resp.DNSTxtName = c.DNSTxtName
		resp.DNSTxtValue = c.DNSTxtValue
	}

	if c.ExpiresAt != nil {
		days := c.DaysUntilExpiry()
		resp.DaysUntilExpiry = &days
	}

	return resp
}
