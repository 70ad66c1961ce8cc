package domain

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	// DefaultDNSTimeout is the default timeout for DNS lookups
	DefaultDNSTimeout = 5 * time.Second
	// TXTRecordPrefix is the subdomain prefix for verification TXT records
	TXTRecordPrefix = "_pagemill-verify"
)

// txtResolver is the slice of net.Resolver the verifier needs.
type txtResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSVerifier checks domain ownership through the verification TXT record.
type DNSVerifier struct {
	resolver  txtResolver
	txtPrefix string
	timeout   time.Duration
	logger    *slog.Logger
}

// DNSVerifierConfig contains configuration for DNSVerifier.
type DNSVerifierConfig struct {
	Resolver  txtResolver   // default: net.DefaultResolver
	TXTPrefix string        // TXT record subdomain prefix (default: _pagemill-verify)
	Timeout   time.Duration // DNS lookup timeout (default: 5s)
	Logger    *slog.Logger
}

// TXTRecord represents a TXT record lookup result
type TXTRecord struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	IsValid bool   `json:"is_valid"`
}

// DNSCheckResult contains the results of a DNS verification check
type DNSCheckResult struct {
	TXTRecords      []TXTRecord `json:"txt_records"`
	TXTValid        bool        `json:"txt_valid"`
	IsReadyToVerify bool        `json:"is_ready_to_verify"`
	Issues          []string    `json:"issues,omitempty"`
}

// DNSInstructions describes the record the domain owner must publish.
type DNSInstructions struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewDNSVerifier creates a new DNSVerifier instance
func NewDNSVerifier(cfg DNSVerifierConfig) *DNSVerifier {
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.TXTPrefix == "" {
		cfg.TXTPrefix = TXTRecordPrefix
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultDNSTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &DNSVerifier{
		resolver:  cfg.Resolver,
		txtPrefix: cfg.TXTPrefix,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// CheckDNS looks up the verification TXT record for a domain and reports
// whether the stored token is present.
func (v *DNSVerifier) CheckDNS(ctx context.Context, domainName, verificationToken string) (*DNSCheckResult, error) {
	result := &DNSCheckResult{
		TXTRecords: make([]TXTRecord, 0),
		Issues:     make([]string, 0),
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	txtName := fmt.Sprintf("%s.%s", v.txtPrefix, domainName)

	txtRecords, err := v.resolver.LookupTXT(ctx, txtName)
	if err != nil {
		v.logger.Debug("TXT lookup failed", "name", txtName, "error", err)
		result.Issues = append(result.Issues, fmt.Sprintf("Failed to lookup TXT record at %s: %v", txtName, err))
		return result, nil
	}

	if len(txtRecords) == 0 {
		result.Issues = append(result.Issues, fmt.Sprintf("No TXT record found at %s", txtName))
		return result, nil
	}

	for _, txt := range txtRecords {
		isValid := strings.TrimSpace(txt) == verificationToken

		result.TXTRecords = append(result.TXTRecords, TXTRecord{
			Name:    txtName,
			Value:   txt,
			IsValid: isValid,
		})

		if isValid {
			result.TXTValid = true
		}
	}

	if !result.TXTValid {
		result.Issues = append(result.Issues, "TXT record value does not match verification token")
	}

	result.IsReadyToVerify = result.TXTValid
	return result, nil
}

// GetDNSInstructions returns the record the domain owner must publish to
// prove ownership.
func (v *DNSVerifier) GetDNSInstructions(domainName, verificationToken string) DNSInstructions {
	return DNSInstructions{
		Type:  "TXT",
		Name:  fmt.Sprintf("%s.%s", v.txtPrefix, domainName),
		Value: verificationToken,
	}
}
