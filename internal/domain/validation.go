package domain

import (
	"regexp"
	"strings"
)

const (
	// MaxDomainLength is the maximum length of a domain name per RFC 1035
	MaxDomainLength = 253
	// MaxLabelLength is the maximum length of a domain label per RFC 1035
	MaxLabelLength = 63
)

// Reserved names that can never be registered as custom domains.
var reservedDomains = []string{
	"localhost",
	"local",
	"internal",
	"pagemill.io",
	"example.com",
	"example.org",
	"example.net",
	"test",
	"invalid",
}

// domainRegex validates domain format per RFC 1035
// Pattern: one or more labels separated by dots, ending with a TLD of 2+ chars
var domainRegex = regexp.MustCompile(`^([a-z0-9]+(-[a-z0-9]+)*\.)+[a-z]{2,}$`)

// ValidateDomainName validates a domain name according to RFC 1035.
func ValidateDomainName(name string) error {
	name = NormalizeDomainName(name)

	if name == "" {
		return ErrInvalidDomainName
	}

	if len(name) > MaxDomainLength {
		return ErrInvalidDomainName
	}

	if !domainRegex.MatchString(name) {
		return ErrInvalidDomainName
	}

	for _, label := range strings.Split(name, ".") {
		if len(label) > MaxLabelLength {
			return ErrInvalidDomainName
		}
	}

	if isReservedDomain(name) {
		return ErrReservedDomain
	}

	return nil
}

// NormalizeDomainName case-folds a domain name:
// - Converts to lowercase
// - Trims whitespace
// - Removes trailing dots
func NormalizeDomainName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ".")
	return name
}

// isReservedDomain checks if a domain is in the reserved list
func isReservedDomain(name string) bool {
	for _, reserved := range reservedDomains {
		// Exact match
		if name == reserved {
			return true
		}
		// Subdomain of reserved domain
		if strings.HasSuffix(name, "."+reserved) {
			return true
		}
	}
	return false
}

// ValidateRule checks a browser rule's action and compiles its pattern.
// Invalid regular expressions are rejected before anything is persisted.
func ValidateRule(pattern, action string) error {
	if action != RuleActionAllow && action != RuleActionBlock {
		return ErrInvalidRule
	}
	if pattern == "" {
		return ErrInvalidRule
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return ErrInvalidRule
	}
	return nil
}
