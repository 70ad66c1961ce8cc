// Package acme wraps the RFC 8555 order lifecycle against an external
// certificate authority: create order, fulfill an HTTP-01 or DNS-01
// challenge, finalize with a CSR, download the chain, and revoke.
//
// The low-level golang.org/x/crypto/acme client is used instead of a
// full-service library because DNS-01 fulfillment here is split across two
// caller-driven phases: the order is opened and the TXT value handed back,
// and validation is requested later, once the caller reports the record
// published. DNS propagation delay is an expected intermediate state, not
// an error.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/pagemill/certd/internal/netguard"
	"github.com/pagemill/certd/internal/secrets"
)

// Challenge types supported by the client.
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// ACME directory endpoints.
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// txtRecordPrefix is the DNS-01 validation record label.
const txtRecordPrefix = "_acme-challenge"

// Custom errors for ACME operations
var (
	ErrUnsupportedChallenge = errors.New("unsupported challenge type")
	ErrNoChallengeOffered   = errors.New("authority offered no challenge of the requested type")
	ErrOrderPending         = errors.New("order has not been validated yet")
	ErrChallengeFailed      = errors.New("challenge validation failed")
)

// ProviderError wraps a failure reported by the certificate authority so the
// CA's own message survives to the caller.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("acme provider error during %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Order captures everything the caller must persist to drive an order to
// completion across requests.
type Order struct {
	URI          string
	AuthzURL     string
	ChallengeURL string

	// HTTP-01: the token served at /.well-known/acme-challenge/<token>
	// and the key authorization it must answer with.
	Token            string
	KeyAuthorization string

	// DNS-01: the TXT record the caller must publish.
	TXTRecordName  string
	TXTRecordValue string
}

// IssuedCertificate is the result of a finalized order.
type IssuedCertificate struct {
	KeyPEM   secrets.Value
	CertPEM  string
	ChainPEM string
	CSRPEM   string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TXTResolver looks up TXT records; swapped in tests.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Client speaks the ACME v2 protocol on behalf of the certificate state
// machine. Every order for a caller-supplied domain is screened by the SSRF
// guard before the authority is contacted.
type Client struct {
	guard    *netguard.Guard
	resolver TXTResolver
	logger   *slog.Logger
	email    string

	mu         sync.Mutex
	ac         *acme.Client
	registered bool
}

// Config contains configuration for the Client.
type Config struct {
	DirectoryURL string        // ACME directory (default: Let's Encrypt production)
	Email        string        // account contact
	AccountKey   crypto.Signer // optional; generated when nil
	Guard        *netguard.Guard
	Resolver     TXTResolver // default: net.DefaultResolver
	Logger       *slog.Logger
}

// NewClient creates a Client. An account key is generated when none is
// supplied; registration with the authority happens lazily on first use.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Guard == nil {
		return nil, errors.New("ssrf guard is required")
	}
	if cfg.Email == "" {
		return nil, errors.New("account email is required")
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = LetsEncryptProduction
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	key := cfg.AccountKey
	if key == nil {
		generated, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate account key: %w", err)
		}
		key = generated
	}

	return &Client{
		guard:    cfg.Guard,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		email:    cfg.Email,
		ac: &acme.Client{
			Key:          key,
			DirectoryURL: cfg.DirectoryURL,
			UserAgent:    "pagemill-certd",
		},
	}, nil
}

// ensureRegistered creates the ACME account on first use.
func (c *Client) ensureRegistered(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	account := &acme.Account{Contact: []string{"mailto:" + c.email}}
	if _, err := c.ac.Register(ctx, account, acme.AcceptTOS); err != nil {
		if !errors.Is(err, acme.ErrAccountAlreadyExists) {
			return &ProviderError{Op: "register", Err: err}
		}
	}
	c.registered = true
	return nil
}

// BeginOrder screens the domain, opens an order, and prepares the requested
// challenge. Acceptance is not part of this call: the authority starts
// validating the moment a challenge is accepted, so the caller must first
// make the answer available (persist the HTTP-01 key authorization for the
// well-known responder, or publish the DNS-01 TXT record) and then call
// AcceptChallenge.
func (c *Client) BeginOrder(ctx context.Context, domain, challengeType string) (*Order, error) {
	if challengeType != ChallengeHTTP01 && challengeType != ChallengeDNS01 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChallenge, challengeType)
	}

	if err := c.guard.AssertExternal(ctx, domain); err != nil {
		return nil, err
	}

	if err := c.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	ord, err := c.ac.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, &ProviderError{Op: "authorize order", Err: err}
	}
	if len(ord.AuthzURLs) == 0 {
		return nil, &ProviderError{Op: "authorize order", Err: errors.New("order carries no authorizations")}
	}

	authz, err := c.ac.GetAuthorization(ctx, ord.AuthzURLs[0])
	if err != nil {
		return nil, &ProviderError{Op: "fetch authorization", Err: err}
	}

	var chal *acme.Challenge
	for _, candidate := range authz.Challenges {
		if candidate.Type == challengeType {
			chal = candidate
			break
		}
	}
	if chal == nil {
		return nil, fmt.Errorf("%w: %s for %s", ErrNoChallengeOffered, challengeType, domain)
	}

	order := &Order{
		URI:          ord.URI,
		AuthzURL:     ord.AuthzURLs[0],
		ChallengeURL: chal.URI,
		Token:        chal.Token,
	}

	switch challengeType {
	case ChallengeHTTP01:
		keyAuth, err := c.ac.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key authorization: %w", err)
		}
		order.KeyAuthorization = keyAuth

	case ChallengeDNS01:
		value, err := c.ac.DNS01ChallengeRecord(chal.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to compute TXT record value: %w", err)
		}
		order.TXTRecordName = txtRecordPrefix + "." + domain
		order.TXTRecordValue = value
	}

	c.logger.Info("acme order opened",
		"domain", domain, "challenge", challengeType, "order", ord.URI)

	return order, nil
}

// TXTPropagated checks, through the local resolver, whether the DNS-01 TXT
// record is visible with the expected value. A lookup failure means "not
// yet": the record simply has not propagated.
func (c *Client) TXTPropagated(ctx context.Context, recordName, expected string) bool {
	values, err := c.resolver.LookupTXT(ctx, recordName)
	if err != nil {
		c.logger.Debug("TXT lookup failed", "name", recordName, "error", err)
		return false
	}

	for _, v := range values {
		if strings.TrimSpace(v) == expected {
			return true
		}
	}
	return false
}

// AcceptChallenge tells the authority the challenge is ready to validate.
// Accepting an already-accepted challenge is a no-op.
func (c *Client) AcceptChallenge(ctx context.Context, challengeURL string) error {
	chal, err := c.ac.GetChallenge(ctx, challengeURL)
	if err != nil {
		return &ProviderError{Op: "fetch challenge", Err: err}
	}

	if chal.Status != acme.StatusPending {
		return nil
	}

	if _, err := c.ac.Accept(ctx, chal); err != nil {
		return &ProviderError{Op: "accept challenge", Err: err}
	}
	return nil
}

// CompleteOrder checks order progress and, when the authority has validated
// the challenge, finalizes with a fresh key + CSR and downloads the chain.
//
// Returns ErrOrderPending while the authority is still validating (an
// expected intermediate outcome the caller should retry later) and
// ErrChallengeFailed (wrapped in a ProviderError detail where available)
// when validation failed terminally.
func (c *Client) CompleteOrder(ctx context.Context, domain string, order *Order) (*IssuedCertificate, error) {
	ord, err := c.ac.GetOrder(ctx, order.URI)
	if err != nil {
		return nil, &ProviderError{Op: "fetch order", Err: err}
	}

	switch ord.Status {
	case acme.StatusPending, acme.StatusProcessing:
		return nil, ErrOrderPending
	case acme.StatusInvalid:
		return nil, c.orderFailure(ctx, order)
	case acme.StatusReady, acme.StatusValid:
		// Fall through to finalize.
	default:
		return nil, &ProviderError{Op: "fetch order", Err: fmt.Errorf("unexpected order status %q", ord.Status)}
	}

	return c.finalize(ctx, domain, ord)
}

// AwaitOrder blocks until the authority finishes validating the order, then
// finalizes it. The wait is bounded by ctx; the authority's Retry-After
// pacing is honored. Used for renewals, where the caller expects a
// success-or-failure answer within one request.
func (c *Client) AwaitOrder(ctx context.Context, domain string, order *Order) (*IssuedCertificate, error) {
	ord, err := c.ac.WaitOrder(ctx, order.URI)
	if err != nil {
		var oe *acme.OrderError
		if errors.As(err, &oe) {
			return nil, c.orderFailure(ctx, order)
		}
		return nil, &ProviderError{Op: "wait order", Err: err}
	}

	return c.finalize(ctx, domain, ord)
}

// orderFailure digs the authorization error out of a failed order so the
// CA's message reaches the caller.
func (c *Client) orderFailure(ctx context.Context, order *Order) error {
	authz, err := c.ac.GetAuthorization(ctx, order.AuthzURL)
	if err != nil {
		return fmt.Errorf("%w: order invalid", ErrChallengeFailed)
	}

	for _, chal := range authz.Challenges {
		if chal.URI == order.ChallengeURL && chal.Error != nil {
			return challengeFailure(chal.Error)
		}
	}
	return fmt.Errorf("%w: authorization %s", ErrChallengeFailed, authz.Status)
}

// challengeFailure wraps the CA's problem detail into ErrChallengeFailed.
// The challenge carries its error as a plain error whose dynamic type is
// *acme.Error; anything else falls back to the error text.
func challengeFailure(cause error) error {
	var ae *acme.Error
	if errors.As(cause, &ae) {
		return fmt.Errorf("%w: %s", ErrChallengeFailed, ae.Detail)
	}
	return fmt.Errorf("%w: %s", ErrChallengeFailed, cause.Error())
}

// finalize generates the certificate key, submits the CSR, and downloads
// the issued chain.
func (c *Client) finalize(ctx context.Context, domain string, ord *acme.Order) (*IssuedCertificate, error) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	chainDER, _, err := c.ac.CreateOrderCert(ctx, ord.FinalizeURL, csrDER, true)
	if err != nil {
		return nil, &ProviderError{Op: "finalize order", Err: err}
	}
	if len(chainDER) == 0 {
		return nil, &ProviderError{Op: "finalize order", Err: errors.New("authority returned an empty chain")}
	}

	leaf, err := x509.ParseCertificate(chainDER[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal certificate key: %w", err)
	}

	issued := &IssuedCertificate{
		KeyPEM:    secrets.NewValue(encodePEM("EC PRIVATE KEY", keyDER)),
		CertPEM:   encodePEM("CERTIFICATE", chainDER[0]),
		CSRPEM:    encodePEM("CERTIFICATE REQUEST", csrDER),
		IssuedAt:  leaf.NotBefore,
		ExpiresAt: leaf.NotAfter,
	}

	var chain strings.Builder
	for _, der := range chainDER[1:] {
		chain.WriteString(encodePEM("CERTIFICATE", der))
	}
	issued.ChainPEM = chain.String()

	c.logger.Info("certificate issued",
		"domain", domain, "expires_at", leaf.NotAfter)

	return issued, nil
}

// Revoke asks the authority to revoke an issued certificate, authenticated
// with the account key.
func (c *Client) Revoke(ctx context.Context, certPEM string) error {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.New("certificate PEM is not parseable")
	}

	if err := c.ensureRegistered(ctx); err != nil {
		return err
	}

	if err := c.ac.RevokeCert(ctx, nil, block.Bytes, acme.CRLReasonUnspecified); err != nil {
		return &ProviderError{Op: "revoke certificate", Err: err}
	}
	return nil
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
