package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	acmeclient "github.com/pagemill/certd/internal/acme"
	"github.com/pagemill/certd/internal/cert"
	"github.com/pagemill/certd/internal/domain"
	"github.com/pagemill/certd/internal/secrets"
)

// memDomainRepo is an in-memory domain.Repository
type memDomainRepo struct {
	mu        sync.Mutex
	domains   map[uuid.UUID]*domain.Domain
	rules     map[uuid.UUID][]domain.BrowserRule
	throttles map[uuid.UUID]*domain.ThrottleConfig
}

func newMemDomainRepo() *memDomainRepo {
	return &memDomainRepo{
		domains:   make(map[uuid.UUID]*domain.Domain),
		rules:     make(map[uuid.UUID][]domain.BrowserRule),
		throttles: make(map[uuid.UUID]*domain.ThrottleConfig),
	}
}

func (m *memDomainRepo) Create(ctx context.Context, d *domain.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.domains {
		if existing.DomainName == d.DomainName {
			return domain.ErrDomainExists
		}
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	clone := *d
	m.domains[d.ID] = &clone
	return nil
}

func (m *memDomainRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, domain.ErrDomainNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *memDomainRepo) GetByName(ctx context.Context, name string) (*domain.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.DomainName == strings.ToLower(name) {
			clone := *d
			return &clone, nil
		}
	}
	return nil, domain.ErrDomainNotFound
}

func (m *memDomainRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Domain
	for _, d := range m.domains {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memDomainRepo) Update(ctx context.Context, d *domain.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[d.ID]; !ok {
		return domain.ErrDomainNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	clone := *d
	m.domains[d.ID] = &clone
	return nil
}

func (m *memDomainRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[id]; !ok {
		return domain.ErrDomainNotFound
	}
	delete(m.domains, id)
	return nil
}

func (m *memDomainRepo) CreateRule(ctx context.Context, rule *domain.BrowserRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule.Position = len(m.rules[rule.DomainID]) + 1
	rule.CreatedAt = time.Now().UTC()
	m.rules[rule.DomainID] = append(m.rules[rule.DomainID], *rule)
	return nil
}

func (m *memDomainRepo) ListRules(ctx context.Context, domainID uuid.UUID) ([]domain.BrowserRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrowserRule(nil), m.rules[domainID]...), nil
}

func (m *memDomainRepo) DeleteRule(ctx context.Context, domainID, ruleID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.rules[domainID]
	for i, rule := range rules {
		if rule.ID == ruleID {
			m.rules[domainID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return domain.ErrRuleNotFound
}

func (m *memDomainRepo) UpsertThrottle(ctx context.Context, cfg *domain.ThrottleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	clone := *cfg
	m.throttles[cfg.DomainID] = &clone
	return nil
}

func (m *memDomainRepo) GetThrottle(ctx context.Context, domainID uuid.UUID) (*domain.ThrottleConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.throttles[domainID]
	if !ok {
		return nil, domain.ErrThrottleNotFound
	}
	clone := *cfg
	return &clone, nil
}

// memCertRepo is an in-memory cert.Repository
type memCertRepo struct {
	mu    sync.Mutex
	certs map[uuid.UUID]*cert.DomainCertificate
}

func newMemCertRepo() *memCertRepo {
	return &memCertRepo{certs: make(map[uuid.UUID]*cert.DomainCertificate)}
}

func (m *memCertRepo) Create(ctx context.Context, c *cert.DomainCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status.Active() {
		for _, existing := range m.certs {
			if existing.DomainID == c.DomainID && existing.Status.Active() {
				return cert.ErrActiveCertificateExists
			}
		}
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	clone := *c
	m.certs[c.ID] = &clone
	return nil
}

func (m *memCertRepo) GetByID(ctx context.Context, id uuid.UUID) (*cert.DomainCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, cert.ErrCertificateNotFound
	}
	clone := *c
	return &clone, nil
}

func (m *memCertRepo) GetActiveByDomainID(ctx context.Context, domainID uuid.UUID) (*cert.DomainCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.DomainID == domainID && c.Status.Active() {
			clone := *c
			return &clone, nil
		}
	}
	return nil, cert.ErrCertificateNotFound
}

func (m *memCertRepo) ListByDomainID(ctx context.Context, domainID uuid.UUID) ([]cert.DomainCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cert.DomainCertificate
	for _, c := range m.certs {
		if c.DomainID == domainID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCertRepo) Update(ctx context.Context, c *cert.DomainCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.certs[c.ID]; !ok {
		return cert.ErrCertificateNotFound
	}
	clone := *c
	m.certs[c.ID] = &clone
	return nil
}

func (m *memCertRepo) DeleteByDomainID(ctx context.Context, domainID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, c := range m.certs {
		if c.DomainID == domainID {
			delete(m.certs, id)
			count++
		}
	}
	return count, nil
}

func (m *memCertRepo) GetPendingHTTPKeyAuth(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.HTTPToken != nil && *c.HTTPToken == token && c.HTTPKeyAuth != nil {
			return *c.HTTPKeyAuth, nil
		}
	}
	return "", cert.ErrCertificateNotFound
}

func (m *memCertRepo) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (m *memCertRepo) ListExpiring(ctx context.Context, within time.Duration) ([]cert.DomainCertificate, error) {
	return nil, nil
}

// stubACME hands out orders and never finishes them
type stubACME struct {
	mu     sync.Mutex
	orders int
}

func (s *stubACME) BeginOrder(ctx context.Context, domainName, challengeType string) (*acmeclient.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders++
	order := &acmeclient.Order{
		URI:          fmt.Sprintf("https://ca.test/order/%d", s.orders),
		AuthzURL:     fmt.Sprintf("https://ca.test/authz/%d", s.orders),
		ChallengeURL: fmt.Sprintf("https://ca.test/chal/%d", s.orders),
		Token:        fmt.Sprintf("api-token-%d", s.orders),
	}
	if challengeType == acmeclient.ChallengeHTTP01 {
		order.KeyAuthorization = order.Token + ".key-auth"
	} else {
		order.TXTRecordName = "_acme-challenge." + domainName
		order.TXTRecordValue = "txt-" + domainName
	}
	return order, nil
}

func (s *stubACME) TXTPropagated(ctx context.Context, recordName, expected string) bool {
	return false
}

func (s *stubACME) AcceptChallenge(ctx context.Context, challengeURL string) error {
	return nil
}

func (s *stubACME) CompleteOrder(ctx context.Context, domainName string, order *acmeclient.Order) (*acmeclient.IssuedCertificate, error) {
	return nil, acmeclient.ErrOrderPending
}

func (s *stubACME) AwaitOrder(ctx context.Context, domainName string, order *acmeclient.Order) (*acmeclient.IssuedCertificate, error) {
	return nil, acmeclient.ErrOrderPending
}

func (s *stubACME) Revoke(ctx context.Context, certPEM string) error {
	return nil
}

// stubResolver serves a fixed TXT zone
type stubResolver struct {
	records map[string][]string
}

func (s *stubResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	records, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", name)
	}
	return records, nil
}

type apiEnv struct {
	router      chi.Router
	domainRepo  *memDomainRepo
	certRepo    *memCertRepo
	domainSvc   *domain.Service
	certSvc     *cert.Service
	resolver    *stubResolver
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	box, err := secrets.NewBox(bytes.Repeat([]byte{0x24}, secrets.KeySize))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	env := &apiEnv{
		domainRepo: newMemDomainRepo(),
		certRepo:   newMemCertRepo(),
		resolver:   &stubResolver{records: make(map[string][]string)},
	}

	verifier := domain.NewDNSVerifier(domain.DNSVerifierConfig{Resolver: env.resolver})
	env.domainSvc = domain.NewService(domain.ServiceConfig{
		Repository: env.domainRepo,
		Verifier:   verifier,
	})
	env.certSvc = cert.NewService(cert.ServiceConfig{
		Repository: env.certRepo,
		Domains:    env.domainSvc,
		ACME:       &stubACME{},
		Box:        box,
		Sandbox:    true,
	})

	r := chi.NewRouter()
	domainHandler := NewDomainHandler(env.domainSvc, nil)
	certHandler := NewCertificateHandler(env.certSvc, nil)
	r.Route("/api/v1", func(r chi.Router) {
		RegisterRoutes(r, domainHandler, certHandler)
	})
	RegisterWellKnown(r, certHandler)

	env.router = r
	return env
}

func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

// registerDomain registers a domain through the API and returns its ID
func (env *apiEnv) registerDomain(t *testing.T, name string) uuid.UUID {
	t.Helper()

	rec := env.do(t, http.MethodPost, "/api/v1/domains", RegisterDomainRequest{
		ProjectID:  uuid.New(),
		DomainName: name,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", name, rec.Code, rec.Body.String())
	}

	d, err := env.domainSvc.GetDomainByName(context.Background(), name)
	if err != nil {
		t.Fatalf("GetDomainByName: %v", err)
	}
	return d.ID
}

// verifyDomain publishes the expected TXT record and verifies through the API
func (env *apiEnv) verifyDomain(t *testing.T, domainID uuid.UUID) {
	t.Helper()

	d, err := env.domainSvc.GetDomain(context.Background(), domainID)
	if err != nil {
		t.Fatalf("GetDomain: %v", err)
	}
	env.resolver.records["_pagemill-verify."+d.DomainName] = []string{d.VerificationToken}

	rec := env.do(t, http.MethodPost, "/api/v1/domains/"+domainID.String()+"/verify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterDomainEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/domains", RegisterDomainRequest{
		ProjectID:  uuid.New(),
		DomainName: "Site.Example-Customer.COM",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeEnvelope(t, rec)
	if !resp.Success {
		t.Fatalf("expected success envelope, got %s", rec.Body.String())
	}

	// Name comes back case-folded with a verification token.
	body := rec.Body.String()
	if !strings.Contains(body, `"site.example-customer.com"`) {
		t.Errorf("expected case-folded name in response: %s", body)
	}
	if !strings.Contains(body, `"pmv_`) {
		t.Errorf("expected verification token in response: %s", body)
	}

	// Same name again conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/domains", RegisterDomainRequest{
		ProjectID:  uuid.New(),
		DomainName: "site.example-customer.com",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Error == nil || resp.Error.Code != CodeDomainExists {
		t.Errorf("duplicate: error code = %+v, want %s", resp.Error, CodeDomainExists)
	}
}

func TestRegisterDomainValidationErrors(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", nil}, // nil body fails decoding
		{"missing name", RegisterDomainRequest{ProjectID: uuid.New()}},
		{"reserved", RegisterDomainRequest{ProjectID: uuid.New(), DomainName: "api.pagemill.io"}},
		{"bad format", RegisterDomainRequest{ProjectID: uuid.New(), DomainName: "no_underscores.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/domains", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if resp := decodeEnvelope(t, rec); resp.Error == nil || resp.Error.Code != CodeValidationError {
				t.Errorf("error code = %+v, want %s", resp.Error, CodeValidationError)
			}
		})
	}
}

func TestEligibilityEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	// Unknown domain: 403, not 404. The proxy fleet only needs yes or no.
	rec := env.do(t, http.MethodGet, "/api/v1/eligibility?domain=unknown.example.com", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unknown domain: status = %d, want 403", rec.Code)
	}

	domainID := env.registerDomain(t, "eligible.example-customer.com")

	// Verified but mode still "none": not eligible.
	env.verifyDomain(t, domainID)
	rec = env.do(t, http.MethodGet, "/api/v1/eligibility?domain=eligible.example-customer.com", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("mode none: status = %d, want 403", rec.Code)
	}

	// Switch to lets_encrypt: eligible.
	rec = env.do(t, http.MethodPut, "/api/v1/domains/"+domainID.String()+"/ssl-mode", UpdateSSLModeRequest{
		SSLMode: "lets_encrypt",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ssl-mode: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/eligibility?domain=eligible.example-customer.com", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("eligible: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestIssueCertificateEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	domainID := env.registerDomain(t, "certs.example-customer.com")

	// Unverified domain: 412.
	rec := env.do(t, http.MethodPost, "/api/v1/domains/"+domainID.String()+"/certificates",
		IssueCertificateRequest{ChallengeType: "HTTP01"})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("unverified: status = %d, want 412: %s", rec.Code, rec.Body.String())
	}

	env.verifyDomain(t, domainID)

	// Bad challenge type: 400 from request validation.
	rec = env.do(t, http.MethodPost, "/api/v1/domains/"+domainID.String()+"/certificates",
		IssueCertificateRequest{ChallengeType: "TLSALPN01"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad challenge: status = %d, want 400", rec.Code)
	}

	// First order: 201 pending.
	rec = env.do(t, http.MethodPost, "/api/v1/domains/"+domainID.String()+"/certificates",
		IssueCertificateRequest{ChallengeType: "HTTP01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"pending_http01"`) {
		t.Errorf("expected pending_http01 status in response: %s", rec.Body.String())
	}

	// Second order while pending: 409.
	rec = env.do(t, http.MethodPost, "/api/v1/domains/"+domainID.String()+"/certificates",
		IssueCertificateRequest{ChallengeType: "DNS01"})
	if rec.Code != http.StatusConflict {
		t.Errorf("conflict: status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestPollReturnsAcceptedWhileAuthorityValidates(t *testing.T) {
	env := newAPIEnv(t)
	domainID := env.registerDomain(t, "polling.example-customer.com")
	env.verifyDomain(t, domainID)

	rec := env.do(t, http.MethodPost, "/api/v1/domains/"+domainID.String()+"/certificates",
		IssueCertificateRequest{ChallengeType: "HTTP01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: status = %d: %s", rec.Code, rec.Body.String())
	}

	certs, err := env.certSvc.ListForDomain(context.Background(), domainID)
	if err != nil || len(certs) != 1 {
		t.Fatalf("ListForDomain: %v (%d certs)", err, len(certs))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/certificates/"+certs[0].ID.String()+"/poll", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("poll: status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"retry":true`) {
		t.Errorf("expected retry envelope: %s", rec.Body.String())
	}
}

func TestWellKnownEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	domainID := env.registerDomain(t, "wellknown.example-customer.com")
	env.verifyDomain(t, domainID)

	rec := env.do(t, http.MethodGet, "/.well-known/acme-challenge/no-such-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token: status = %d, want 404", rec.Code)
	}

	if _, err := env.certSvc.Issue(context.Background(), domainID, cert.ChallengeHTTP01); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	certs, _ := env.certSvc.ListForDomain(context.Background(), domainID)
	if len(certs) != 1 || certs[0].HTTPToken == nil {
		t.Fatalf("expected one pending certificate with a token")
	}

	rec = env.do(t, http.MethodGet, "/.well-known/acme-challenge/"+*certs[0].HTTPToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != *certs[0].HTTPKeyAuth {
		t.Errorf("body = %q, want the key authorization", rec.Body.String())
	}
}

func TestBrowserRuleEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	domainID := env.registerDomain(t, "rules.example-customer.com")
	base := "/api/v1/domains/" + domainID.String() + "/browser-rules"

	// Invalid regexp rejected before persistence.
	rec := env.do(t, http.MethodPost, base, BrowserRuleRequest{Pattern: "[unclosed", Action: "block"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad pattern: status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base, BrowserRuleRequest{Pattern: "^Mozilla/5\\.0", Action: "allow"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, base, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"position":1`) {
		t.Errorf("list rules: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Deleting a rule that doesn't exist: 404.
	rec = env.do(t, http.MethodDelete, base+"/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing rule: status = %d, want 404", rec.Code)
	}
}

func TestThrottleEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	domainID := env.registerDomain(t, "throttled.example-customer.com")
	path := "/api/v1/domains/" + domainID.String() + "/throttle"

	rec := env.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no config yet: status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPut, path, ThrottleRequest{Enabled: true, RequestsPerSecond: 50, Burst: 100})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"requests_per_second":50`) {
		t.Errorf("get: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
