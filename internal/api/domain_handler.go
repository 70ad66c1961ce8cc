package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pagemill/certd/internal/domain"
)

// DomainHandler handles HTTP requests for the domain registry endpoints
type DomainHandler struct {
	domains *domain.Service
	logger  *slog.Logger
}

// NewDomainHandler creates a new DomainHandler instance
func NewDomainHandler(domains *domain.Service, logger *slog.Logger) *DomainHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DomainHandler{
		domains: domains,
		logger:  logger,
	}
}

// RegisterDomain handles POST /api/v1/domains
func (h *DomainHandler) RegisterDomain(w http.ResponseWriter, r *http.Request) {
	var req RegisterDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	d, instructions, err := h.domains.RegisterDomain(r.Context(), req.ProjectID, req.DomainName)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"domain": ToDomainResponse(d, instructions),
	})
}

// ListDomains handles GET /api/v1/domains?project_id=
func (h *DomainHandler) ListDomains(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "project_id query parameter is required", nil)
		return
	}

	domains, err := h.domains.ListDomains(r.Context(), projectID)
	if err != nil {
		h.logger.Error("Failed to list domains", "error", err, "project_id", projectID)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list domains", nil)
		return
	}

	responses := make([]DomainResponse, 0, len(domains))
	for i := range domains {
		responses = append(responses, ToDomainResponse(&domains[i], nil))
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"domains": responses,
	})
}

// GetDomain handles GET /api/v1/domains/{id}
func (h *DomainHandler) GetDomain(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	d, instructions, err := h.domains.DNSInstructions(r.Context(), domainID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"domain": ToDomainResponse(d, instructions),
	})
}

// DeleteDomain handles DELETE /api/v1/domains/{id}
func (h *DomainHandler) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.domains.DeleteDomain(r.Context(), domainID); err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"domain_id": domainID,
	})
}

// VerifyDomain handles POST /api/v1/domains/{id}/verify
func (h *DomainHandler) VerifyDomain(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	d, result, err := h.domains.VerifyDomain(r.Context(), domainID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, ToVerifyDomainResponse(d, result))
}

// UpdateSSLMode handles PUT /api/v1/domains/{id}/ssl-mode
func (h *DomainHandler) UpdateSSLMode(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req UpdateSSLModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	d, err := h.domains.UpdateSSLMode(r.Context(), domainID, domain.SSLMode(req.SSLMode), req.ForceHTTPS)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"domain": ToDomainResponse(d, nil),
	})
}

// UpsertThrottle handles PUT /api/v1/domains/{id}/throttle
func (h *DomainHandler) UpsertThrottle(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req ThrottleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	cfg, err := h.domains.UpsertThrottle(r.Context(), domainID, req.Enabled, req.RequestsPerSecond, req.Burst)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, ToThrottleResponse(cfg))
}

// GetThrottle handles GET /api/v1/domains/{id}/throttle
func (h *DomainHandler) GetThrottle(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	cfg, err := h.domains.GetThrottle(r.Context(), domainID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, ToThrottleResponse(cfg))
}

// AddBrowserRule handles POST /api/v1/domains/{id}/browser-rules
func (h *DomainHandler) AddBrowserRule(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req BrowserRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	rule, err := h.domains.AddBrowserRule(r.Context(), domainID, req.Pattern, req.Action)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, ToBrowserRuleResponse(rule))
}

// ListBrowserRules handles GET /api/v1/domains/{id}/browser-rules
func (h *DomainHandler) ListBrowserRules(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	rules, err := h.domains.ListBrowserRules(r.Context(), domainID)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	responses := make([]BrowserRuleResponse, 0, len(rules))
	for i := range rules {
		responses = append(responses, ToBrowserRuleResponse(&rules[i]))
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"rules": responses,
	})
}

// DeleteBrowserRule handles DELETE /api/v1/domains/{id}/browser-rules/{ruleId}
func (h *DomainHandler) DeleteBrowserRule(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	ruleID, ok := parseIDParam(w, r, "ruleId")
	if !ok {
		return
	}

	if err := h.domains.DeleteBrowserRule(r.Context(), domainID, ruleID); err != nil {
		h.handleDomainError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"rule_id": ruleID,
	})
}

// Eligibility handles GET /api/v1/eligibility?domain=
// The proxy fleet asks this before accepting an on-demand TLS handshake:
// 200 for a verified domain in lets_encrypt mode, 403 otherwise.
func (h *DomainHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("domain")
	if name == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, "domain query parameter is required", nil)
		return
	}

	eligible, err := h.domains.Eligible(r.Context(), name)
	if err != nil {
		h.logger.Error("Eligibility check failed", "error", err, "domain", name)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Eligibility check failed", nil)
		return
	}

	if !eligible {
		writeError(w, http.StatusForbidden, CodeNotEligible, "Domain is not eligible for on-demand TLS", nil)
		return
	}

	writeSuccess(w, http.StatusOK, EligibilityResponse{Domain: name, Eligible: true})
}

// parseIDParam parses a UUID URL parameter, writing a 400 on failure
func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid "+name+" parameter", nil)
		return uuid.Nil, false
	}
	return id, true
}

// handleDomainError maps registry errors to HTTP responses
func (h *DomainHandler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDomainNotFound):
		writeError(w, http.StatusNotFound, CodeDomainNotFound, "Domain not found", nil)
	case errors.Is(err, domain.ErrDomainExists):
		writeError(w, http.StatusConflict, CodeDomainExists, "Domain already registered", nil)
	case errors.Is(err, domain.ErrInvalidDomainName):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid domain name format", nil)
	case errors.Is(err, domain.ErrReservedDomain):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Domain is reserved and cannot be registered", nil)
	case errors.Is(err, domain.ErrInvalidSSLMode):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Unknown SSL mode", nil)
	case errors.Is(err, domain.ErrForceHTTPSMode):
		writeError(w, http.StatusBadRequest, CodeValidationError, "force_https requires the lets_encrypt SSL mode", nil)
	case errors.Is(err, domain.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid browser rule", nil)
	case errors.Is(err, domain.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, CodeRuleNotFound, "Browser rule not found", nil)
	case errors.Is(err, domain.ErrInvalidThrottle):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid throttle configuration", nil)
	case errors.Is(err, domain.ErrThrottleNotFound):
		writeError(w, http.StatusNotFound, CodeThrottleNotFound, "No throttle configuration for domain", nil)
	default:
		h.logger.Error("Unexpected domain error", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}
