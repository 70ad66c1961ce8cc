package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	acmeclient "github.com/pagemill/certd/internal/acme"
	"github.com/pagemill/certd/internal/cert"
	"github.com/pagemill/certd/internal/netguard"
)

// CertificateHandler handles HTTP requests for the certificate lifecycle endpoints
type CertificateHandler struct {
	certs  *cert.Service
	logger *slog.Logger
}

// NewCertificateHandler creates a new CertificateHandler instance
func NewCertificateHandler(certs *cert.Service, logger *slog.Logger) *CertificateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateHandler{
		certs:  certs,
		logger: logger,
	}
}

// IssueCertificate handles POST /api/v1/domains/{id}/certificates
func (h *CertificateHandler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req IssueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request", validationDetails(err))
		return
	}

	result, err := h.certs.Issue(r.Context(), domainID, cert.ChallengeType(req.ChallengeType))
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"certificate": ToCertificateResponse(result.Certificate),
	})
}

// ListCertificates handles GET /api/v1/domains/{id}/certificates
func (h *CertificateHandler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	certs, err := h.certs.ListForDomain(r.Context(), domainID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	responses := make([]CertificateResponse, 0, len(certs))
	for i := range certs {
		responses = append(responses, ToCertificateResponse(&certs[i]))
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"certificates": responses,
	})
}

// GetCertificate handles GET /api/v1/certificates/{id}
func (h *CertificateHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	certID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	c, err := h.certs.GetCertificate(r.Context(), certID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"certificate": ToCertificateResponse(c),
	})
}

// CompleteDNS01 handles POST /api/v1/certificates/{id}/dns-complete.
// 200 with the issued certificate, or 202 with retry=true while the TXT
// record has not propagated or the authority is still validating.
func (h *CertificateHandler) CompleteDNS01(w http.ResponseWriter, r *http.Request) {
	certID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	progress, err := h.certs.CompleteDNS01(r.Context(), certID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	h.writeProgress(w, progress)
}

// PollHTTP01 handles POST /api/v1/certificates/{id}/poll
func (h *CertificateHandler) PollHTTP01(w http.ResponseWriter, r *http.Request) {
	certID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	progress, err := h.certs.PollHTTP01(r.Context(), certID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	h.writeProgress(w, progress)
}

// Cancel handles POST /api/v1/certificates/{id}/cancel
func (h *CertificateHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	certID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	c, err := h.certs.Cancel(r.Context(), certID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"certificate": ToCertificateResponse(c),
	})
}

// Renew handles POST /api/v1/certificates/{id}/renew
func (h *CertificateHandler) Renew(w http.ResponseWriter, r *http.Request) {
	certID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	c, err := h.certs.Renew(r.Context(), certID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"certificate": ToCertificateResponse(c),
	})
}

// Revoke handles POST /api/v1/certificates/{id}/revoke
func (h *CertificateHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	certID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	c, err := h.certs.Revoke(r.Context(), certID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"certificate": ToCertificateResponse(c),
	})
}

// PurgeCertificates handles DELETE /api/v1/domains/{id}/certificates
func (h *CertificateHandler) PurgeCertificates(w http.ResponseWriter, r *http.Request) {
	domainID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	count, err := h.certs.DeleteAllForDomain(r.Context(), domainID)
	if err != nil {
		h.handleCertError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, PurgeResponse{DomainID: domainID, Deleted: count})
}

// WellKnown handles GET /.well-known/acme-challenge/{token}. The authority
// fetches this during HTTP-01 validation; the response is the bare key
// authorization string, not the JSON envelope.
func (h *CertificateHandler) WellKnown(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.NotFound(w, r)
		return
	}

	keyAuth, err := h.certs.HTTPChallengeResponse(r.Context(), token)
	if err != nil {
		if errors.Is(err, cert.ErrCertificateNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("Failed to look up challenge token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write([]byte(keyAuth))
}

// writeProgress writes either the issued certificate or a retry envelope
func (h *CertificateHandler) writeProgress(w http.ResponseWriter, progress *cert.ProgressResult) {
	if progress.Retry {
		writeSuccess(w, http.StatusAccepted, ProgressResponse{Retry: true, Reason: progress.Reason})
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"certificate": ToCertificateResponse(progress.Certificate),
	})
}

// handleCertError maps lifecycle errors to HTTP responses
func (h *CertificateHandler) handleCertError(w http.ResponseWriter, err error) {
	var provErr *acmeclient.ProviderError

	switch {
	case errors.Is(err, cert.ErrCertificateNotFound):
		writeError(w, http.StatusNotFound, CodeCertNotFound, "Certificate not found", nil)
	case errors.Is(err, cert.ErrActiveCertificateExists):
		writeError(w, http.StatusConflict, CodeCertExists, "An active certificate already exists for this domain", nil)
	case errors.Is(err, cert.ErrDomainNotVerified):
		writeError(w, http.StatusPreconditionFailed, CodeDomainNotVerified, "Domain ownership has not been verified", nil)
	case errors.Is(err, netguard.ErrForbiddenAddress):
		writeError(w, http.StatusUnprocessableEntity, CodeForbiddenAddress, "Domain resolves to a forbidden address", nil)
	case errors.Is(err, cert.ErrInvalidChallengeType):
		writeError(w, http.StatusBadRequest, CodeValidationError, "Unknown challenge type", nil)
	case errors.Is(err, cert.ErrInvalidState):
		writeError(w, http.StatusBadRequest, CodeInvalidState, "Certificate is not in a state that allows this operation", nil)
	case errors.Is(err, cert.ErrMissingCertificate):
		writeError(w, http.StatusInternalServerError, CodeMissingCertificate, "Certificate record has no PEM material", nil)
	case errors.Is(err, cert.ErrRenewalExhausted):
		writeError(w, http.StatusTooManyRequests, CodeRenewalsExhausted, "Renewal attempt ceiling reached", nil)
	case errors.Is(err, cert.ErrIssuanceRateLimited):
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Issuance rate limit exceeded for this domain", nil)
	case errors.Is(err, acmeclient.ErrChallengeFailed):
		writeError(w, http.StatusBadRequest, CodeChallengeFailed, "The authority rejected the challenge: "+err.Error(), nil)
	case errors.As(err, &provErr):
		h.logger.Error("ACME provider error", "error", err)
		writeError(w, http.StatusBadGateway, CodeProviderError, "The certificate authority could not be reached", nil)
	default:
		h.logger.Error("Unexpected certificate error", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}
