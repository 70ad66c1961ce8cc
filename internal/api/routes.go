package api

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the domain registry and certificate lifecycle
// routes with the Chi router.
func RegisterRoutes(r chi.Router, domains *DomainHandler, certs *CertificateHandler) {
	r.Route("/domains", func(r chi.Router) {
		// POST /api/v1/domains - register a domain
		r.Post("/", domains.RegisterDomain)

		// GET /api/v1/domains?project_id= - list a project's domains
		r.Get("/", domains.ListDomains)

		// GET /api/v1/domains/:id - domain details with DNS instructions
		r.Get("/{id}", domains.GetDomain)

		// DELETE /api/v1/domains/:id - remove domain and everything under it
		r.Delete("/{id}", domains.DeleteDomain)

		// POST /api/v1/domains/:id/verify - check the ownership TXT record
		r.Post("/{id}/verify", domains.VerifyDomain)

		// PUT /api/v1/domains/:id/ssl-mode - switch SSL handling
		r.Put("/{id}/ssl-mode", domains.UpdateSSLMode)

		// PUT /api/v1/domains/:id/throttle - replace throttle config
		r.Put("/{id}/throttle", domains.UpsertThrottle)

		// GET /api/v1/domains/:id/throttle
		r.Get("/{id}/throttle", domains.GetThrottle)

		// POST /api/v1/domains/:id/browser-rules - append a rule
		r.Post("/{id}/browser-rules", domains.AddBrowserRule)

		// GET /api/v1/domains/:id/browser-rules - rules in evaluation order
		r.Get("/{id}/browser-rules", domains.ListBrowserRules)

		// DELETE /api/v1/domains/:id/browser-rules/:ruleId
		r.Delete("/{id}/browser-rules/{ruleId}", domains.DeleteBrowserRule)

		// POST /api/v1/domains/:id/certificates - order a certificate
		r.Post("/{id}/certificates", certs.IssueCertificate)

		// GET /api/v1/domains/:id/certificates - full history
		r.Get("/{id}/certificates", certs.ListCertificates)

		// DELETE /api/v1/domains/:id/certificates - purge all rows
		r.Delete("/{id}/certificates", certs.PurgeCertificates)
	})

	// GET /api/v1/eligibility?domain= - on-demand TLS "ask" for the proxy fleet
	r.Get("/eligibility", domains.Eligibility)

	r.Route("/certificates/{id}", func(r chi.Router) {
		// GET /api/v1/certificates/:id
		r.Get("/", certs.GetCertificate)

		// POST /api/v1/certificates/:id/dns-complete - DNS-01 second phase
		r.Post("/dns-complete", certs.CompleteDNS01)

		// POST /api/v1/certificates/:id/poll - HTTP-01 progress check
		r.Post("/poll", certs.PollHTTP01)

		// POST /api/v1/certificates/:id/cancel
		r.Post("/cancel", certs.Cancel)

		// POST /api/v1/certificates/:id/renew
		r.Post("/renew", certs.Renew)

		// POST /api/v1/certificates/:id/revoke
		r.Post("/revoke", certs.Revoke)
	})
}

// RegisterWellKnown registers the HTTP-01 challenge responder at the root.
// This route must stay outside /api/v1: the authority fetches the literal
// /.well-known/acme-challenge path on the apex.
func RegisterWellKnown(r chi.Router, handler *CertificateHandler) {
	r.Get("/.well-known/acme-challenge/{token}", handler.WellKnown)
}
