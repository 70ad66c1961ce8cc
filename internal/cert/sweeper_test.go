package cert

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pagemill/certd/internal/webhook"
)

// setExpiry rewrites a stored certificate's expiry so a sweep sees it as
// past due or inside the renewal window.
func setExpiry(t *testing.T, repo *MockRepository, certID uuid.UUID, expiresAt time.Time) {
	t.Helper()

	repo.mu.Lock()
	defer repo.mu.Unlock()

	cert, ok := repo.certs[certID]
	if !ok {
		t.Fatalf("certificate %s not in repository", certID)
	}
	cert.ExpiresAt = &expiresAt
}

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	lapsed := env.domains.add("lapsed.example-site.com", true)
	closing := env.domains.add("closing.example-site.com", true)
	fresh := env.domains.add("fresh.example-site.com", true)

	lapsedCert := issueAndComplete(t, env, lapsed.ID)
	closingCert := issueAndComplete(t, env, closing.ID)
	freshCert := issueAndComplete(t, env, fresh.ID)

	now := time.Now().UTC()
	setExpiry(t, env.repo, lapsedCert.ID, now.Add(-time.Hour))
	setExpiry(t, env.repo, closingCert.ID, now.Add(10*24*time.Hour))
	setExpiry(t, env.repo, freshCert.ID, now.Add(80*24*time.Hour))

	sweeper := NewSweeper(env.svc, SweeperConfig{
		RenewalWindow:         30 * 24 * time.Hour,
		MaxConcurrentRenewals: 2,
	})
	sweeper.RunOnce(ctx)

	if sweeper.LastRunTime().IsZero() {
		t.Error("expected the sweep to record its run time")
	}

	got, err := env.svc.GetCertificate(ctx, lapsedCert.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("past-due certificate status = %s, want expired", got.Status)
	}

	got, err = env.svc.GetCertificate(ctx, closingCert.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.Status != StatusIssued {
		t.Errorf("renewed certificate status = %s, want issued", got.Status)
	}
	if got.ExpiresAt == nil || got.ExpiresAt.Before(now.Add(80*24*time.Hour)) {
		t.Errorf("renewed certificate expiry not extended: %v", got.ExpiresAt)
	}
	if got.RenewalAttempts != 0 {
		t.Errorf("renewal attempts = %d, want 0 after success", got.RenewalAttempts)
	}

	got, err = env.svc.GetCertificate(ctx, freshCert.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.Status != StatusIssued {
		t.Errorf("fresh certificate status = %s, want issued", got.Status)
	}
	if !got.ExpiresAt.Equal(now.Add(80 * 24 * time.Hour)) {
		t.Errorf("fresh certificate expiry changed: %v", got.ExpiresAt)
	}

	if events := env.sink.byType(webhook.EventCertRenewed); len(events) != 1 {
		t.Errorf("expected one cert.renewed event, got %d", len(events))
	} else if events[0].Domain != "closing.example-site.com" {
		t.Errorf("cert.renewed for %s, want closing.example-site.com", events[0].Domain)
	}
}

func TestSweeperSkipsExhaustedCertificates(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	d := env.domains.add("worn.example-site.com", true)
	cert := issueAndComplete(t, env, d.ID)
	setExpiry(t, env.repo, cert.ID, time.Now().UTC().Add(10*24*time.Hour))

	env.repo.mu.Lock()
	env.repo.certs[cert.ID].RenewalAttempts = DefaultMaxRenewalAttempts
	env.repo.mu.Unlock()

	sweeper := NewSweeper(env.svc, SweeperConfig{RenewalWindow: 30 * 24 * time.Hour})
	sweeper.RunOnce(ctx)

	got, err := env.svc.GetCertificate(ctx, cert.ID)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got.Status != StatusIssued {
		t.Errorf("status = %s, want issued to stay untouched", got.Status)
	}
	if events := env.sink.byType(webhook.EventCertRenewed); len(events) != 0 {
		t.Errorf("expected no cert.renewed events, got %d", len(events))
	}
}

func TestSweeperStartStop(t *testing.T) {
	env := newTestEnv(t, false)

	sweeper := NewSweeper(env.svc, SweeperConfig{CheckInterval: time.Hour})
	sweeper.Start(context.Background())
	sweeper.Stop()

	if sweeper.LastRunTime().IsZero() {
		t.Error("expected the initial sweep to run before Stop returned")
	}

	// Stop again must not panic or block.
	sweeper.Stop()
}
