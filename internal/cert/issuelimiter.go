package cert

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local guard against tripping the CA's per-domain issuance limits. Let's
// Encrypt allows 50 certificates per registered domain per week; the
// defaults stay well under that.
const (
	// DefaultIssuesPerDay is the default sustained issuance rate per domain.
	DefaultIssuesPerDay = 10

	// DefaultIssueBurst is the default burst per domain.
	DefaultIssueBurst = 3
)

// IssueLimiter rate-limits certificate orders per domain so a misbehaving
// caller cannot burn through the CA's issuance quota.
type IssueLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewIssueLimiter creates an IssueLimiter allowing issuesPerDay sustained
// orders per domain with the given burst. Zero values select the defaults.
func NewIssueLimiter(issuesPerDay float64, burst int) *IssueLimiter {
	if issuesPerDay <= 0 {
		issuesPerDay = DefaultIssuesPerDay
	}
	if burst <= 0 {
		burst = DefaultIssueBurst
	}

	return &IssueLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(24 * time.Hour / time.Duration(issuesPerDay)),
		burst:    burst,
	}
}

// Allow reports whether a new order may be started for the domain now.
func (l *IssueLimiter) Allow(domainName string) bool {
	return l.limiterFor(domainName).Allow()
}

func (l *IssueLimiter) limiterFor(domainName string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[domainName]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[domainName] = lim
	}
	return lim
}
