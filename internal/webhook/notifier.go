// Package webhook delivers certificate-lifecycle events to the external
// reverse-proxy fleet agent. Delivery is best-effort: failures are logged and
// never surfaced to the code path that produced the event, because the fleet
// reconciles independently via its own periodic sync.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pagemill/certd/internal/metrics"
	"github.com/pagemill/certd/internal/secrets"
)

// Event names delivered to the fleet agent.
const (
	EventCertIssued    = "cert.issued"
	EventCertRenewed   = "cert.renewed"
	EventCertRevoked   = "cert.revoked"
	EventDomainAdded   = "domain.added"
	EventDomainRemoved = "domain.removed"
)

// Issuing modes reported alongside certificate events.
const (
	ModeLive    = "live"
	ModeSandbox = "sandbox"
)

// SignatureHeader carries the hex HMAC-SHA256 digest of the request body.
const SignatureHeader = "X-Pagemill-Signature"

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 8 * time.Second

	// defaultQueueSize is the dispatch buffer; events beyond it are dropped
	// with a log line rather than blocking a lifecycle operation.
	defaultQueueSize = 256
)

var errQueueFull = errors.New("webhook queue full")

// Event is the JSON payload POSTed to the agent.
type Event struct {
	Event  string `json:"event"`
	Domain string `json:"domain"`
	CertID string `json:"certId,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// Notifier dispatches events onto a channel consumed by a single delivery
// worker, so callers never block on (or observe) network outcomes. A Notifier
// with no agent URL configured is a no-op.
type Notifier struct {
	agentURL string
	secret   secrets.Value
	client   *http.Client
	logger   *slog.Logger

	queue chan Event
	once  sync.Once
	done  chan struct{}
}

// Config contains configuration for the Notifier.
type Config struct {
	AgentURL  string        // base URL of the fleet agent; empty disables delivery
	Secret    secrets.Value // shared HMAC secret
	Timeout   time.Duration // per-attempt timeout (default 8s)
	QueueSize int           // dispatch buffer (default 256)
	Logger    *slog.Logger
}

// NewNotifier creates a Notifier. Start must be called before events are
// delivered; Notify before Start only enqueues.
func NewNotifier(cfg Config) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Notifier{
		agentURL: strings.TrimRight(cfg.AgentURL, "/"),
		secret:   cfg.Secret,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
		queue:    make(chan Event, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Enabled reports whether an agent endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n.agentURL != ""
}

// Start launches the delivery worker. It returns immediately; the worker
// drains the queue until ctx is canceled, then delivers what is already
// buffered before exiting.
func (n *Notifier) Start(ctx context.Context) {
	n.once.Do(func() {
		go n.run(ctx)
	})
}

// Done is closed once the worker has drained and exited.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

// Notify enqueues an event for delivery. It never blocks and never returns
// an error to the caller; a full queue is logged and the event dropped.
func (n *Notifier) Notify(event Event) {
	if !n.Enabled() {
		return
	}

	select {
	case n.queue <- event:
	default:
		n.logger.Error("webhook event dropped",
			"event", event.Event, "domain", event.Domain, "error", errQueueFull)
	}
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		case <-ctx.Done():
			// Drain whatever was enqueued before shutdown.
			for {
				select {
				case event := <-n.queue:
					n.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver performs one signed POST. All failures terminate here as log lines.
func (n *Notifier) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	if err := n.send(ctx, event); err != nil {
		metrics.WebhookDeliveries.WithLabelValues(event.Event, "failed").Inc()
		n.logger.Error("webhook delivery failed",
			"event", event.Event, "domain", event.Domain, "error", err)
		return
	}

	metrics.WebhookDeliveries.WithLabelValues(event.Event, "delivered").Inc()
	n.logger.Info("webhook delivered", "event", event.Event, "domain", event.Domain)
}

// send builds, signs, and posts the payload. Exposed to the worker and to
// tests; lifecycle code goes through Notify.
func (n *Notifier) send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.agentURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+Sign(n.secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("agent responded with status %d", resp.StatusCode)
	}

	return nil
}

// Sign computes the hex HMAC-SHA256 digest of body under the shared secret.
// The receiver recomputes it to authenticate the payload.
func Sign(secret secrets.Value, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret.Reveal()))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received header value ("sha256=<hex>") against
// the body, in constant time.
func VerifySignature(secret secrets.Value, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, body)
	return hmac.Equal([]byte(header), []byte(want))
}
