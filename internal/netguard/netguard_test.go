package netguard

import (
	"context"
	"errors"
	"net"
	"testing"

	"pgregory.net/rapid"
)

type staticResolver struct {
	ips []net.IPAddr
	err error
}

func (r staticResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return r.ips, r.err
}

func guardFor(ips ...string) *Guard {
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, s := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(s)})
	}
	return New(Config{Resolver: staticResolver{ips: addrs}})
}

func TestAssertExternal(t *testing.T) {
	tests := []struct {
		name    string
		ips     []string
		wantErr bool
	}{
		{"public IPv4", []string{"8.8.8.8"}, false},
		{"public IPv6", []string{"2606:4700:4700::1111"}, false},
		{"loopback", []string{"127.0.0.1"}, true},
		{"loopback high", []string{"127.255.255.254"}, true},
		{"this-network", []string{"0.0.0.0"}, true},
		{"rfc1918 10/8", []string{"10.0.0.1"}, true},
		{"link-local", []string{"169.254.169.254"}, true},
		{"rfc1918 192.168/16", []string{"192.168.0.1"}, true},
		{"rfc1918 172.16/12 low", []string{"172.16.0.1"}, true},
		{"rfc1918 172.16/12 middle", []string{"172.20.1.1"}, true},
		{"rfc1918 172.16/12 high", []string{"172.31.255.254"}, true},
		{"outside 172.16/12 below", []string{"172.15.0.1"}, false},
		{"outside 172.16/12 above", []string{"172.32.0.1"}, false},
		{"ipv6 loopback", []string{"::1"}, true},
		{"ipv6 unique-local fc", []string{"fc00::1"}, true},
		{"ipv6 unique-local fd", []string{"fd00::1"}, true},
		{"mixed public then private", []string{"8.8.8.8", "10.0.0.1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guardFor(tt.ips...).AssertExternal(context.Background(), "example.com")
			if tt.wantErr && !errors.Is(err, ErrForbiddenAddress) {
				t.Errorf("AssertExternal(%v) = %v, want ErrForbiddenAddress", tt.ips, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("AssertExternal(%v) = %v, want nil", tt.ips, err)
			}
		})
	}
}

func TestAssertExternalFailsOpenOnResolutionError(t *testing.T) {
	g := New(Config{Resolver: staticResolver{err: &net.DNSError{
		Err:        "no such host",
		Name:       "nxdomain.example",
		IsNotFound: true,
	}}})

	if err := g.AssertExternal(context.Background(), "nxdomain.example"); err != nil {
		t.Errorf("AssertExternal on NXDOMAIN = %v, want nil (fail open)", err)
	}
}

// Every address in 172.16.0.0/12 must be rejected and every 172.x address
// outside the block admitted; the boundary is numeric, not textual.
func TestRange172Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		second := rapid.IntRange(0, 255).Draw(t, "second")
		third := rapid.IntRange(0, 255).Draw(t, "third")
		fourth := rapid.IntRange(0, 255).Draw(t, "fourth")

		ip := net.IPv4(172, byte(second), byte(third), byte(fourth))
		inBlock := second >= 16 && second <= 31

		if got := isForbidden(ip); got != inBlock {
			t.Fatalf("isForbidden(172.%d.%d.%d) = %v, want %v", second, third, fourth, got, inBlock)
		}
	})
}

func TestUniqueLocalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		first := rapid.IntRange(0, 255).Draw(t, "first")

		ip := make(net.IP, net.IPv6len)
		ip[0] = byte(first)
		ip[15] = 1

		inBlock := first&0xfe == 0xfc
		if ip.Equal(net.IPv6loopback) || ip.To4() != nil {
			t.Skip("not a plain IPv6 unicast address")
		}

		if got := isForbidden(ip); got != inBlock {
			t.Fatalf("isForbidden(%s) = %v, want %v", ip, got, inBlock)
		}
	})
}
