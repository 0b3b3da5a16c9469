// Package webhook delivers completion/failure notifications to
// caller-supplied endpoints. The Guard keeps those endpoints from being
// turned into a server-side request forgery vector; the Notifier does the
// actual delivery.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Resolver is the DNS capability the guard needs. *net.Resolver satisfies
// it; tests substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Target is a validated endpoint: the parsed URL plus the address the
// connection must be pinned to. Pinning the address closes the window
// between validation and delivery that a DNS rebind would otherwise exploit.
type Target struct {
	URL *url.URL
	IP  net.IP
}

// Hostnames that are never acceptable, regardless of what they resolve to.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"0:0:0:0:0:0:0:1":          true,
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"169.254.169.254":          true,
	"100.100.100.200":          true,
	"fd00:ec2::254":            true,
}

// Cloud metadata service addresses. 169.254.169.254 is also link-local, but
// 100.100.100.200 sits in CGNAT space and needs an explicit entry.
var blockedIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("fd00:ec2::254"),
}

// Guard validates notification endpoints against the address-safety policy.
type Guard struct {
	resolver Resolver
}

// NewGuard creates a Guard using the system resolver when resolver is nil.
func NewGuard(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver}
}

// Validate parses and checks a webhook URL. It rejects malformed URLs,
// non-HTTP schemes, blocked hostnames, and any endpoint resolving to a
// loopback, private, link-local, unspecified, or metadata address.
// Resolution happens once; the returned Target carries the address the
// delivery must connect to.
func (g *Guard) Validate(ctx context.Context, rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("webhook URL has no host")
	}
	if blockedHosts[strings.ToLower(host)] {
		return nil, fmt.Errorf("webhook URL host %q is not allowed", host)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := g.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolving webhook host %q: %w", host, err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("webhook host %q resolved to no addresses", host)
	}

	// One bad address poisons the endpoint: a multi-record host must not be
	// able to smuggle an internal address past the check.
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return nil, fmt.Errorf("webhook host %q: %w", host, err)
		}
	}

	return &Target{URL: u, IP: ips[0]}, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("address %s is a loopback address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("address %s is in a private range", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("address %s is link-local", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("address %s is unspecified", ip)
	}
	for _, blocked := range blockedIPs {
		if ip.Equal(blocked) {
			return fmt.Errorf("address %s is a cloud metadata endpoint", ip)
		}
	}
	return nil
}
