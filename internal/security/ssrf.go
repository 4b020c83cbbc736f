package security

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSSRFBlocked wraps every webhook URL rejection so callers can map
// it to the SSRF_BLOCKED error code.
var ErrSSRFBlocked = errors.New("webhook URL blocked")

// PinnedWebhook is the result of vetting a webhook URL: the original
// host (preserved for TLS SNI and the Host header) plus the public IP
// every connection is pinned to, closing the DNS-rebinding window
// between check and dial.
type PinnedWebhook struct {
	URL  string
	Host string
	Port string
	IP   net.IP
}

// Resolver lets tests stub DNS.
type Resolver func(host string) ([]net.IP, error)

func defaultResolver(host string) ([]net.IP, error) {
	return net.LookupIP(host)
}

// CheckWebhookURL validates an agent-supplied webhook URL: HTTPS only,
// no userinfo, and no A record in a private, loopback, link-local or
// metadata range. All resolved addresses are checked; the first public
// IP becomes the pinned dial target.
func CheckWebhookURL(rawURL string, resolve Resolver) (*PinnedWebhook, error) {
	if resolve == nil {
		resolve = defaultResolver
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable URL", ErrSSRFBlocked)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be https", ErrSSRFBlocked)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: userinfo not allowed", ErrSSRFBlocked)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrSSRFBlocked)
	}

	// Literal IPs skip DNS but get the same range checks.
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = resolve(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("%w: host does not resolve", ErrSSRFBlocked)
		}
	}

	var public net.IP
	for _, ip := range ips {
		if reason := blockedRange(ip); reason != "" {
			return nil, fmt.Errorf("%w: %s resolves to %s address %s", ErrSSRFBlocked, host, reason, ip)
		}
		if public == nil {
			public = ip
		}
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}
	return &PinnedWebhook{URL: u.String(), Host: host, Port: port, IP: public}, nil
}

func blockedRange(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsMulticast():
		return "multicast"
	}
	// Carrier-grade NAT, used by some cloud metadata services.
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return "shared-address"
	}
	return ""
}

// Transport returns an http.Transport that dials only the pinned IP
// while keeping the original hostname for SNI and Host, so a DNS
// record changed after the check cannot redirect the request inward.
func (p *PinnedWebhook) Transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	pinned := net.JoinHostPort(p.IP.String(), p.Port)
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:     &tls.Config{ServerName: p.Host},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
