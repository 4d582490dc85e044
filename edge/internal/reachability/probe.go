// Package reachability checks whether the ingestion endpoint can be reached
// before a flush is attempted.
package reachability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// TCPProbe reports reachability by opening a TCP connection.
type TCPProbe struct {
	address string
	timeout time.Duration
	logger  *slog.Logger
	dialer  net.Dialer
}

func NewTCPProbe(address string, timeout time.Duration, logger *slog.Logger) *TCPProbe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPProbe{address: address, timeout: timeout, logger: logger}
}

// AddressFromURL derives host:port from an http(s) URL.
func AddressFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", fmt.Errorf("url %q has no port", rawURL)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Address returns the probed host:port.
func (p *TCPProbe) Address() string { return p.address }

func (p *TCPProbe) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		p.logger.DebugContext(ctx, "endpoint unreachable",
			slog.String("address", p.address),
			slog.String("error", err.Error()))
		return false
	}
	_ = conn.Close()
	return true
}
