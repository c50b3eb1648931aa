package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Mode controls STARTTLS negotiation on outbound connections.
type Mode string

const (
	// ModeNone never negotiates TLS.
	ModeNone Mode = "none"
	// ModeOpportunistic upgrades when the server offers STARTTLS.
	ModeOpportunistic Mode = "opportunistic"
	// ModeRequired fails the attempt unless STARTTLS succeeds.
	ModeRequired Mode = "required"
)

// ErrNoCertificates is returned when a CA bundle holds no usable certificate.
var ErrNoCertificates = errors.New("no certificates found")

// ParseMode parses a TLS mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNone, ModeOpportunistic, ModeRequired:
		return m, nil
	case "":
		return ModeOpportunistic, nil
	default:
		return "", fmt.Errorf("unknown tls mode %q", s)
	}
}

// Client builds per-host client TLS configs.
type Client struct {
	// Insecure skips certificate verification.
	Insecure bool
	// RootCAs overrides the system pool when set.
	RootCAs *x509.CertPool
}

// Config returns the TLS config used to upgrade a connection to host.
func (c Client) Config(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		RootCAs:            c.RootCAs,
		InsecureSkipVerify: c.Insecure, //nolint:gosec // opt-in via SMTP_TLS_INSECURE
	}
}

// LoadRootCAs reads a PEM bundle. An empty path returns nil, meaning the system pool.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w in %s", ErrNoCertificates, path)
	}
	return pool, nil
}
