// Package config defines and parses the proxy's runtime configuration
// surface: listen/upstream addresses, optional TLS material on either
// side, the service-account exemption set, and the second-factor
// endpoint.
package config

import (
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds every setting the proxy needs to start.
type Config struct {
	ListenAddr   string
	UpstreamAddr string

	// Client-facing TLS. Both paths must be set to enable it.
	TLSCertPath string
	TLSKeyPath  string

	// Upstream TLS.
	UpstreamTLS                bool
	UpstreamInsecureSkipVerify bool

	// ServiceAccounts is compared case-insensitively against a bind
	// DN's derived login; a match exempts the bind from second-factor
	// enforcement.
	ServiceAccounts map[string]struct{}

	SecondFactorEndpoint string
	SecondFactorTimeout  time.Duration

	LogLevel string
}

// Parse reads CLI flags into a Config and validates the fields the
// proxy cannot start without.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("ldap2fa-proxy", pflag.ContinueOnError)

	listenAddr := fs.String("listen", ":3389", "Address the proxy listens on for client connections")
	upstreamAddr := fs.String("upstream", "", "Address of the upstream LDAP server (required)")
	tlsCert := fs.String("tls-cert", "", "Path to TLS certificate (PEM) for client-facing TLS")
	tlsKey := fs.String("tls-key", "", "Path to TLS private key (PEM) for client-facing TLS")
	upstreamTLS := fs.Bool("upstream-tls", false, "Connect to the upstream server over TLS")
	upstreamInsecure := fs.Bool("upstream-insecure-skip-verify", false, "Skip TLS certificate verification on the upstream connection (unsafe, test only)")
	serviceAccounts := fs.StringSlice("service-account", nil, "Login exempted from second-factor enforcement; may be repeated")
	secondFactorEndpoint := fs.String("second-factor-endpoint", "", "URL of the second-factor authentication service (required)")
	secondFactorTimeout := fs.Duration("second-factor-timeout", 5*time.Second, "Timeout for each second-factor call")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:                 *listenAddr,
		UpstreamAddr:               *upstreamAddr,
		TLSCertPath:                *tlsCert,
		TLSKeyPath:                 *tlsKey,
		UpstreamTLS:                *upstreamTLS,
		UpstreamInsecureSkipVerify: *upstreamInsecure,
		ServiceAccounts:            normalizeSet(*serviceAccounts),
		SecondFactorEndpoint:       *secondFactorEndpoint,
		SecondFactorTimeout:        *secondFactorTimeout,
		LogLevel:                   *logLevel,
	}

	if cfg.UpstreamAddr == "" {
		return nil, errors.New("config: --upstream is required")
	}
	if cfg.SecondFactorEndpoint == "" {
		return nil, errors.New("config: --second-factor-endpoint is required")
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return nil, errors.New("config: --tls-cert and --tls-key must both be set or both be empty")
	}

	return cfg, nil
}

// IsServiceAccount reports whether login matches a configured
// service-account exemption, compared case-insensitively.
func (c *Config) IsServiceAccount(login string) bool {
	_, ok := c.ServiceAccounts[strings.ToLower(login)]
	return ok
}

// ClientTLSEnabled reports whether client-facing TLS is configured.
func (c *Config) ClientTLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// ClientTLSConfig loads the client-facing TLS certificate.
func (c *Config) ClientTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// UpstreamTLSConfig builds the TLS config used when dialing the
// upstream server, honoring UpstreamInsecureSkipVerify.
func (c *Config) UpstreamTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: c.UpstreamInsecureSkipVerify}
}

func normalizeSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
