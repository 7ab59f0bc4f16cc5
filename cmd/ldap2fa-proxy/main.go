// ldap2fa-proxy is a transparent LDAP proxy that interposes a second
// authentication factor between a client and an upstream directory
// server. For each accepted client connection it opens a paired
// upstream connection and relays bytes in both directions, deeply
// enough to recognize a successful first-factor bind, call out to a
// second-factor service, and synthesize an invalidCredentials
// response if the second factor refuses.
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nicolar/ldap-mfa-proxy/internal/cache"
	"github.com/nicolar/ldap-mfa-proxy/internal/config"
	"github.com/nicolar/ldap-mfa-proxy/internal/proxy"
	"github.com/nicolar/ldap-mfa-proxy/internal/secondfactor"
)

var nextSessionID uint64

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg.LogLevel)
	log.WithField("listen", cfg.ListenAddr).WithField("upstream", cfg.UpstreamAddr).Info("starting ldap2fa-proxy")

	listener, err := newListener(cfg)
	if err != nil {
		log.WithError(err).Fatal("unable to listen")
	}
	defer listener.Close()

	dnCache := cache.New()
	secondFactor, err := secondfactor.NewHTTPClient(cfg.SecondFactorEndpoint, cfg.SecondFactorTimeout)
	if err != nil {
		log.WithError(err).Fatal("unable to configure second factor")
	}

	for {
		clientConn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Error("accept failed")
			continue
		}
		go handleConn(cfg, log, dnCache, secondFactor, clientConn)
	}
}

func newListener(cfg *config.Config) (net.Listener, error) {
	if !cfg.ClientTLSEnabled() {
		return net.Listen("tcp", cfg.ListenAddr)
	}
	tlsConfig, err := cfg.ClientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("loading client TLS material: %w", err)
	}
	return tls.Listen("tcp", cfg.ListenAddr, tlsConfig)
}

func handleConn(cfg *config.Config, log *logrus.Entry, dnCache *cache.DNLoginCache, secondFactor secondfactor.Client, clientConn net.Conn) {
	sessionID := strconv.FormatUint(atomic.AddUint64(&nextSessionID, 1), 10)
	sessionLog := log.WithField("session", sessionID).WithField("remote", clientConn.RemoteAddr().String())

	serverConn, err := dialUpstream(cfg)
	if err != nil {
		sessionLog.WithError(err).Error("dialing upstream failed")
		clientConn.Close()
		return
	}

	sessionLog.Debug("session started")
	session := proxy.NewSession(clientConn, clientConn, serverConn, serverConn, cfg, dnCache, sessionLog, secondFactor)
	session.Start()
}

func dialUpstream(cfg *config.Config) (net.Conn, error) {
	if !cfg.UpstreamTLS {
		return net.Dial("tcp", cfg.UpstreamAddr)
	}
	return tls.Dial("tcp", cfg.UpstreamAddr, cfg.UpstreamTLSConfig())
}

func newLogger(level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logrus.NewEntry(logger)
}
