// Package proxy implements the per-connection LDAP proxy session: a
// bidirectional byte relay between a client and an upstream server
// that inspects LDAP messages in flight to resolve logins, detect
// successful first-factor binds, enforce a second factor, and
// synthesize an invalidCredentials response when the second factor
// refuses.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nicolar/ldap-mfa-proxy/internal/cache"
	"github.com/nicolar/ldap-mfa-proxy/internal/secondfactor"
)

// readBufferSize is the per-direction read buffer. The core parses
// each read independently and relies on LDAP bind/search response
// headers arriving in a single read in practice; it does not
// reassemble a message split across reads.
const readBufferSize = 8192

// Stream is the readable/writable byte stream a Session relays over,
// kept distinct from the net.Conn used for lifecycle control so a
// TLS-wrapped stream can be supplied independently of the raw socket
// that needs closing.
type Stream interface {
	io.Reader
	io.Writer
}

// ServiceAccounts reports whether a login is exempt from second-factor
// enforcement. *config.Config satisfies this.
type ServiceAccounts interface {
	IsServiceAccount(login string) bool
}

// Session owns one client↔server byte relay for the lifetime of a
// single accepted connection.
type Session struct {
	id string

	clientConn   net.Conn
	clientStream Stream
	serverConn   net.Conn
	serverStream Stream

	serviceAccounts ServiceAccounts
	cache           *cache.DNLoginCache
	secondFactor    secondfactor.Client
	log             *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state authState
}

// NewSession constructs a session ready to run. clientConn/serverConn
// are used for lifecycle control (Close); clientStream/serverStream
// are what bytes are read from and written to (normally the same
// values as the connections, but may be a TLS layer wrapped around
// them).
func NewSession(
	clientConn net.Conn,
	clientStream Stream,
	serverConn net.Conn,
	serverStream Stream,
	serviceAccounts ServiceAccounts,
	dnLoginCache *cache.DNLoginCache,
	log *logrus.Entry,
	secondFactor secondfactor.Client,
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		clientConn:      clientConn,
		clientStream:    clientStream,
		serverConn:      serverConn,
		serverStream:    serverStream,
		serviceAccounts: serviceAccounts,
		cache:           dnLoginCache,
		secondFactor:    secondFactor,
		log:             log,
		ctx:             ctx,
		cancel:          cancel,
		state:           authState{phase: PhaseNone},
	}
}

// Start runs the session to completion: it relays bytes in both
// directions, inspecting and occasionally rewriting them, until
// either direction closes, an unrecoverable I/O error occurs, or the
// response inspector injects an invalidCredentials response and tears
// the connection down. Start blocks until both copy goroutines have
// exited.
func (s *Session) Start() {
	defer s.cancel()

	done := make(chan struct{}, 2)

	go func() {
		s.copyLoop("client->server", s.clientConn, s.clientStream, s.serverStream, s.inspectRequest)
		done <- struct{}{}
	}()
	go func() {
		s.copyLoop("server->client", s.serverConn, s.serverStream, s.clientStream, s.inspectResponse)
		done <- struct{}{}
	}()

	<-done
	_ = s.clientConn.Close()
	_ = s.serverConn.Close()
	<-done

	s.log.Debug("session ended")
}

// inspectFunc inspects one chunk read from srcStream and returns the
// bytes to write to the opposite stream, and whether the source
// stream should be closed once that write completes.
type inspectFunc func(chunk []byte) (out []byte, closeSource bool)

func (s *Session) copyLoop(direction string, srcConn net.Conn, srcStream Stream, dstStream Stream, inspect inspectFunc) {
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := srcStream.Read(buf)
		if n > 0 {
			out, closeSource := inspect(buf[:n])
			if len(out) > 0 {
				if _, writeErr := dstStream.Write(out); writeErr != nil {
					if !isClosedConnErr(writeErr) {
						s.log.WithError(writeErr).WithField("direction", direction).Error("write failed")
					}
					return
				}
			}
			if closeSource {
				_ = srcConn.Close()
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !isClosedConnErr(readErr) {
				s.log.WithError(readErr).WithField("direction", direction).Error("read failed")
			}
			return
		}
	}
}

// isClosedConnErr reports whether err is the expected, non-noteworthy
// result of the peer or the proxy itself closing a connection: an
// orderly reset, a broken pipe, or a read/write on an already-closed
// socket. These are logged at most at debug level, never as errors.
func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
