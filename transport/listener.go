package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/internal/reuseport"
)

// Listener accepts inbound connections and performs the responder side
// of the handshake before handing back an established Session.
type Listener struct {
	net.Listener
	self    *identity.Identity
	timeout time.Duration
}

// Listen opens a TCP listener at addr and wraps it to perform the
// handshake on every accepted connection. The socket is bound with
// SO_REUSEADDR/SO_REUSEPORT (where supported) so a restarted node can
// rebind its listen port without waiting out TIME_WAIT.
func Listen(addr string, self *identity.Identity, handshakeTimeout time.Duration) (*Listener, error) {
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{Listener: ln, self: self, timeout: handshakeTimeout}, nil
}

// Accept waits for an inbound connection, performs the handshake, and
// returns the resulting Session. On handshake failure the underlying
// connection is closed and the caller is expected to call Accept again.
func (l *Listener) Accept() (*Session, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	session, err := handshake(conn, l.self, l.timeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: inbound handshake failed: %w", err)
	}
	return session, nil
}

// Dial connects to addr and performs the initiator side of the handshake.
func Dial(addr string, self *identity.Identity, handshakeTimeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	session, err := handshake(conn, self, handshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: outbound handshake to %s failed: %w", addr, err)
	}
	return session, nil
}
