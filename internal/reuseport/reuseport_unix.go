//go:build unix

/*
Package reuseport listens on a TCP address with SO_REUSEADDR and
SO_REUSEPORT set, so a restarted node can rebind its listen port
immediately instead of waiting out TIME_WAIT, and so cmd/anonnetd can
later support multiple accept loops sharing one port.

Grounded on PeernetOfficial-core's reuseport submodule (require
golang.org/x/sys, used by Network IPv4 Broadcast.go/Network IPv6
Multicast.go to rebind broadcast sockets across restarts), reimplemented
directly against golang.org/x/sys/unix instead of vendoring the
submodule.
*/
package reuseport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener at addr with SO_REUSEADDR and SO_REUSEPORT
// set on the underlying socket before bind.
func Listen(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control}
	return lc.Listen(context.Background(), network, addr)
}

func control(_, _ string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			setErr = err
			return
		}
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}
