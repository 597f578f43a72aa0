//go:build !unix

package reuseport

import "net"

// Listen opens a plain TCP listener. SO_REUSEPORT has no portable
// non-Unix equivalent, so non-Unix builds fall back to net.Listen.
func Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}
