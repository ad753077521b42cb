//go:build linux

package probe

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/icmp"
)

// Conn is the subset of *icmp.PacketConn that the sender/listener need. It
// exists so tests can substitute an in-memory pipe instead of a real raw
// socket, which requires CAP_NET_RAW.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	Close() error
}

// OpenRawICMPv4 opens a raw IPv4 ICMP socket bound to all interfaces. This
// requires CAP_NET_RAW (or root); the spec treats socket-open failure as the
// only fatal send-path error (spec.md §4.1's failure policy). The open is
// retried briefly with exponential backoff first, since on some platforms
// the capability is granted moments after process start (e.g. systemd
// AmbientCapabilities applied post-exec).
func OpenRawICMPv4() (*icmp.PacketConn, error) {
	var conn *icmp.PacketConn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second

	err := backoff.Retry(func() error {
		c, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b)
	if err != nil {
		return nil, fmt.Errorf("probe: opening raw ICMPv4 socket: %w", err)
	}
	return conn, nil
}
