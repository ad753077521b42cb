package probe

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/metrics"
)

// PeerChecker is the membership-check side of the shared peer list
// (reflector.PeerSet satisfies this).
type PeerChecker interface {
	Contains(addr netip.Addr) bool
}

// Listener is the PingListener of spec.md §4.2: decodes incoming ICMP
// replies, filters by identifier and peer membership, and forwards accepted
// samples on Out.
type Listener struct {
	log         *slog.Logger
	id          uint16
	measurement MeasurementType
	peers       PeerChecker
	conn        Conn
	Out         chan<- Reply
}

// NewListener constructs a Listener. out is owned by the caller and closed
// by the caller when the listener's Run returns (closing it while Run is
// still sending would panic, so callers must Run to completion first).
func NewListener(log *slog.Logger, id uint16, measurement MeasurementType, peers PeerChecker, conn Conn, out chan<- Reply) *Listener {
	return &Listener{log: log, id: id, measurement: measurement, peers: peers, conn: conn, Out: out}
}

// deadliner is implemented by *icmp.PacketConn; satisfied via type assertion
// so the Conn interface itself stays minimal for tests.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Run reads and decodes replies until ctx is canceled. A closed samples
// channel on the consumer side is a programming error, not handled here;
// per spec.md §4.2 it would be fatal to the process.
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, 1500)
	if d, ok := l.conn.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(time.Second))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if d, ok := l.conn.(deadliner); ok {
					_ = d.SetReadDeadline(time.Now().Add(time.Second))
				}
				continue
			}
			if os.IsTimeout(err) {
				continue
			}
			l.log.Debug("probe: recv error", "error", err)
			continue
		}

		reply, ok := l.decode(buf[:n], from, time.Now())
		if !ok {
			metrics.IncSampleDropped("decode")
			continue
		}
		metrics.IncSampleAccepted()

		select {
		case l.Out <- reply:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Listener) decode(b []byte, from net.Addr, now time.Time) (Reply, bool) {
	srcIP, ok := addrOf(from)
	if !ok {
		return Reply{}, false
	}
	if !l.peers.Contains(srcIP) {
		l.log.Debug("probe: dropping reply from non-peer source", "source", srcIP)
		return Reply{}, false
	}
	if len(b) == 0 {
		return Reply{}, false
	}

	switch l.measurement {
	case MeasurementICMP:
		if b[0] != icmpTypeEchoReply {
			return Reply{}, false
		}
		dec, err := DecodeEchoReply(b)
		if err != nil {
			l.log.Debug("probe: failed to parse echo reply", "error", err)
			return Reply{}, false
		}
		if dec.ID != l.id {
			return Reply{}, false
		}
		nowMs := int64(MonotonicMillis())
		rtt := nowMs - int64(dec.SentMs)
		return Reply{
			Reflector:   srcIP,
			Sequence:    dec.Sequence,
			RTTMs:       float64(rtt),
			DownTimeMs:  float64(rtt) / 2,
			UpTimeMs:    float64(rtt) / 2,
			CurrentMs:   nowMs,
			OriginateTS: int64(dec.SentMs),
			ReceivedAt:  now,
		}, true

	case MeasurementICMPTimestamps:
		if b[0] != icmpTypeTimestampReply {
			return Reply{}, false
		}
		dec, err := DecodeTimestampReply(b)
		if err != nil {
			l.log.Debug("probe: failed to parse timestamp reply", "error", err)
			return Reply{}, false
		}
		if dec.ID != l.id {
			return Reply{}, false
		}
		nowMid := int64(MidnightMillis(now))
		rtt := nowMid - int64(dec.Originate)
		up := int64(dec.Receive) - int64(dec.Originate)
		down := nowMid - int64(dec.Transmit)
		return Reply{
			Reflector:   srcIP,
			Sequence:    dec.Sequence,
			RTTMs:       float64(rtt),
			DownTimeMs:  float64(down),
			UpTimeMs:    float64(up),
			CurrentMs:   nowMid,
			OriginateTS: int64(dec.Originate),
			ReceiveTS:   int64(dec.Receive),
			TransmitTS:  int64(dec.Transmit),
			ReceivedAt:  now,
		}, true
	}
	return Reply{}, false
}

func addrOf(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
