package probe

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// PeerLister is the read side of the shared peer list (reflector.PeerSet
// satisfies this).
type PeerLister interface {
	Snapshot() []netip.Addr
}

// Sender is the PingSender of spec.md §4.1: one probe per reflector per
// tick, spreading sends evenly across the tick interval.
type Sender struct {
	log          *slog.Logger
	id           uint16
	measurement  MeasurementType
	peers        PeerLister
	conn         Conn
	tickInterval time.Duration
	seq          uint16
}

// NewSender constructs a Sender. conn must already be open; opening it is
// the caller's responsibility since a failure there is the only fatal
// condition in the send path.
func NewSender(log *slog.Logger, id uint16, measurement MeasurementType, peers PeerLister, conn Conn, tickInterval time.Duration) *Sender {
	return &Sender{log: log, id: id, measurement: measurement, peers: peers, conn: conn, tickInterval: tickInterval}
}

// Run probes every currently-selected reflector once per tick, sleeping
// tick_interval/peer_count between sends, until ctx is canceled.
func (s *Sender) Run(ctx context.Context) error {
	for {
		peers := s.peers.Snapshot()
		if len(peers) == 0 {
			if !sleepCtx(ctx, s.tickInterval) {
				return nil
			}
			continue
		}

		perPeer := s.tickInterval / time.Duration(len(peers))
		for _, addr := range peers {
			if err := s.sendProbe(addr); err != nil {
				s.log.Debug("probe: send failed, will retry next tick", "reflector", addr, "error", err)
			}
			if !sleepCtx(ctx, perPeer) {
				return nil
			}
		}
	}
}

func (s *Sender) sendProbe(addr netip.Addr) error {
	seq := s.seq
	s.seq++ // wraps from 0xFFFF back to 0 automatically

	var payload []byte
	switch s.measurement {
	case MeasurementICMP:
		payload = EncodeEchoRequest(s.id, seq, MonotonicMillis())
	case MeasurementICMPTimestamps:
		payload = EncodeTimestampRequest(s.id, seq, MidnightMillis(time.Now()))
	}

	_, err := s.conn.WriteTo(payload, &net.IPAddr{IP: net.IP(addr.AsSlice())})
	return err
}

// sleepCtx sleeps for d or returns false early if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
