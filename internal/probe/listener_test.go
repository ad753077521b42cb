package probe

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListener_DecodeEcho(t *testing.T) {
	peers := staticPeers{list: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}
	out := make(chan Reply, 1)
	l := NewListener(testLogger(), 42, MeasurementICMP, peers, nil, out)

	sent := MonotonicMillis()
	pkt := EncodeEchoRequest(42, 1, sent)
	pkt[0] = icmpTypeEchoReply
	from := &net.IPAddr{IP: net.ParseIP("1.1.1.1")}

	reply, ok := l.decode(pkt, from, time.Now())
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("1.1.1.1"), reply.Reflector)
	assert.Equal(t, uint16(1), reply.Sequence)
	assert.Equal(t, reply.DownTimeMs, reply.UpTimeMs)
}

func TestListener_DropsNonPeerSource(t *testing.T) {
	peers := staticPeers{list: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}
	out := make(chan Reply, 1)
	l := NewListener(testLogger(), 42, MeasurementICMP, peers, nil, out)

	pkt := EncodeEchoRequest(42, 1, MonotonicMillis())
	pkt[0] = icmpTypeEchoReply
	from := &net.IPAddr{IP: net.ParseIP("8.8.8.8")}

	_, ok := l.decode(pkt, from, time.Now())
	assert.False(t, ok)
}

func TestListener_DropsMismatchedIdentifier(t *testing.T) {
	peers := staticPeers{list: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}
	out := make(chan Reply, 1)
	l := NewListener(testLogger(), 42, MeasurementICMP, peers, nil, out)

	pkt := EncodeEchoRequest(99, 1, MonotonicMillis())
	pkt[0] = icmpTypeEchoReply
	from := &net.IPAddr{IP: net.ParseIP("1.1.1.1")}

	_, ok := l.decode(pkt, from, time.Now())
	assert.False(t, ok)
}

func TestListener_DecodeTimestamp(t *testing.T) {
	peers := staticPeers{list: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}
	out := make(chan Reply, 1)
	l := NewListener(testLogger(), 7, MeasurementICMPTimestamps, peers, nil, out)

	now := time.Now()
	originate := MidnightMillis(now)
	pkt := EncodeTimestampRequest(7, 5, originate)
	pkt[0] = icmpTypeTimestampReply

	reply, ok := l.decode(pkt, &net.IPAddr{IP: net.ParseIP("1.1.1.1")}, now)
	require.True(t, ok)
	assert.Equal(t, uint16(5), reply.Sequence)
	assert.GreaterOrEqual(t, reply.RTTMs, 0.0)
}

func TestListener_Run_ForwardsAcceptedSamples(t *testing.T) {
	conn := newPipeConn()
	peers := staticPeers{list: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}
	out := make(chan Reply, 1)
	l := NewListener(testLogger(), 42, MeasurementICMP, peers, conn, out)

	pkt := EncodeEchoRequest(42, 1, MonotonicMillis())
	pkt[0] = icmpTypeEchoReply
	conn.buf = append(conn.buf, pkt)
	conn.to = append(conn.to, &net.IPAddr{IP: net.ParseIP("1.1.1.1")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case r := <-out:
		assert.Equal(t, netip.MustParseAddr("1.1.1.1"), r.Reflector)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded sample")
	}
	cancel()
	<-done
}
