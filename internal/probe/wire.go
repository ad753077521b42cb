package probe

import (
	"encoding/binary"
	"fmt"
)

// ICMP type/code constants used by this package (RFC 792). golang.org/x/net/icmp
// only knows how to encode Echo messages, not Timestamp ones, so both wire
// formats are hand-rolled here to keep the two code paths symmetric.
const (
	icmpTypeEchoRequest      = 8
	icmpTypeEchoReply        = 0
	icmpTypeTimestampRequest = 13
	icmpTypeTimestampReply   = 14
)

// checksum computes the standard ICMP 16-bit one's-complement checksum over
// header+payload, per RFC 792.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// EncodeEchoRequest builds an ICMP Echo Request (type 8) whose 8-byte payload
// is nowMs encoded in host/native byte order — the packet never leaves the
// process that decodes it, so there is no need for wire-stable endianness.
func EncodeEchoRequest(id, seq uint16, nowMs uint64) []byte {
	b := make([]byte, 16)
	b[0] = icmpTypeEchoRequest
	b[1] = 0
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	binary.NativeEndian.PutUint64(b[8:16], nowMs)
	binary.BigEndian.PutUint16(b[2:4], checksum(b))
	return b
}

// DecodedEcho holds the fields recovered from an Echo Reply.
type DecodedEcho struct {
	ID       uint16
	Sequence uint16
	SentMs   uint64
}

// DecodeEchoReply parses an Echo Reply (type 0) produced by EncodeEchoRequest's
// counterpart. Returns an error for any other ICMP type/malformed payload.
func DecodeEchoReply(b []byte) (DecodedEcho, error) {
	if len(b) < 16 {
		return DecodedEcho{}, fmt.Errorf("probe: echo reply too short: %d bytes", len(b))
	}
	if b[0] != icmpTypeEchoReply {
		return DecodedEcho{}, fmt.Errorf("probe: not an echo reply: type %d", b[0])
	}
	return DecodedEcho{
		ID:       binary.BigEndian.Uint16(b[4:6]),
		Sequence: binary.BigEndian.Uint16(b[6:8]),
		SentMs:   binary.NativeEndian.Uint64(b[8:16]),
	}, nil
}

// EncodeTimestampRequest builds an ICMP Timestamp Request (type 13). All
// three timestamp fields are 32-bit big-endian milliseconds since UTC
// midnight, per RFC 792; receive/transmit are zero on the request.
func EncodeTimestampRequest(id, seq uint16, originateMs uint32) []byte {
	b := make([]byte, 20)
	b[0] = icmpTypeTimestampRequest
	b[1] = 0
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	binary.BigEndian.PutUint32(b[8:12], originateMs)
	binary.BigEndian.PutUint32(b[12:16], 0)
	binary.BigEndian.PutUint32(b[16:20], 0)
	binary.BigEndian.PutUint16(b[2:4], checksum(b))
	return b
}

// DecodedTimestamp holds the fields recovered from a Timestamp Reply.
type DecodedTimestamp struct {
	ID        uint16
	Sequence  uint16
	Originate uint32
	Receive   uint32
	Transmit  uint32
}

// DecodeTimestampReply parses a Timestamp Reply (type 14).
func DecodeTimestampReply(b []byte) (DecodedTimestamp, error) {
	if len(b) < 20 {
		return DecodedTimestamp{}, fmt.Errorf("probe: timestamp reply too short: %d bytes", len(b))
	}
	if b[0] != icmpTypeTimestampReply {
		return DecodedTimestamp{}, fmt.Errorf("probe: not a timestamp reply: type %d", b[0])
	}
	return DecodedTimestamp{
		ID:        binary.BigEndian.Uint16(b[4:6]),
		Sequence:  binary.BigEndian.Uint16(b[6:8]),
		Originate: binary.BigEndian.Uint32(b[8:12]),
		Receive:   binary.BigEndian.Uint32(b[12:16]),
		Transmit:  binary.BigEndian.Uint32(b[16:20]),
	}, nil
}
