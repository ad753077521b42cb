package probe

import "time"

// processStart anchors the monotonic millisecond clock embedded in Echo
// payloads. Both the sender and the listener of the same process use this
// same reference, so the payload is entirely opaque to the network — only
// the process that sent it can make sense of it (spec.md §9, "Endianness
// of Echo payload").
var processStart = time.Now()

// MonotonicMillis returns milliseconds elapsed since process start.
func MonotonicMillis() uint64 {
	return uint64(time.Since(processStart).Milliseconds())
}

// MidnightMillis returns milliseconds elapsed since UTC midnight for t, as
// used by the ICMP Timestamp wire format (RFC 792).
func MidnightMillis(t time.Time) uint32 {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(t.Sub(midnight).Milliseconds())
}
