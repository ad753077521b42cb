// Package probe implements the raw-ICMP sender/listener pair that produces
// the stream of per-reflector delay samples consumed by the baseliner.
package probe

import (
	"net/netip"
	"time"
)

// MeasurementType selects the wire format used to probe reflectors.
type MeasurementType int

const (
	MeasurementICMP MeasurementType = iota
	MeasurementICMPTimestamps
)

func (m MeasurementType) String() string {
	switch m {
	case MeasurementICMP:
		return "icmp"
	case MeasurementICMPTimestamps:
		return "icmp-timestamps"
	default:
		return "unknown"
	}
}

// ParseMeasurementType maps a config string onto a MeasurementType.
// "ntp" and "tcp-timestamps" are reserved by the spec but not implemented.
func ParseMeasurementType(s string) (MeasurementType, error) {
	switch s {
	case "icmp":
		return MeasurementICMP, nil
	case "icmp-timestamps":
		return MeasurementICMPTimestamps, nil
	default:
		return 0, errUnsupportedMeasurement(s)
	}
}

type errUnsupportedMeasurement string

func (e errUnsupportedMeasurement) Error() string {
	return "probe: unsupported or reserved measurement_type: " + string(e)
}

// Reply is a single decoded, accepted probe response. It is produced by the
// listener and consumed by the baseliner.
type Reply struct {
	Reflector   netip.Addr
	Sequence    uint16
	RTTMs       float64
	DownTimeMs  float64
	UpTimeMs    float64
	CurrentMs   int64 // local clock reading used to derive the above, for debugging
	OriginateTS int64
	ReceiveTS   int64
	TransmitTS  int64
	ReceivedAt  time.Time
}
