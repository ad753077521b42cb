package reflector

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
)

// Pool is the full candidate list loaded from the reflector-list file. It is
// read-only after construction; the selector draws random candidates from it.
type Pool struct {
	candidates []netip.Addr
}

// LoadPoolFile parses a reflector-list CSV: UTF-8, first line is a header and
// is discarded, and the first comma-separated field of each subsequent line
// is an IP literal. Malformed lines are logged and skipped rather than
// failing the whole load.
func LoadPoolFile(log *slog.Logger, path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reflector: opening reflector list %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // tolerate ragged rows; we only look at column 0

	var addrs []netip.Addr
	lineNo := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reflector: reading %q: %w", path, err)
		}
		lineNo++
		if lineNo == 1 {
			continue // header
		}
		if len(rec) == 0 {
			continue
		}
		addr, err := netip.ParseAddr(rec[0])
		if err != nil {
			log.Warn("reflector: skipping unparsable reflector-list line", "line", lineNo, "value", rec[0], "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("reflector: %q contained no usable reflectors", path)
	}
	return &Pool{candidates: addrs}, nil
}

// NewPool wraps an explicit candidate list, useful for the default peer set
// and for tests.
func NewPool(addrs []netip.Addr) *Pool {
	cp := make([]netip.Addr, len(addrs))
	copy(cp, addrs)
	return &Pool{candidates: cp}
}

// Len reports the number of candidates in the pool.
func (p *Pool) Len() int { return len(p.candidates) }

// All returns a copy of the full candidate list.
func (p *Pool) All() []netip.Addr {
	out := make([]netip.Addr, len(p.candidates))
	copy(out, p.candidates)
	return out
}
