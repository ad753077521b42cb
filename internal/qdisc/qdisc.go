// Package qdisc implements the minimal netlink/traffic-control dependency
// surface described in spec.md §6: find an interface, read its byte
// counters, find its cake qdisc, and rewrite that qdisc's rate. It is
// deliberately thin — the spec treats this transport as an external
// collaborator, not part of the core control algorithms.
package qdisc

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vishvananda/netlink"
)

// ErrNotFound is returned by FindInterface/FindCakeQdisc when the requested
// object does not exist.
var ErrNotFound = errors.New("qdisc: not found")

// Handle identifies a cake qdisc instance on a Linux interface.
type Handle struct {
	IfIndex int
	Parent  uint32
}

// Stats is a snapshot of an interface's byte counters.
type Stats struct {
	RxBytes uint64
	TxBytes uint64
}

// Shaper is the contract the rate controller depends on. NetlinkShaper is
// the only real implementation; tests use a fake.
type Shaper interface {
	FindInterface(ifname string) (ifindex int, err error)
	InterfaceStats(ifname string) (Stats, error)
	FindCakeQdisc(ifindex int) (Handle, error)
	SetRate(h Handle, kbit uint64) error
}

// NetlinkShaper implements Shaper against the real kernel via
// github.com/vishvananda/netlink.
type NetlinkShaper struct{}

var _ Shaper = NetlinkShaper{}

func (NetlinkShaper) FindInterface(ifname string) (int, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		if errors.As(err, new(netlink.LinkNotFoundError)) {
			return 0, fmt.Errorf("%w: interface %q", ErrNotFound, ifname)
		}
		return 0, fmt.Errorf("qdisc: looking up interface %q: %w", ifname, err)
	}
	return link.Attrs().Index, nil
}

func (NetlinkShaper) InterfaceStats(ifname string) (Stats, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return Stats{}, fmt.Errorf("qdisc: reading stats for %q: %w", ifname, err)
	}
	st := link.Attrs().Statistics
	if st == nil {
		return Stats{}, fmt.Errorf("qdisc: %w: no statistics available for %q", ErrNotFound, ifname)
	}
	return Stats{RxBytes: uint64(st.RxBytes), TxBytes: uint64(st.TxBytes)}, nil
}

func (NetlinkShaper) FindCakeQdisc(ifindex int) (Handle, error) {
	qdiscs, err := netlink.QdiscList(&netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Index: ifindex}})
	if err != nil {
		return Handle{}, fmt.Errorf("qdisc: listing qdiscs on ifindex %d: %w", ifindex, err)
	}
	for _, q := range qdiscs {
		if cake, ok := q.(*netlink.Cake); ok {
			return Handle{IfIndex: ifindex, Parent: cake.QdiscAttrs.Parent}, nil
		}
	}
	return Handle{}, fmt.Errorf("%w: no cake qdisc on ifindex %d", ErrNotFound, ifindex)
}

// Open is the convenience composition of FindInterface + FindCakeQdisc
// carried over from the upstream Rust reference's qdisc_from_ifname
// (original_source/src/netlink.rs).
func Open(s Shaper, ifname string) (Handle, error) {
	ifindex, err := s.FindInterface(ifname)
	if err != nil {
		return Handle{}, err
	}
	return s.FindCakeQdisc(ifindex)
}

// SetRate rewrites the cake qdisc's base rate. bandwidth_kbits is converted
// to bytes/s as kbit*1000/8 per spec.md §6.
func (NetlinkShaper) SetRate(h Handle, kbit uint64) error {
	qdiscs, err := netlink.QdiscList(&netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Index: h.IfIndex}})
	if err != nil {
		return fmt.Errorf("qdisc: listing qdiscs on ifindex %d: %w", h.IfIndex, err)
	}
	for _, q := range qdiscs {
		cake, ok := q.(*netlink.Cake)
		if !ok || cake.QdiscAttrs.Parent != h.Parent {
			continue
		}
		cake.Bandwidth = kbit * 1000 / 8

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 2 * time.Second
		if err := backoff.Retry(func() error { return netlink.QdiscReplace(cake) }, b); err != nil {
			return fmt.Errorf("qdisc: setting cake rate on ifindex %d: %w", h.IfIndex, err)
		}
		return nil
	}
	return fmt.Errorf("%w: no cake qdisc on ifindex %d/parent %d", ErrNotFound, h.IfIndex, h.Parent)
}
