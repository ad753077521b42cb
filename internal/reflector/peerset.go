// Package reflector owns the candidate pool and the active peer set, and
// implements the reflector-selector control loop described in spec.md §4.4.
package reflector

import (
	"net/netip"
	"sync"
)

// PeerSet is the shared, read/write-locked set of reflectors currently being
// probed. Writers are exclusively the selector; readers are the sender,
// listener, and rate controller.
type PeerSet struct {
	mu    sync.RWMutex
	peers []netip.Addr
}

// NewPeerSet seeds a peer set with an initial, non-empty default list.
func NewPeerSet(initial []netip.Addr) *PeerSet {
	cp := make([]netip.Addr, len(initial))
	copy(cp, initial)
	return &PeerSet{peers: cp}
}

// Snapshot returns a copy of the current peer list, safe to range over
// without holding the lock.
func (p *PeerSet) Snapshot() []netip.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]netip.Addr, len(p.peers))
	copy(out, p.peers)
	return out
}

// Contains reports whether addr is currently in the peer set.
func (p *PeerSet) Contains(addr netip.Addr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.peers {
		if a == addr {
			return true
		}
	}
	return false
}

// Len returns the current peer set size.
func (p *PeerSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// Replace atomically swaps in a new peer list.
func (p *PeerSet) Replace(next []netip.Addr) {
	cp := make([]netip.Addr, len(next))
	copy(cp, next)
	p.mu.Lock()
	p.peers = cp
	p.mu.Unlock()
}
