// Package mapper maps remote transport addresses to the association that
// handles traffic from them.
//
// The server transport link consults the mapper on every inbound datagram, so
// lookups take a read lock only. An entry becomes visible to lookups only once
// Register has returned; it is never observed half-constructed.
package mapper

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// ErrShutdown is returned by Register after Shutdown.
var ErrShutdown = errors.New("mapper shut down")

// Entry is the receiving side of an association as seen by a transport link.
// The mapper holds entries as non-owning references.
type Entry interface {
	// Deliver hands one inbound datagram to the association. It must not block.
	Deliver(pkt []byte)
}

// Mapper is a registry from remote transport identity to Entry.
type Mapper struct {
	mu      sync.RWMutex
	entries map[netip.AddrPort]Entry
	closed  bool
}

// New creates an empty mapper.
func New() *Mapper {
	return &Mapper{
		entries: make(map[netip.AddrPort]Entry),
	}
}

// Key normalizes a remote address so that IPv4 and IPv4-mapped IPv6 forms of
// the same peer share one entry.
func Key(remote netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
}

// Register adds e for remote. At most one entry per remote may exist.
func (m *Mapper) Register(remote netip.AddrPort, e Entry) error {
	if !remote.IsValid() || e == nil {
		return fmt.Errorf("register %v: %w", remote, sctperr.ErrInvalidArgument)
	}
	key := Key(remote)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShutdown
	}
	if _, exists := m.entries[key]; exists {
		return fmt.Errorf("%v: %w", key, sctperr.ErrAssociationExists)
	}
	m.entries[key] = e
	return nil
}

// Lookup returns the entry registered for remote.
func (m *Mapper) Lookup(remote netip.AddrPort) (Entry, bool) {
	key := Key(remote)

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	return e, ok
}

// Remove deletes the entry for remote if it is e. A nil e removes whatever is
// registered. It reports whether an entry was removed.
func (m *Mapper) Remove(remote netip.AddrPort, e Entry) bool {
	key := Key(remote)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entries[key]
	if !ok {
		return false
	}
	if e != nil && cur != e {
		return false
	}
	delete(m.entries, key)
	return true
}

// Len returns the number of registered entries.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Remotes returns a snapshot of the registered remote addresses.
func (m *Mapper) Remotes() []netip.AddrPort {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]netip.AddrPort, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

// Shutdown drops every entry and refuses further registrations. Entries are
// not closed; their owners do that.
func (m *Mapper) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = make(map[netip.AddrPort]Entry)
}

// IsShutdown reports whether Shutdown was called.
func (m *Mapper) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}
