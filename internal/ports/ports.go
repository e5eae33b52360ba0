// Package ports tracks which local SCTP port numbers are held by live
// associations.
package ports

import (
	"fmt"
	"sync"

	"github.com/postalsys/sctp4udp/internal/sctperr"
)

const (
	// MinPort and MaxPort bound the valid port range.
	MinPort = 1
	MaxPort = 65535

	// Automatic assignment prefers the IANA dynamic range before falling back
	// to the rest of the valid range.
	dynamicStart = 49152
)

// Registry hands out local port numbers. A port is held by at most one owner
// until it is released.
type Registry struct {
	mu     sync.Mutex
	inUse  map[uint16]uint64 // port -> lease id
	nextID uint64
	cursor int
}

// Lease is one allocation of Port. Only the holder of the current lease for
// a port can release it through Drop.
type Lease struct {
	Port uint16
	id   uint64
}

// NewRegistry creates an empty port registry.
func NewRegistry() *Registry {
	return &Registry{
		inUse:  make(map[uint16]uint64),
		cursor: dynamicStart,
	}
}

// ValidPort reports whether port lies in the 1-65535 range.
func ValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// Allocate marks a port as in use and returns it. A requested port of 0, or
// one outside the valid range, means any free port. Any other value is taken
// exactly or the call fails with sctperr.ErrPortInUse.
func (r *Registry) Allocate(requested int) (uint16, error) {
	l, err := r.Acquire(requested)
	return l.Port, err
}

// Acquire is Allocate returning a lease. Dropping the lease releases the
// port only while that lease still holds it, so a holder that outlives a
// Reset cannot free a port handed to someone else since.
func (r *Registry) Acquire(requested int) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var p uint16
	if ValidPort(requested) {
		p = uint16(requested)
		if _, taken := r.inUse[p]; taken {
			return Lease{}, fmt.Errorf("port %d: %w", requested, sctperr.ErrPortInUse)
		}
	} else {
		var ok bool
		if p, ok = r.nextFree(); !ok {
			return Lease{}, fmt.Errorf("no free port left: %w", sctperr.ErrPortInUse)
		}
	}

	r.nextID++
	r.inUse[p] = r.nextID
	return Lease{Port: p, id: r.nextID}, nil
}

// Drop releases l.Port if l is still its current lease and reports whether
// it did.
func (r *Registry) Drop(l Lease) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.inUse[l.Port]; !ok || id != l.id {
		return false
	}
	delete(r.inUse, l.Port)
	return true
}

// nextFree walks the range starting at the cursor. Caller holds r.mu.
func (r *Registry) nextFree() (uint16, bool) {
	if len(r.inUse) >= MaxPort {
		return 0, false
	}

	// Dynamic range first, then the registered range.
	for _, span := range [][2]int{{dynamicStart, MaxPort}, {MinPort, dynamicStart - 1}} {
		lo, hi := span[0], span[1]
		start := r.cursor
		if start < lo || start > hi {
			start = lo
		}
		for i := 0; i <= hi-lo; i++ {
			candidate := lo + (start-lo+i)%(hi-lo+1)
			if _, taken := r.inUse[uint16(candidate)]; !taken {
				r.cursor = candidate + 1
				return uint16(candidate), true
			}
		}
	}
	return 0, false
}

// Release returns a port to the free set. Releasing a port that is not
// allocated is a no-op, so concurrent failure paths may release safely.
func (r *Registry) Release(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inUse, port)
}

// IsFree reports whether port is currently unallocated. Out-of-range values
// are never free.
func (r *Registry) IsFree(port int) bool {
	if !ValidPort(port) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, taken := r.inUse[uint16(port)]
	return !taken
}

// InUse reports whether port is currently allocated.
func (r *Registry) InUse(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, taken := r.inUse[port]
	return taken
}

// Count returns the number of allocated ports.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.inUse)
}

// Reset releases every port and invalidates every outstanding lease. Used by
// process shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inUse = make(map[uint16]uint64)
	r.cursor = dynamicStart
}
