// Package chaos injects datagram-level faults into a transport link. It is
// used to exercise engine retransmission and transport error handling.
package chaos

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/sctp4udp/internal/link"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop silently discards a datagram.
	FaultDrop FaultType = iota
	// FaultDelay holds a datagram before writing it.
	FaultDelay
	// FaultDuplicate writes a datagram twice.
	FaultDuplicate
	// FaultError fails the write with a transport error.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultDuplicate:
		return "duplicate"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, applies to a datagram.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.RWMutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled injector seeded from the clock.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(time.Now().UnixNano(), configs...)
}

// NewSeededFaultInjector creates an enabled injector with a fixed seed.
func NewSeededFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// MaybeInject returns the first configured fault that fires, in
// configuration order.
func (f *FaultInjector) MaybeInject() (FaultConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultConfig{}, false
	}
	for _, config := range f.configs {
		if f.rng.Float64() < config.Probability {
			f.faultHits[config.Type]++
			return config, true
		}
	}
	return FaultConfig{}, false
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

func (f *FaultInjector) delay(config FaultConfig) time.Duration {
	if config.MaxDelay <= config.MinDelay {
		return config.MinDelay
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return config.MinDelay + time.Duration(f.rng.Int63n(int64(config.MaxDelay-config.MinDelay)))
}

// Link wraps a transport link and applies injected faults to outbound
// datagrams. Inbound traffic is untouched.
type Link struct {
	link.Link
	injector *FaultInjector

	sent atomic.Uint64
}

// NewLink wraps inner.
func NewLink(inner link.Link, injector *FaultInjector) *Link {
	return &Link{Link: inner, injector: injector}
}

// Send applies at most one fault and forwards the datagram.
func (l *Link) Send(remote netip.AddrPort, pkt []byte) error {
	config, ok := l.injector.MaybeInject()
	if ok {
		switch config.Type {
		case FaultDrop:
			return nil
		case FaultDelay:
			time.Sleep(l.injector.delay(config))
		case FaultDuplicate:
			if err := l.Link.Send(remote, pkt); err != nil {
				return err
			}
			l.sent.Add(1)
		case FaultError:
			return fmt.Errorf("%w: chaos: injected write failure", sctperr.ErrTransport)
		}
	}

	if err := l.Link.Send(remote, pkt); err != nil {
		return err
	}
	l.sent.Add(1)
	return nil
}

// Sent returns the number of datagrams written to the inner link.
func (l *Link) Sent() uint64 {
	return l.sent.Load()
}

// Attach forwards to the inner link when it binds a single entry.
func (l *Link) Attach(e mapper.Entry) error {
	a, ok := l.Link.(interface{ Attach(mapper.Entry) error })
	if !ok {
		return fmt.Errorf("chaos: inner link %T cannot attach: %w", l.Link, sctperr.ErrInvalidArgument)
	}
	return a.Attach(e)
}

// Start forwards to the inner link when it has a receive loop to start.
func (l *Link) Start() error {
	if s, ok := l.Link.(interface{ Start() error }); ok {
		return s.Start()
	}
	return nil
}
