// Package link provides the UDP transport links that carry SCTP packets.
//
// Each UDP datagram payload is exactly one engine-framed SCTP packet; no
// header is added. Two variants exist:
//   - ServerLink owns one socket shared by every association on it and routes
//     inbound datagrams by source address through a mapper.Mapper. Datagrams
//     from unknown sources go to an Acceptor, which may create and register a
//     new association before the first datagram is delivered.
//   - ClientLink owns a socket connected to exactly one remote and delivers
//     every inbound datagram to its single bound entry.
//
// Each link runs one receive loop, so datagrams from a given peer reach its
// association in the order they were read.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/postalsys/sctp4udp/internal/logging"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// DefaultReadBufferSize fits the largest UDP payload.
const DefaultReadBufferSize = 65535

// ErrClosed is returned by operations on a closed link.
var ErrClosed = errors.New("link closed")

// Link is the outbound path an association writes engine packets to.
type Link interface {
	// Send writes one packet. Server links address it to remote; client
	// links always write to their fixed peer.
	Send(remote netip.AddrPort, pkt []byte) error
	LocalAddr() netip.AddrPort
	Close() error
	// Done is closed once the receive loop has exited.
	Done() <-chan struct{}
}

// Runner starts long-running loops. *pool.Pool satisfies it.
type Runner interface {
	Go(name string, fn func(ctx context.Context)) error
}

// Acceptor handles datagrams from peers with no registered association.
type Acceptor interface {
	// Accept creates and registers an entry for remote, or refuses it.
	Accept(remote netip.AddrPort) (mapper.Entry, error)
}

// Options configures a link.
type Options struct {
	Runner         Runner
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	ReadBufferSize int
}

// Stats holds link counters.
type Stats struct {
	DatagramsIn  uint64 `json:"datagrams_in"`
	DatagramsOut uint64 `json:"datagrams_out"`
	BytesIn      uint64 `json:"bytes_in"`
	BytesOut     uint64 `json:"bytes_out"`
	ReadErrors   uint64 `json:"read_errors"`
	WriteErrors  uint64 `json:"write_errors"`
	Dropped      uint64 `json:"dropped"`
}

type counters struct {
	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	readErrors   atomic.Uint64
	writeErrors  atomic.Uint64
	dropped      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		DatagramsIn:  c.datagramsIn.Load(),
		DatagramsOut: c.datagramsOut.Load(),
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		ReadErrors:   c.readErrors.Load(),
		WriteErrors:  c.writeErrors.Load(),
		Dropped:      c.dropped.Load(),
	}
}

// base is the socket, receive loop and shutdown discipline shared by both
// link variants.
type base struct {
	kind    string
	conn    *net.UDPConn
	local   netip.AddrPort
	runner  Runner
	logger  *slog.Logger
	metrics *metrics.Metrics
	bufSize int

	shutdown  atomic.Bool
	started   atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	counters
}

func newBase(kind string, conn *net.UDPConn, opts Options) (*base, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("link runner is required: %w", sctperr.ErrInvalidArgument)
	}
	bufSize := opts.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	b := &base{
		kind:    kind,
		conn:    conn,
		local:   local,
		runner:  opts.Runner,
		metrics: metrics.OrDefault(opts.Metrics),
		bufSize: bufSize,
		done:    make(chan struct{}),
	}
	b.logger = logging.OrNop(opts.Logger).With(
		slog.String(logging.KeyComponent, "link"),
		slog.String(logging.KeyLink, kind),
		slog.String(logging.KeyLocalAddr, local.String()))
	b.metrics.RecordLinkOpen(kind)
	return b, nil
}

// LocalAddr returns the bound socket address.
func (b *base) LocalAddr() netip.AddrPort {
	return b.local
}

// Done is closed once the receive loop has exited, or at Close if the loop
// never started.
func (b *base) Done() <-chan struct{} {
	return b.done
}

// IsShutdown reports whether Close has been called.
func (b *base) IsShutdown() bool {
	return b.shutdown.Load()
}

// Stats returns the link counters.
func (b *base) Stats() Stats {
	return b.counters.snapshot()
}

// start launches the receive loop once.
func (b *base) start(name string, deliver func(from netip.AddrPort, pkt []byte)) error {
	if b.shutdown.Load() {
		return ErrClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	err := b.runner.Go(name, func(ctx context.Context) {
		defer b.finish()
		b.receiveLoop(deliver)
	})
	if err != nil {
		b.finish()
		return fmt.Errorf("start %s receive loop: %w", b.kind, err)
	}
	b.logger.Debug("receive loop started")
	return nil
}

// receiveLoop reads until the socket is closed by shutdown. Transient read
// errors are logged and the loop continues.
func (b *base) receiveLoop(deliver func(from netip.AddrPort, pkt []byte)) {
	buf := make([]byte, b.bufSize)

	for {
		n, from, err := b.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if b.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				b.logger.Debug("receive loop stopped")
				return
			}
			b.readErrors.Add(1)
			b.metrics.RecordTransportError("read")
			b.logger.Warn("udp read failed", logging.KeyError, err)
			continue
		}

		b.datagramsIn.Add(1)
		b.bytesIn.Add(uint64(n))
		b.metrics.RecordDatagramIn(b.kind, n)

		// The engine may retain the packet; buf is reused.
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		deliver(from, pkt)
	}
}

func (b *base) write(pkt []byte, to netip.AddrPort, connected bool) error {
	if b.shutdown.Load() {
		return fmt.Errorf("%w: %w", sctperr.ErrTransport, ErrClosed)
	}

	var (
		n   int
		err error
	)
	if connected {
		n, err = b.conn.Write(pkt)
	} else {
		n, err = b.conn.WriteToUDPAddrPort(pkt, to)
	}
	if err != nil {
		b.writeErrors.Add(1)
		b.metrics.RecordTransportError("write")
		return fmt.Errorf("%w: send to %v: %w", sctperr.ErrTransport, to, err)
	}

	b.datagramsOut.Add(1)
	b.bytesOut.Add(uint64(n))
	b.metrics.RecordDatagramOut(b.kind, n)
	return nil
}

func (b *base) finish() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *base) drop(reason string) {
	b.dropped.Add(1)
	b.metrics.RecordDrop(reason)
}

// close stops the loop: the shutdown flag is set first so the read error
// caused by closing the socket ends the loop instead of being retried.
func (b *base) close() error {
	b.closeOnce.Do(func() {
		b.shutdown.Store(true)
		b.closeErr = b.conn.Close()
		b.metrics.RecordLinkClose(b.kind)
		if !b.started.Load() {
			b.finish()
		}
		b.logger.Debug("link closed")
	})
	<-b.done
	return b.closeErr
}

func udpAddr(ap netip.AddrPort) *net.UDPAddr {
	if !ap.IsValid() {
		return nil
	}
	return net.UDPAddrFromAddrPort(ap)
}
