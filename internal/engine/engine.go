// Package engine defines the boundary to the SCTP association engine, the
// component that owns chunk framing, retransmission and congestion control.
//
// The transport layer never parses SCTP. It feeds inbound datagrams to an
// engine association with Input and receives the engine's outbound packets
// through Handler.Outbound. The owning association implements Handler; the
// engine keeps it only as a callback target and never owns it.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrNotInitialized is returned by Create before Init or after Finish.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("engine already initialized")

	// ErrClosed is returned by operations on a closed engine association.
	ErrClosed = errors.New("engine association closed")

	// ErrNotEstablished is returned by Send before the handshake completed.
	ErrNotEstablished = errors.New("engine association not established")
)

// Message is one payload decoded by the engine. SSN and TSN are zero when the
// engine does not surface them.
type Message struct {
	Payload  []byte
	StreamID uint16
	SSN      uint16
	TSN      uint32
	PPID     uint32
	Context  uint32
	Flags    uint32
}

// FlagUnordered marks a message delivered without stream ordering.
const FlagUnordered uint32 = 1 << 0

// OutboundMessage is one payload handed to the engine for sending.
type OutboundMessage struct {
	Payload  []byte
	StreamID uint16
	PPID     uint32
	Ordered  bool
}

// Handler receives engine callbacks for one association.
type Handler interface {
	// Outbound carries one framed SCTP packet to the transport link. An error
	// is reported to the owner but never terminates the engine association.
	Outbound(pkt []byte) error
	// Data delivers one decoded payload. It runs on an engine loop and may
	// block that loop, not the transport receive loop.
	Data(msg Message)
	// Failure reports a fatal protocol-level error after establishment.
	Failure(err error)
}

// Config describes one engine association.
type Config struct {
	LocalPort  uint16
	RemotePort uint16
	Handler    Handler

	// MaxMessageSize bounds a single payload. Zero selects the engine default.
	MaxMessageSize uint32
	// MaxReceiveBufferSize bounds engine-side reassembly. Zero selects the
	// engine default.
	MaxReceiveBufferSize uint32
	// MaxInboundQueue bounds the bytes of inbound datagrams queued ahead of
	// the engine. Zero selects the engine default.
	MaxInboundQueue int
}

// Stats reports engine-level byte counters.
type Stats struct {
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

// Association is one engine association instance.
type Association interface {
	// Connect runs the active open and blocks until it completes or ctx ends.
	Connect(ctx context.Context) error
	// Accept runs the passive open and blocks until it completes or ctx ends.
	Accept(ctx context.Context) error
	// Input queues one inbound SCTP packet. It must not block.
	Input(pkt []byte) error
	// Send frames and queues one payload.
	Send(msg OutboundMessage) error
	// Close tears the association down. It is idempotent.
	Close() error
	Stats() Stats
}

// Engine is the process-level engine. Init and Finish bracket its use.
type Engine interface {
	Init() error
	Finish() error
	Create(cfg Config) (Association, error)
}

// Runner starts long-running loops. *pool.Pool satisfies it.
type Runner interface {
	Go(name string, fn func(ctx context.Context)) error
}
