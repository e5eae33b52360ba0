package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pionlog "github.com/pion/logging"
	"github.com/pion/sctp"
	"github.com/pion/transport/v3/packetio"

	"github.com/postalsys/sctp4udp/internal/logging"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxMessageSize       = 65536
	DefaultMaxReceiveBufferSize = 1024 * 1024
	DefaultMaxInboundQueue      = 1024 * 1024
)

// Pion is an Engine backed by github.com/pion/sctp. Every association runs
// over a virtual net.Conn: Input feeds its read side and engine writes leave
// through the association's Handler.
type Pion struct {
	runner  Runner
	logger  *slog.Logger
	factory pionlog.LoggerFactory

	mu          sync.Mutex
	initialized bool
	live        map[*pionAssociation]struct{}
}

// NewPion creates an uninitialized pion engine. Stream reader loops run on
// runner.
func NewPion(runner Runner, logger *slog.Logger) *Pion {
	logger = logging.OrNop(logger).With(slog.String(logging.KeyComponent, "engine"))
	return &Pion{
		runner:  runner,
		logger:  logger,
		factory: logging.NewPionFactory(logger),
		live:    make(map[*pionAssociation]struct{}),
	}
}

// Init prepares the engine for use.
func (p *Pion) Init() error {
	if p.runner == nil {
		return errors.New("engine runner is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return ErrAlreadyInitialized
	}
	p.initialized = true
	p.logger.Debug("engine initialized")
	return nil
}

// Finish marks the engine unusable for new associations. Associations still
// open keep running until their owners close them.
func (p *Pion) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return ErrNotInitialized
	}
	p.initialized = false
	if n := len(p.live); n > 0 {
		p.logger.Warn("engine finished with open associations", slog.Int(logging.KeyCount, n))
	}
	p.logger.Debug("engine finished")
	return nil
}

// Live returns the number of engine associations not yet closed.
func (p *Pion) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Create returns a new association bound to cfg.Handler.
func (p *Pion) Create(cfg Config) (Association, error) {
	if cfg.Handler == nil {
		return nil, errors.New("engine handler is required")
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxReceiveBufferSize == 0 {
		cfg.MaxReceiveBufferSize = DefaultMaxReceiveBufferSize
	}
	if cfg.MaxInboundQueue <= 0 {
		cfg.MaxInboundQueue = DefaultMaxInboundQueue
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, ErrNotInitialized
	}

	inbound := packetio.NewBuffer()
	inbound.SetLimitSize(cfg.MaxInboundQueue)

	a := &pionAssociation{
		engine:  p,
		cfg:     cfg,
		handler: cfg.Handler,
		logger: p.logger.With(
			slog.Int(logging.KeyLocalPort, int(cfg.LocalPort)),
		),
		conn: &wireConn{
			inbound: inbound,
			handler: cfg.Handler,
			local:   portAddr(cfg.LocalPort),
			remote:  portAddr(cfg.RemotePort),
		},
		streams: make(map[uint16]*sctp.Stream),
	}
	p.live[a] = struct{}{}
	return a, nil
}

func (p *Pion) forget(a *pionAssociation) {
	p.mu.Lock()
	delete(p.live, a)
	p.mu.Unlock()
}

// pionAssociation adapts one *sctp.Association to Association.
type pionAssociation struct {
	engine  *Pion
	cfg     Config
	handler Handler
	logger  *slog.Logger
	conn    *wireConn

	mu      sync.Mutex
	assoc   *sctp.Association
	streams map[uint16]*sctp.Stream
	opened  bool

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (a *pionAssociation) Connect(ctx context.Context) error {
	return a.handshake(ctx, "connect", sctp.Client)
}

func (a *pionAssociation) Accept(ctx context.Context) error {
	return a.handshake(ctx, "accept", sctp.Server)
}

func (a *pionAssociation) handshake(ctx context.Context, mode string, open func(sctp.Config) (*sctp.Association, error)) error {
	a.mu.Lock()
	if a.opened {
		a.mu.Unlock()
		return fmt.Errorf("engine %s: handshake already started", mode)
	}
	a.opened = true
	a.mu.Unlock()

	if a.closing.Load() {
		return ErrClosed
	}

	type result struct {
		assoc *sctp.Association
		err   error
	}
	done := make(chan result, 1)
	go func() {
		assoc, err := open(sctp.Config{
			NetConn:              a.conn,
			MaxReceiveBufferSize: a.cfg.MaxReceiveBufferSize,
			MaxMessageSize:       a.cfg.MaxMessageSize,
			LoggerFactory:        a.engine.factory,
		})
		done <- result{assoc: assoc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("engine %s: %w", mode, r.err)
		}
		return a.established(r.assoc)
	case <-ctx.Done():
		// Closing the virtual conn ends the engine read loop, which aborts
		// the pending handshake.
		a.conn.Close()
		if r := <-done; r.assoc != nil {
			r.assoc.Close()
		}
		return ctx.Err()
	}
}

func (a *pionAssociation) established(assoc *sctp.Association) error {
	a.mu.Lock()
	if a.closing.Load() {
		a.mu.Unlock()
		assoc.Close()
		return ErrClosed
	}
	a.assoc = assoc
	a.mu.Unlock()

	if err := a.engine.runner.Go("engine-accept-streams", func(context.Context) {
		a.acceptStreams(assoc)
	}); err != nil {
		assoc.Close()
		return fmt.Errorf("start stream acceptor: %w", err)
	}
	return nil
}

func (a *pionAssociation) acceptStreams(assoc *sctp.Association) {
	for {
		s, err := assoc.AcceptStream()
		if err != nil {
			if !a.closing.Load() {
				a.logger.Debug("engine association ended", slog.String(logging.KeyError, err.Error()))
				a.handler.Failure(err)
			}
			return
		}

		a.mu.Lock()
		if _, ok := a.streams[s.StreamIdentifier()]; !ok {
			a.streams[s.StreamIdentifier()] = s
		}
		a.mu.Unlock()
		a.readStream(s)
	}
}

func (a *pionAssociation) readStream(s *sctp.Stream) {
	err := a.engine.runner.Go("engine-read-stream", func(context.Context) {
		buf := make([]byte, a.cfg.MaxMessageSize)
		for {
			n, ppi, err := s.ReadSCTP(buf)
			if err != nil {
				if errors.Is(err, io.ErrShortBuffer) {
					a.logger.Warn("inbound message exceeds max message size",
						slog.Int(logging.KeyStreamID, int(s.StreamIdentifier())))
					continue
				}
				return
			}

			payload := make([]byte, n)
			copy(payload, buf[:n])
			a.handler.Data(Message{
				Payload:  payload,
				StreamID: s.StreamIdentifier(),
				PPID:     uint32(ppi),
			})
		}
	})
	if err != nil {
		a.logger.Warn("failed to start stream reader",
			slog.Int(logging.KeyStreamID, int(s.StreamIdentifier())),
			slog.String(logging.KeyError, err.Error()))
	}
}

func (a *pionAssociation) Input(pkt []byte) error {
	if a.closing.Load() {
		return ErrClosed
	}
	if _, err := a.conn.inbound.Write(pkt); err != nil {
		return fmt.Errorf("engine input: %w", err)
	}
	return nil
}

func (a *pionAssociation) Send(msg OutboundMessage) error {
	if a.closing.Load() {
		return ErrClosed
	}

	a.mu.Lock()
	if a.assoc == nil {
		a.mu.Unlock()
		return ErrNotEstablished
	}
	s, ok := a.streams[msg.StreamID]
	if !ok {
		var err error
		s, err = a.assoc.OpenStream(msg.StreamID, sctp.PayloadProtocolIdentifier(msg.PPID))
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("open stream %d: %w", msg.StreamID, err)
		}
		a.streams[msg.StreamID] = s
		a.mu.Unlock()
		a.readStream(s)
	} else {
		a.mu.Unlock()
	}

	s.SetReliabilityParams(!msg.Ordered, sctp.ReliabilityTypeReliable, 0)
	if _, err := s.WriteSCTP(msg.Payload, sctp.PayloadProtocolIdentifier(msg.PPID)); err != nil {
		return fmt.Errorf("write stream %d: %w", msg.StreamID, err)
	}
	return nil
}

func (a *pionAssociation) Close() error {
	a.closeOnce.Do(func() {
		a.closing.Store(true)

		a.mu.Lock()
		assoc := a.assoc
		a.assoc = nil
		a.streams = make(map[uint16]*sctp.Stream)
		a.mu.Unlock()

		if assoc != nil {
			a.closeErr = assoc.Close()
		}
		a.conn.Close()
		a.engine.forget(a)
	})
	return a.closeErr
}

func (a *pionAssociation) Stats() Stats {
	a.mu.Lock()
	assoc := a.assoc
	a.mu.Unlock()

	if assoc == nil {
		return Stats{}
	}
	return Stats{
		BytesSent:     assoc.BytesSent(),
		BytesReceived: assoc.BytesReceived(),
	}
}

// wireConn is the net.Conn the engine runs over.
type wireConn struct {
	inbound *packetio.Buffer
	handler Handler
	local   net.Addr
	remote  net.Addr
}

func (c *wireConn) Read(p []byte) (int, error) {
	return c.inbound.Read(p)
}

// Write hands one engine packet to the handler. Transport failures are the
// handler's to report; the engine always sees success.
func (c *wireConn) Write(p []byte) (int, error) {
	_ = c.handler.Outbound(p)
	return len(p), nil
}

func (c *wireConn) Close() error                       { return c.inbound.Close() }
func (c *wireConn) LocalAddr() net.Addr                { return c.local }
func (c *wireConn) RemoteAddr() net.Addr               { return c.remote }
func (c *wireConn) SetDeadline(t time.Time) error      { return c.inbound.SetReadDeadline(t) }
func (c *wireConn) SetReadDeadline(t time.Time) error  { return c.inbound.SetReadDeadline(t) }
func (c *wireConn) SetWriteDeadline(t time.Time) error { return nil }

// portAddr names an SCTP port for logging by the engine.
type portAddr uint16

func (p portAddr) Network() string { return "sctp" }
func (p portAddr) String() string  { return fmt.Sprintf(":%d", uint16(p)) }
