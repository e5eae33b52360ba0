// Package association implements the lifecycle of one SCTP association
// carried over UDP.
//
// An association moves Created -> Connecting -> Established -> Closing ->
// Closed, or ends in Failed when the handshake or the engine fails. It owns
// its engine association, its local SCTP port and, unless it rides on a
// shared server link, its transport link. Every owned resource is released
// exactly once whichever terminal state is reached.
package association

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/postalsys/sctp4udp/internal/engine"
	"github.com/postalsys/sctp4udp/internal/future"
	"github.com/postalsys/sctp4udp/internal/link"
	"github.com/postalsys/sctp4udp/internal/logging"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/ports"
	"github.com/postalsys/sctp4udp/internal/recovery"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// Association is one SCTP association tunnelled over UDP.
type Association struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	metrics   *metrics.Metrics
	inbound   bool
	direction string

	mu          sync.Mutex
	state       State
	port        uint16
	lease       ports.Lease
	portHeld    bool
	setupDone   chan struct{}
	registry    *mapper.Mapper
	registered  bool
	lnk         link.Link
	ownsLink    bool
	eng         engine.Association
	startedAt   time.Time
	closeFuture *future.Future[struct{}]
	sendErr     error

	releaseOnce sync.Once

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	transportErrors  atomic.Uint64
}

// New returns an association in the Created state. Nothing is acquired until
// Connect.
func New(cfg Config, deps Deps) (*Association, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if cfg.Callback == nil {
		cfg.Callback = LogCallback(deps.Logger)
	}

	return &Association{
		cfg:       cfg,
		deps:      deps,
		metrics:   deps.Metrics,
		direction: metrics.DirectionOutbound,
		logger: deps.Logger.With(
			slog.String(logging.KeyComponent, "association"),
			slog.String(logging.KeyRemoteAddr, cfg.Remote.String())),
		state: StateCreated,
	}, nil
}

// NewInbound returns an association for a peer first seen on a shared server
// link. It uses the link's SCTP port, which the link's owner holds, and
// registers in the link's mapper.
func NewInbound(remote netip.AddrPort, server *link.ServerLink, localPort uint16, cfg Config, deps Deps) (*Association, error) {
	if server == nil {
		return nil, fmt.Errorf("inbound association requires a server link: %w", sctperr.ErrInvalidArgument)
	}
	cfg.Local = server.LocalAddr()
	cfg.Remote = remote
	cfg.Link = server
	cfg.LocalPort = int(localPort)

	a, err := New(cfg, deps)
	if err != nil {
		return nil, err
	}
	a.inbound = true
	a.direction = metrics.DirectionInbound
	return a, nil
}

// Remote returns the peer's UDP address.
func (a *Association) Remote() netip.AddrPort {
	return a.cfg.Remote
}

// LocalPort returns the SCTP port in use, or zero before Connect.
func (a *Association) LocalPort() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// State returns the current lifecycle state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Inbound reports whether the association was accepted on a server link.
func (a *Association) Inbound() bool {
	return a.inbound
}

// Link returns the transport link, or nil before Connect.
func (a *Association) Link() link.Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lnk
}

// Connect starts the active open. The returned future resolves with a once
// the association is established, or rejects with the cause after every
// acquired resource has been released. Invalid configuration rejects with
// ErrInvalidArgument before anything is acquired.
func (a *Association) Connect(ctx context.Context) *future.Future[*Association] {
	if err := a.cfg.Validate(); err != nil {
		return future.Rejected[*Association](a.deps.Pool, err)
	}
	if err := a.acquire(); err != nil {
		return future.Rejected[*Association](a.deps.Pool, err)
	}
	return a.handshake(ctx, "connect", a.eng.Connect)
}

// Listen starts the passive open for an inbound association. Synchronous
// failures are returned directly so the accept path can refuse the datagram.
func (a *Association) Listen(ctx context.Context) (*future.Future[*Association], error) {
	if !a.inbound {
		return nil, fmt.Errorf("listen on outbound association: %w", sctperr.ErrInvalidArgument)
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := a.acquire(); err != nil {
		return nil, err
	}
	return a.handshake(ctx, "accept", a.eng.Accept), nil
}

// acquire moves Created -> Connecting and takes the port, the engine
// association, the registry entry and the link, in that order. On failure
// everything taken is released and the association ends Failed. A Close that
// arrives meanwhile waits on setupDone and releases whatever was taken.
func (a *Association) acquire() error {
	a.mu.Lock()
	if a.state != StateCreated {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("connect in state %s: %w", st, sctperr.ErrNotConnected)
	}
	a.state = StateConnecting
	a.startedAt = time.Now()
	done := make(chan struct{})
	a.setupDone = done
	a.mu.Unlock()

	err := a.acquireResources()

	a.mu.Lock()
	st := a.state
	closed := st != StateConnecting
	if err != nil && !closed {
		a.state = StateFailed
	}
	a.mu.Unlock()
	close(done)

	if closed {
		if err == nil {
			err = errors.New("closed during setup")
		}
		return fmt.Errorf("connect in state %s: %w: %w", st, sctperr.ErrNotConnected, err)
	}
	if err != nil {
		if terr := a.teardown(); terr != nil {
			a.logger.Debug("release after failed setup", logging.KeyError, terr)
		}
		a.metrics.RecordFailure("setup")
		a.logger.Debug("association setup failed", logging.KeyError, err)
	}
	return err
}

func (a *Association) acquireResources() error {
	var port uint16
	if a.inbound {
		port = uint16(a.cfg.LocalPort)
	} else {
		l, err := a.deps.Ports.Acquire(a.cfg.LocalPort)
		if err != nil {
			return fmt.Errorf("allocate local port: %w", err)
		}
		port = l.Port
		a.mu.Lock()
		a.lease = l
		a.portHeld = true
		a.mu.Unlock()
		a.metrics.SetPortsInUse(a.deps.Ports.Count())
	}
	a.mu.Lock()
	a.port = port
	a.mu.Unlock()

	eng, err := a.deps.Engine.Create(engine.Config{
		LocalPort:            port,
		RemotePort:           a.cfg.RemotePort,
		Handler:              a,
		MaxMessageSize:       a.cfg.MaxMessageSize,
		MaxReceiveBufferSize: a.cfg.ReceiveBufferSize,
		MaxInboundQueue:      a.cfg.MaxInboundQueue,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNotInitialized) {
			return fmt.Errorf("create engine association: %w", sctperr.ErrNotInitialized)
		}
		return fmt.Errorf("create engine association: %w", err)
	}
	a.mu.Lock()
	a.eng = eng
	a.mu.Unlock()

	registry := a.deps.Mapper
	server, shared := a.cfg.Link.(*link.ServerLink)
	if shared {
		registry = server.Mapper()
	}
	if registry != nil {
		if err := registry.Register(a.cfg.Remote, a); err != nil {
			return err
		}
		a.mu.Lock()
		a.registry = registry
		a.registered = true
		a.mu.Unlock()
	}

	return a.attachLink(shared)
}

// attachable links deliver every inbound datagram to one bound entry.
// *link.ClientLink is one.
type attachable interface {
	Attach(e mapper.Entry) error
	Start() error
}

func (a *Association) attachLink(shared bool) error {
	if a.cfg.Link != nil {
		a.mu.Lock()
		a.lnk = a.cfg.Link
		a.ownsLink = !shared
		a.mu.Unlock()

		if al, ok := a.cfg.Link.(attachable); ok {
			if err := al.Attach(a); err != nil {
				return err
			}
			return al.Start()
		}
		return nil
	}

	cl, err := link.DialClient(a.cfg.Local, a.cfg.Remote, link.Options{
		Runner:         a.deps.Pool,
		Logger:         a.deps.Logger,
		Metrics:        a.metrics,
		ReadBufferSize: a.cfg.ReadBufferSize,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lnk = cl
	a.ownsLink = true
	a.mu.Unlock()

	if err := cl.Attach(a); err != nil {
		return err
	}
	return cl.Start()
}

// handshake runs open on the pool and completes the returned future.
func (a *Association) handshake(ctx context.Context, mode string, open func(context.Context) error) *future.Future[*Association] {
	f := future.New[*Association](a.deps.Pool)

	err := a.deps.Pool.Submit(func() {
		hctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		defer cancel()

		err := open(hctx)
		a.finishHandshake(f, mode, err)
	})
	if err != nil {
		a.finishHandshake(f, mode, err)
	}
	return f
}

func (a *Association) finishHandshake(f *future.Future[*Association], mode string, err error) {
	a.mu.Lock()
	if a.state != StateConnecting {
		// A local close or an engine failure won the race; it owns teardown.
		st := a.state
		a.mu.Unlock()
		if err == nil {
			err = errors.New("association left connecting state")
		}
		f.Reject(fmt.Errorf("%s %v: %w (state %s): %w", mode, a.cfg.Remote, sctperr.ErrNotConnected, st, err))
		return
	}

	if err != nil {
		a.state = StateFailed
		a.mu.Unlock()

		if terr := a.teardown(); terr != nil {
			a.logger.Debug("release after failed handshake", logging.KeyError, terr)
		}
		a.metrics.RecordFailure(mode)
		a.logger.Info("association handshake failed",
			slog.String("mode", mode),
			logging.KeyError, err)
		f.Reject(fmt.Errorf("%s %v: %w", mode, a.cfg.Remote, err))
		return
	}

	a.state = StateEstablished
	latency := time.Since(a.startedAt)
	a.mu.Unlock()

	a.metrics.RecordEstablished(a.direction, latency.Seconds())
	a.logger.Info("association established",
		slog.Int(logging.KeyLocalPort, int(a.LocalPort())),
		slog.Duration(logging.KeyDuration, latency))
	f.Resolve(a)
}

// Send hands payload to the engine. It fails with ErrNotConnected outside the
// Established state and performs no write. A socket failure on an earlier
// write is returned once as ErrTransport; that call sends nothing and the
// association stays established.
func (a *Association) Send(payload []byte, opts SendOptions) error {
	a.mu.Lock()
	if a.state != StateEstablished {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("send in state %s: %w", st, sctperr.ErrNotConnected)
	}
	if err := a.sendErr; err != nil {
		a.sendErr = nil
		a.mu.Unlock()
		return err
	}
	eng := a.eng
	a.mu.Unlock()

	err := eng.Send(engine.OutboundMessage{
		Payload:  payload,
		StreamID: opts.StreamID,
		PPID:     opts.PPID,
		Ordered:  opts.Ordered,
	})
	if err != nil {
		if errors.Is(err, engine.ErrClosed) || errors.Is(err, engine.ErrNotEstablished) {
			return fmt.Errorf("send: %w: %w", sctperr.ErrNotConnected, err)
		}
		return fmt.Errorf("send: %w", err)
	}

	a.messagesSent.Add(1)
	a.metrics.RecordSent()
	return nil
}

// Close releases the association. It is idempotent: while a close is in
// flight the same future is returned, and after a terminal state an already
// resolved one. The future rejects if the engine fails to shut down, but the
// association still ends Closed.
func (a *Association) Close() *future.Future[struct{}] {
	a.mu.Lock()
	switch a.state {
	case StateCreated:
		a.state = StateClosed
		a.mu.Unlock()
		return future.Resolved(a.deps.Pool, struct{}{})
	case StateClosing:
		f := a.closeFuture
		a.mu.Unlock()
		return f
	case StateClosed:
		a.mu.Unlock()
		return future.Resolved(a.deps.Pool, struct{}{})
	case StateFailed:
		// A failure's release may still be running; its future covers it.
		f := a.closeFuture
		a.mu.Unlock()
		if f != nil {
			return f
		}
		return future.Resolved(a.deps.Pool, struct{}{})
	}

	wasEstablished := a.state == StateEstablished
	a.state = StateClosing
	f := future.New[struct{}](a.deps.Pool)
	a.closeFuture = f
	setup := a.setupDone
	a.mu.Unlock()

	task := func() {
		if setup != nil {
			<-setup
		}
		err := a.teardown()
		a.setState(StateClosed)

		if wasEstablished {
			a.metrics.RecordTeardown()
		}
		a.metrics.RecordClosed()
		a.logger.Debug("association closed")
		f.Complete(struct{}{}, err)
	}
	if err := a.deps.Pool.Submit(task); err != nil {
		go task()
	}
	return f
}

// teardown closes the engine association and releases the port, the
// registry entry and an owned link. The releases happen once.
func (a *Association) teardown() error {
	var result *multierror.Error

	a.mu.Lock()
	eng := a.eng
	a.mu.Unlock()

	if eng != nil {
		if err := eng.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close engine association: %w", err))
		}
	}

	a.releaseOnce.Do(func() {
		a.mu.Lock()
		lease, held := a.lease, a.portHeld
		registry, registered := a.registry, a.registered
		lnk, owned := a.lnk, a.ownsLink
		a.portHeld = false
		a.registered = false
		a.mu.Unlock()

		if held {
			a.deps.Ports.Drop(lease)
			a.metrics.SetPortsInUse(a.deps.Ports.Count())
		}
		if registered {
			registry.Remove(a.cfg.Remote, a)
		}
		if owned && lnk != nil {
			if err := lnk.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close link: %w", err))
			}
		}
	})

	return result.ErrorOrNil()
}

func (a *Association) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Deliver feeds one inbound datagram to the engine. It never blocks the
// link's receive loop; a full inbound queue drops the datagram.
func (a *Association) Deliver(pkt []byte) {
	a.mu.Lock()
	eng := a.eng
	a.mu.Unlock()

	if eng == nil {
		a.metrics.RecordDrop("no_engine")
		return
	}
	if err := eng.Input(pkt); err != nil {
		a.metrics.RecordDrop("engine_input")
		a.logger.Debug("inbound datagram dropped",
			slog.Int(logging.KeyBytes, len(pkt)),
			logging.KeyError, err)
	}
}

// Outbound writes one engine packet to the link. Write failures are logged,
// counted and reported by the next Send; they never change state.
func (a *Association) Outbound(pkt []byte) error {
	a.mu.Lock()
	lnk := a.lnk
	a.mu.Unlock()

	if lnk == nil {
		return fmt.Errorf("%w: no transport link", sctperr.ErrTransport)
	}

	err := lnk.Send(a.cfg.Remote, pkt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sctperr.ErrTransport) {
		err = fmt.Errorf("%w: %w", sctperr.ErrTransport, err)
	}

	a.transportErrors.Add(1)
	a.mu.Lock()
	if a.sendErr == nil && a.state == StateEstablished {
		a.sendErr = err
	}
	a.mu.Unlock()

	a.logger.Warn("outbound write failed", logging.KeyError, err)
	return err
}

// Data forwards one decoded payload to the callback.
func (a *Association) Data(msg engine.Message) {
	a.messagesReceived.Add(1)
	a.metrics.RecordDelivered()

	if recovery.Call(a.logger, "data-callback", func() { a.cfg.Callback(a, msg) }) {
		a.metrics.RecordCallbackPanic()
	}
}

// Failure moves a live association to Failed and releases its resources.
func (a *Association) Failure(err error) {
	a.mu.Lock()
	st := a.state
	if st != StateConnecting && st != StateEstablished {
		a.mu.Unlock()
		return
	}
	a.state = StateFailed
	f := future.New[struct{}](a.deps.Pool)
	a.closeFuture = f
	setup := a.setupDone
	a.mu.Unlock()

	if st == StateEstablished {
		a.metrics.RecordTeardown()
	}
	a.metrics.RecordFailure("engine")
	a.logger.Warn("association failed",
		slog.String(logging.KeyState, st.String()),
		logging.KeyError, fmt.Errorf("%w: %w", sctperr.ErrAssociationFailed, err))

	task := func() {
		if setup != nil {
			<-setup
		}
		if terr := a.teardown(); terr != nil {
			a.logger.Debug("release after failure", logging.KeyError, terr)
		}
		f.Resolve(struct{}{})
	}
	if serr := a.deps.Pool.Submit(task); serr != nil {
		go task()
	}
}

// Stats is a point-in-time view of one association.
type Stats struct {
	State            string `json:"state"`
	Direction        string `json:"direction"`
	Remote           string `json:"remote"`
	LocalPort        uint16 `json:"local_port"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	TransportErrors  uint64 `json:"transport_errors"`
}

// Stats returns current counters.
func (a *Association) Stats() Stats {
	a.mu.Lock()
	st, port, eng := a.state, a.port, a.eng
	a.mu.Unlock()

	s := Stats{
		State:            st.String(),
		Direction:        a.direction,
		Remote:           a.cfg.Remote.String(),
		LocalPort:        port,
		MessagesSent:     a.messagesSent.Load(),
		MessagesReceived: a.messagesReceived.Load(),
		TransportErrors:  a.transportErrors.Load(),
	}
	if eng != nil {
		es := eng.Stats()
		s.BytesSent = es.BytesSent
		s.BytesReceived = es.BytesReceived
	}
	return s
}

func (a *Association) String() string {
	return fmt.Sprintf("Association(remote=%v, port=%d, state=%s)", a.cfg.Remote, a.LocalPort(), a.State())
}
