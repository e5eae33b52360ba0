// Package coordinator owns the process-level pieces every association
// shares: the engine, the worker pool, the port registry, and the server link
// with its mapper.
//
// Init brings the engine up once and binds the server link; later calls are
// no-ops. Shutdown releases everything Init created and allows a fresh Init.
// Datagrams from unknown peers on the server link are turned into inbound
// associations by Accept, bounded by a count limit and a token bucket.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/sctp4udp/internal/association"
	"github.com/postalsys/sctp4udp/internal/engine"
	"github.com/postalsys/sctp4udp/internal/future"
	"github.com/postalsys/sctp4udp/internal/link"
	"github.com/postalsys/sctp4udp/internal/logging"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/pool"
	"github.com/postalsys/sctp4udp/internal/ports"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// DefaultCloseWait bounds how long Shutdown waits for closes already issued.
const DefaultCloseWait = 10 * time.Second

// Options configures a Coordinator.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Engine defaults to the pion engine running on the coordinator's pool.
	Engine engine.Engine

	// PoolSize <= 0 selects pool.DefaultSize().
	PoolSize int

	// MaxAssociations bounds live inbound associations. Zero is unlimited.
	MaxAssociations int
	// AcceptRate limits new inbound associations per second. Zero is
	// unlimited.
	AcceptRate  float64
	AcceptBurst int

	// Association supplies defaults for every association: timeouts, sizes
	// and read buffer. Address fields are ignored.
	Association association.Config

	// CloseWait bounds the wait for in-flight closes during Shutdown.
	CloseWait time.Duration
}

// Coordinator is the explicit replacement for process-wide engine state.
type Coordinator struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	pool    *pool.Pool
	ports   *ports.Registry
	engine  engine.Engine

	mu          sync.Mutex
	initialized bool
	closed      bool
	link        *link.ServerLink
	mapper      *mapper.Mapper
	serverPort  uint16
	callback    association.Callback
	limiter     *rate.Limiter
	tracked     map[*association.Association]struct{}

	// detached holds associations a Shutdown left open; Close releases them.
	detached []*association.Association
}

// New creates a coordinator. Nothing is bound until Init.
func New(opts Options) *Coordinator {
	logger := logging.OrNop(opts.Logger)
	if opts.CloseWait <= 0 {
		opts.CloseWait = DefaultCloseWait
	}

	p := pool.New(opts.PoolSize, logger)
	eng := opts.Engine
	if eng == nil {
		eng = engine.NewPion(p, logger)
	}

	return &Coordinator{
		opts:    opts,
		logger:  logger.With(slog.String(logging.KeyComponent, "coordinator")),
		metrics: metrics.OrDefault(opts.Metrics),
		pool:    p,
		ports:   ports.NewRegistry(),
		engine:  eng,
		tracked: make(map[*association.Association]struct{}),
	}
}

// Init initializes the engine and binds the shared server link on addr. The
// preferred port is used for both the UDP socket and the SCTP port when it
// is in range and free; otherwise any free port is bound. Calls after the
// first successful one return nil without side effects.
func (c *Coordinator) Init(addr netip.Addr, preferredPort int, cb association.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return sctperr.ErrPoolClosed
	}
	if c.initialized {
		return nil
	}
	if !addr.IsValid() {
		return fmt.Errorf("server address %v: %w", addr, sctperr.ErrInvalidArgument)
	}

	if err := c.engine.Init(); err != nil {
		return fmt.Errorf("%w: %w", sctperr.ErrEngineInit, err)
	}

	m := mapper.New()
	srv, port, err := c.bindServer(addr, preferredPort, m)
	if err != nil {
		if ferr := c.engine.Finish(); ferr != nil {
			c.logger.Debug("engine finish after failed init", logging.KeyError, ferr)
		}
		return err
	}

	if cb == nil {
		cb = association.LogCallback(c.logger)
	}
	c.callback = cb
	c.mapper = m
	c.link = srv
	c.serverPort = port
	c.limiter = c.newLimiter()
	c.initialized = true

	srv.SetAcceptor(c)
	if err := srv.Start(); err != nil {
		c.initialized = false
		c.link, c.mapper = nil, nil
		srv.Close()
		c.ports.Release(port)
		c.engine.Finish()
		return fmt.Errorf("start server link: %w", err)
	}

	c.metrics.SetPortsInUse(c.ports.Count())
	c.logger.Info("coordinator initialized",
		slog.String(logging.KeyLocalAddr, srv.LocalAddr().String()),
		slog.Int(logging.KeyLocalPort, int(port)))
	return nil
}

// bindServer reserves the preferred port and binds it, falling back to an
// OS-assigned port that is then reserved.
func (c *Coordinator) bindServer(addr netip.Addr, preferred int, m *mapper.Mapper) (*link.ServerLink, uint16, error) {
	opts := link.Options{
		Runner:         c.pool,
		Logger:         c.logger,
		Metrics:        c.metrics,
		ReadBufferSize: c.opts.Association.ReadBufferSize,
	}

	if ports.ValidPort(preferred) && c.ports.IsFree(preferred) {
		port, err := c.ports.Allocate(preferred)
		if err == nil {
			srv, lerr := link.ListenServer(netip.AddrPortFrom(addr, port), m, opts)
			if lerr == nil {
				return srv, port, nil
			}
			c.ports.Release(port)
			c.logger.Info("preferred server port unavailable, using any free port",
				slog.Int(logging.KeyLocalPort, preferred),
				logging.KeyError, lerr)
		}
	}

	srv, err := link.ListenServer(netip.AddrPortFrom(addr, 0), m, opts)
	if err != nil {
		return nil, 0, err
	}
	port := srv.LocalAddr().Port()
	if _, err := c.ports.Allocate(int(port)); err != nil {
		c.logger.Debug("bound server port already reserved",
			slog.Int(logging.KeyLocalPort, int(port)))
	}
	return srv, port, nil
}

func (c *Coordinator) newLimiter() *rate.Limiter {
	if c.opts.AcceptRate <= 0 {
		return nil
	}
	burst := c.opts.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.opts.AcceptRate), burst)
}

// Initialized reports whether Init has completed and Shutdown has not.
func (c *Coordinator) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Link returns the shared server link, or nil before Init.
func (c *Coordinator) Link() *link.ServerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// Mapper returns the server link's mapper, or nil before Init.
func (c *Coordinator) Mapper() *mapper.Mapper {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapper
}

// ServerPort returns the SCTP port of the server link.
func (c *Coordinator) ServerPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverPort
}

// Pool returns the worker pool.
func (c *Coordinator) Pool() *pool.Pool {
	return c.pool
}

// Ports returns the port registry.
func (c *Coordinator) Ports() *ports.Registry {
	return c.ports
}

func (c *Coordinator) deps(m *mapper.Mapper) association.Deps {
	return association.Deps{
		Engine:  c.engine,
		Pool:    c.pool,
		Ports:   c.ports,
		Mapper:  m,
		Logger:  c.logger,
		Metrics: c.metrics,
	}
}

// withDefaults fills zero fields of cfg from the coordinator template.
func (c *Coordinator) withDefaults(cfg association.Config) association.Config {
	t := c.opts.Association
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = t.ConnectTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = t.MaxMessageSize
	}
	if cfg.ReceiveBufferSize == 0 {
		cfg.ReceiveBufferSize = t.ReceiveBufferSize
	}
	if cfg.MaxInboundQueue == 0 {
		cfg.MaxInboundQueue = t.MaxInboundQueue
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = t.ReadBufferSize
	}
	if cfg.Callback == nil {
		cfg.Callback = c.callback
	}
	return cfg
}

// NewAssociation returns an outbound association in the Created state,
// registered with the server link's mapper on Connect.
func (c *Coordinator) NewAssociation(cfg association.Config) (*association.Association, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, sctperr.ErrNotInitialized
	}

	a, err := association.New(c.withDefaults(cfg), c.deps(c.mapper))
	if err != nil {
		return nil, err
	}
	c.pruneLocked()
	c.tracked[a] = struct{}{}
	return a, nil
}

// Accept creates and registers an inbound association for a datagram from an
// unknown peer on the server link. It runs on the link's receive loop.
func (c *Coordinator) Accept(remote netip.AddrPort) (mapper.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, sctperr.ErrNotInitialized
	}

	if limit := c.opts.MaxAssociations; limit > 0 && c.liveInboundLocked() >= limit {
		c.metrics.RecordAcceptRejected("limit")
		return nil, fmt.Errorf("%d inbound associations: %w", limit, sctperr.ErrAcceptLimit)
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.RecordAcceptRejected("rate")
		return nil, fmt.Errorf("accept rate exceeded: %w", sctperr.ErrAcceptLimit)
	}

	a, err := association.NewInbound(remote, c.link, c.serverPort,
		c.withDefaults(association.Config{}), c.deps(c.mapper))
	if err != nil {
		return nil, err
	}
	f, err := a.Listen(c.pool.Context())
	if err != nil {
		c.metrics.RecordAcceptRejected("setup")
		return nil, err
	}
	c.tracked[a] = struct{}{}

	f.Then(func(_ *association.Association, err error) {
		if err != nil {
			c.logger.Debug("inbound handshake failed",
				slog.String(logging.KeyRemoteAddr, remote.String()),
				logging.KeyError, err)
		}
	})

	c.logger.Debug("inbound association accepted",
		slog.String(logging.KeyRemoteAddr, remote.String()))
	return a, nil
}

// pruneLocked forgets associations that reached a terminal state.
func (c *Coordinator) pruneLocked() {
	for a := range c.tracked {
		if a.State().Terminal() {
			delete(c.tracked, a)
		}
	}
}

// liveInboundLocked prunes terminal associations and counts live inbound
// ones.
func (c *Coordinator) liveInboundLocked() int {
	c.pruneLocked()
	n := 0
	for a := range c.tracked {
		if a.Inbound() {
			n++
		}
	}
	return n
}

// Shutdown runs asynchronously on the pool. It waits for association closes
// already in flight, closes customLink (or the default server link), shuts
// down customMapper (or the default mapper), releases every port, and
// finishes the engine. The future rejects if finishing the engine fails.
// Failed associations whose release is still running count as in flight.
// Associations that are still open are left alone until Close.
func (c *Coordinator) Shutdown(customLink *link.ServerLink, customMapper *mapper.Mapper) *future.Future[struct{}] {
	c.mu.Lock()
	if !c.initialized && customLink == nil && customMapper == nil {
		c.mu.Unlock()
		return future.Rejected[struct{}](c.pool, sctperr.ErrNotInitialized)
	}

	defLink, defMapper := c.link, c.mapper
	closing := make([]*association.Association, 0, len(c.tracked))
	for a := range c.tracked {
		switch a.State() {
		case association.StateClosing, association.StateFailed:
			closing = append(closing, a)
		case association.StateClosed:
		default:
			c.detached = append(c.detached, a)
		}
	}
	c.initialized = false
	c.link = nil
	c.mapper = nil
	c.tracked = make(map[*association.Association]struct{})
	c.mu.Unlock()

	f := future.New[struct{}](c.pool)
	task := func(ctx context.Context) {
		c.logger.Debug("shutdown started")
		var result *multierror.Error

		if err := c.awaitCloses(ctx, closing); err != nil {
			result = multierror.Append(result, err)
		}

		for _, l := range distinctLinks(customLink, defLink) {
			if err := l.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close server link: %w", err))
			}
		}
		for _, m := range distinctMappers(customMapper, defMapper) {
			m.Shutdown()
		}

		c.ports.Reset()
		c.metrics.SetPortsInUse(0)

		if err := c.engine.Finish(); err != nil {
			c.logger.Warn("engine finish failed", logging.KeyError, err)
			f.Reject(fmt.Errorf("finish engine: %w", err))
			return
		}

		if err := result.ErrorOrNil(); err != nil {
			c.logger.Warn("shutdown completed with errors", logging.KeyError, err)
		}
		c.logger.Debug("shutdown done")
		f.Resolve(struct{}{})
	}

	// Shutdown waits on close tasks that need pool slots, so it runs as a
	// loop rather than a bounded task.
	if err := c.pool.Go("shutdown", task); err != nil {
		go task(context.Background())
	}
	return f
}

// awaitCloses closes each association, or joins its in-flight close, and
// waits for all of them, bounded by CloseWait.
func (c *Coordinator) awaitCloses(ctx context.Context, closing []*association.Association) error {
	if len(closing) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CloseWait)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range closing {
		a := a
		g.Go(func() error {
			_, err := a.Close().Wait(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("wait for closing associations: %w", err)
	}
	return nil
}

func distinctLinks(custom, def *link.ServerLink) []*link.ServerLink {
	var out []*link.ServerLink
	if custom != nil {
		out = append(out, custom)
	}
	if def != nil && def != custom {
		out = append(out, def)
	}
	return out
}

func distinctMappers(custom, def *mapper.Mapper) []*mapper.Mapper {
	var out []*mapper.Mapper
	if custom != nil {
		out = append(out, custom)
	}
	if def != nil && def != custom {
		out = append(out, def)
	}
	return out
}

// Close shuts down if initialized, closes every association a shutdown left
// open, and then stops the pool. Each wait is bounded by CloseWait. The
// coordinator cannot be used afterwards. It must not be called from a pool
// task.
func (c *Coordinator) Close() error {
	var result *multierror.Error
	if c.Initialized() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseWait+5*time.Second)
		_, err := c.Shutdown(nil, nil).Wait(ctx)
		cancel()
		if err != nil && !errors.Is(err, sctperr.ErrNotInitialized) {
			result = multierror.Append(result, err)
		}
	}

	c.mu.Lock()
	c.closed = true
	detached := c.detached
	c.detached = nil
	c.mu.Unlock()

	if len(detached) > 0 {
		c.logger.Debug("closing associations left open by shutdown",
			slog.Int(logging.KeyCount, len(detached)))
		if err := c.awaitCloses(context.Background(), detached); err != nil {
			result = multierror.Append(result, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseWait)
	defer cancel()
	if err := c.pool.CloseContext(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Initialized  bool       `json:"initialized"`
	ServerAddr   string     `json:"server_addr,omitempty"`
	ServerPort   uint16     `json:"server_port,omitempty"`
	Associations int        `json:"associations"`
	Inbound      int        `json:"inbound"`
	PortsInUse   int        `json:"ports_in_use"`
	Pool         pool.Stats `json:"pool"`
	Link         link.Stats `json:"link"`
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Initialized: c.initialized,
		PortsInUse:  c.ports.Count(),
		Pool:        c.pool.Stats(),
		Inbound:     c.liveInboundLocked(),
	}
	if c.link != nil {
		s.ServerAddr = c.link.LocalAddr().String()
		s.ServerPort = c.serverPort
		s.Link = c.link.Stats()
	}
	if c.mapper != nil {
		s.Associations = c.mapper.Len()
	}
	return s
}
