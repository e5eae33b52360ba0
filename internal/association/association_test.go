package association

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/sctp4udp/internal/engine"
	"github.com/postalsys/sctp4udp/internal/future"
	"github.com/postalsys/sctp4udp/internal/link"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/pool"
	"github.com/postalsys/sctp4udp/internal/ports"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine is a synchronous in-memory engine. Send writes the payload
// itself as the outbound packet.
type fakeEngine struct {
	mu         sync.Mutex
	connectErr error
	block      bool
	created    []*fakeAssoc

	// When set, Create signals createEntered and waits for createGate.
	createEntered chan struct{}
	createGate    chan struct{}
}

func (e *fakeEngine) Init() error   { return nil }
func (e *fakeEngine) Finish() error { return nil }

func (e *fakeEngine) Create(cfg engine.Config) (engine.Association, error) {
	if e.createGate != nil {
		close(e.createEntered)
		<-e.createGate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := &fakeAssoc{engine: e, handler: cfg.Handler, closedCh: make(chan struct{})}
	e.created = append(e.created, a)
	return a, nil
}

func (e *fakeEngine) last() *fakeAssoc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created[len(e.created)-1]
}

type fakeAssoc struct {
	engine    *fakeEngine
	handler   engine.Handler
	closedCh  chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	sends     atomic.Int32
	inputs    atomic.Int32
}

func (a *fakeAssoc) open(ctx context.Context) error {
	a.engine.mu.Lock()
	block, err := a.engine.block, a.engine.connectErr
	a.engine.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.closedCh:
			return engine.ErrClosed
		}
	}
	return err
}

func (a *fakeAssoc) Connect(ctx context.Context) error { return a.open(ctx) }
func (a *fakeAssoc) Accept(ctx context.Context) error  { return a.open(ctx) }

func (a *fakeAssoc) Input(pkt []byte) error {
	a.inputs.Add(1)
	return nil
}

func (a *fakeAssoc) Send(msg engine.OutboundMessage) error {
	select {
	case <-a.closedCh:
		return engine.ErrClosed
	default:
	}
	a.sends.Add(1)
	a.handler.Outbound(msg.Payload)
	return nil
}

func (a *fakeAssoc) Close() error {
	a.closes.Add(1)
	a.closeOnce.Do(func() { close(a.closedCh) })
	return nil
}

func (a *fakeAssoc) Stats() engine.Stats { return engine.Stats{} }

// flakyLink fails the first n sends.
type flakyLink struct {
	fails  atomic.Int32
	sent   atomic.Int32
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newFlakyLink(fails int32) *flakyLink {
	l := &flakyLink{done: make(chan struct{})}
	l.fails.Store(fails)
	return l
}

func (l *flakyLink) Send(_ netip.AddrPort, pkt []byte) error {
	if l.fails.Add(-1) >= 0 {
		return fmt.Errorf("%w: write: connection refused", sctperr.ErrTransport)
	}
	l.sent.Add(1)
	return nil
}

func (l *flakyLink) LocalAddr() netip.AddrPort { return netip.MustParseAddrPort("127.0.0.1:1") }
func (l *flakyLink) Done() <-chan struct{}     { return l.done }

func (l *flakyLink) Close() error {
	l.closed.Store(true)
	l.once.Do(func() { close(l.done) })
	return nil
}

type testEnv struct {
	engine *fakeEngine
	pool   *pool.Pool
	ports  *ports.Registry
	mapper *mapper.Mapper
	deps   Deps
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	p := pool.New(8, testLogger())
	t.Cleanup(p.Close)

	env := &testEnv{
		engine: &fakeEngine{},
		pool:   p,
		ports:  ports.NewRegistry(),
		mapper: mapper.New(),
	}
	env.deps = Deps{
		Engine:  env.engine,
		Pool:    p,
		Ports:   env.ports,
		Mapper:  env.mapper,
		Logger:  testLogger(),
		Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	return env
}

func peerSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func addrOf(c *net.UDPConn) netip.AddrPort {
	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

var loopback = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)

func wait[T any](t *testing.T, f interface {
	Wait(context.Context) (T, error)
}) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, env *testEnv, cfg Config) *Association {
	t.Helper()
	a, err := New(cfg, env.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := wait[*Association](t, a.Connect(context.Background()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != a {
		t.Fatal("Connect resolved with a different association")
	}
	return a
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); !errors.Is(err, sctperr.ErrInvalidArgument) {
		t.Errorf("New without deps = %v, want ErrInvalidArgument", err)
	}
}

func TestConnect_InvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no remote", Config{Local: loopback}},
		{"remote port zero", Config{Local: loopback, Remote: netip.MustParseAddrPort("127.0.0.1:0")}},
		{"unspecified remote", Config{Local: loopback, Remote: netip.MustParseAddrPort("0.0.0.0:9899")}},
		{"no local", Config{Remote: netip.MustParseAddrPort("127.0.0.1:9899")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			a, err := New(tt.cfg, env.deps)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			_, err = wait[*Association](t, a.Connect(context.Background()))
			if !errors.Is(err, sctperr.ErrInvalidArgument) {
				t.Errorf("Connect = %v, want ErrInvalidArgument", err)
			}
			if env.ports.Count() != 0 {
				t.Errorf("ports allocated = %d, want 0", env.ports.Count())
			}
			if env.mapper.Len() != 0 {
				t.Errorf("registry entries = %d, want 0", env.mapper.Len())
			}
			if a.State() != StateCreated {
				t.Errorf("state = %s, want CREATED", a.State())
			}
		})
	}
}

func TestConnect_EstablishesAndSends(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	a := connect(t, env, Config{Local: loopback, Remote: addrOf(peer), LocalPort: 1234})
	t.Cleanup(func() { a.Close() })

	if a.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", a.State())
	}
	if a.LocalPort() != 1234 || !env.ports.InUse(1234) {
		t.Errorf("local port = %d, in use = %t", a.LocalPort(), env.ports.InUse(1234))
	}
	if e, ok := env.mapper.Lookup(addrOf(peer)); !ok || e != a {
		t.Error("association not registered under its remote")
	}

	if err := a.Send([]byte("Hello World!"), SendOptions{Ordered: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "Hello World!" {
		t.Errorf("peer got %q", buf[:n])
	}

	// Replies reach the engine through the client link.
	if _, err := peer.WriteToUDPAddrPort([]byte("ack"), from); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	fa := env.engine.last()
	waitFor(t, "inbound datagram", func() bool { return fa.inputs.Load() == 1 })
}

func TestConnect_AnyPortWhenUnset(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	a := connect(t, env, Config{Local: loopback, Remote: addrOf(peer)})
	t.Cleanup(func() { a.Close() })

	if a.LocalPort() == 0 || !env.ports.InUse(a.LocalPort()) {
		t.Errorf("local port %d not allocated", a.LocalPort())
	}
}

func TestConnect_PortInUse(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	if _, err := env.ports.Allocate(4000); err != nil {
		t.Fatal(err)
	}
	a, _ := New(Config{Local: loopback, Remote: addrOf(peer), LocalPort: 4000}, env.deps)

	_, err := wait[*Association](t, a.Connect(context.Background()))
	if !errors.Is(err, sctperr.ErrPortInUse) {
		t.Fatalf("Connect = %v, want ErrPortInUse", err)
	}
	if a.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", a.State())
	}
	if env.mapper.Len() != 0 {
		t.Error("failed association left a registry entry")
	}
	if env.ports.Count() != 1 {
		t.Errorf("ports in use = %d, want only the pre-allocated one", env.ports.Count())
	}
}

func TestConnect_EngineFailureReleasesAll(t *testing.T) {
	env := newEnv(t)
	env.engine.connectErr = errors.New("init ack timeout")
	peer := peerSocket(t)

	a, _ := New(Config{Local: loopback, Remote: addrOf(peer), LocalPort: 1234}, env.deps)
	_, err := wait[*Association](t, a.Connect(context.Background()))
	if err == nil {
		t.Fatal("Connect should reject")
	}
	if a.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", a.State())
	}
	if env.ports.InUse(1234) {
		t.Error("port not released")
	}
	if env.mapper.Len() != 0 {
		t.Error("registry entry not removed")
	}
	select {
	case <-a.Link().Done():
	default:
		t.Error("owned link not closed")
	}
	if env.engine.last().closes.Load() != 1 {
		t.Error("engine association not closed")
	}
}

func TestConnect_DuplicateRemote(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	first := connect(t, env, Config{Local: loopback, Remote: addrOf(peer)})
	t.Cleanup(func() { first.Close() })

	second, _ := New(Config{Local: loopback, Remote: addrOf(peer)}, env.deps)
	_, err := wait[*Association](t, second.Connect(context.Background()))
	if !errors.Is(err, sctperr.ErrAssociationExists) {
		t.Fatalf("Connect = %v, want ErrAssociationExists", err)
	}
	if e, _ := env.mapper.Lookup(addrOf(peer)); e != first {
		t.Error("failed duplicate removed the live entry")
	}
	if env.ports.Count() != 1 {
		t.Errorf("ports in use = %d, want 1", env.ports.Count())
	}
}

func TestConnect_OnlyFromCreated(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	a := connect(t, env, Config{Local: loopback, Remote: addrOf(peer)})
	t.Cleanup(func() { a.Close() })

	_, err := wait[*Association](t, a.Connect(context.Background()))
	if !errors.Is(err, sctperr.ErrNotConnected) {
		t.Errorf("second Connect = %v, want ErrNotConnected", err)
	}
	if a.State() != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED", a.State())
	}
}

func TestConnect_Timeout(t *testing.T) {
	env := newEnv(t)
	env.engine.block = true
	peer := peerSocket(t)

	a, _ := New(Config{Local: loopback, Remote: addrOf(peer), ConnectTimeout: 50 * time.Millisecond}, env.deps)
	_, err := wait[*Association](t, a.Connect(context.Background()))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v, want DeadlineExceeded", err)
	}
	if a.State() != StateFailed || env.ports.Count() != 0 {
		t.Errorf("state = %s, ports = %d", a.State(), env.ports.Count())
	}
}

func TestClose_Idempotent(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)
	a := connect(t, env, Config{Local: loopback, Remote: addrOf(peer), LocalPort: 1234})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = wait[struct{}](t, a.Close())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Close #%d: %v", i, err)
		}
	}
	if _, err := wait[struct{}](t, a.Close()); err != nil {
		t.Errorf("Close after Closed: %v", err)
	}

	if a.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", a.State())
	}
	if env.ports.InUse(1234) || env.mapper.Len() != 0 {
		t.Error("port or registry entry not released")
	}
	if n := env.engine.last().closes.Load(); n != 1 {
		t.Errorf("engine closed %d times, want 1", n)
	}
}

func TestClose_FromCreated(t *testing.T) {
	env := newEnv(t)
	a, _ := New(Config{Local: loopback, Remote: netip.MustParseAddrPort("127.0.0.1:9")}, env.deps)

	if _, err := wait[struct{}](t, a.Close()); err != nil {
		t.Errorf("Close: %v", err)
	}
	if a.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", a.State())
	}
}

func TestClose_DuringConnect(t *testing.T) {
	env := newEnv(t)
	env.engine.block = true
	peer := peerSocket(t)

	a, _ := New(Config{Local: loopback, Remote: addrOf(peer)}, env.deps)
	connecting := a.Connect(context.Background())
	if a.State() != StateConnecting {
		t.Fatalf("state = %s, want CONNECTING", a.State())
	}

	if _, err := wait[struct{}](t, a.Close()); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := wait[*Association](t, connecting); !errors.Is(err, sctperr.ErrNotConnected) {
		t.Errorf("Connect = %v, want ErrNotConnected", err)
	}
	if a.State() != StateClosed || env.ports.Count() != 0 {
		t.Errorf("state = %s, ports = %d", a.State(), env.ports.Count())
	}
}

func TestSend_NotConnected(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	created, _ := New(Config{Local: loopback, Remote: addrOf(peer)}, env.deps)
	if err := created.Send([]byte("x"), SendOptions{}); !errors.Is(err, sctperr.ErrNotConnected) {
		t.Errorf("Send in CREATED = %v, want ErrNotConnected", err)
	}

	closed := connect(t, env, Config{Local: loopback, Remote: addrOf(peer)})
	wait[struct{}](t, closed.Close())
	if err := closed.Send([]byte("x"), SendOptions{}); !errors.Is(err, sctperr.ErrNotConnected) {
		t.Errorf("Send in CLOSED = %v, want ErrNotConnected", err)
	}
	if n := env.engine.last().sends.Load(); n != 0 {
		t.Errorf("engine saw %d sends, want 0", n)
	}

	env.engine.connectErr = errors.New("refused")
	failed, _ := New(Config{Local: loopback, Remote: addrOf(peer)}, env.deps)
	wait[*Association](t, failed.Connect(context.Background()))
	if err := failed.Send([]byte("x"), SendOptions{}); !errors.Is(err, sctperr.ErrNotConnected) {
		t.Errorf("Send in FAILED = %v, want ErrNotConnected", err)
	}
}

func TestSend_TransportErrorIsTransient(t *testing.T) {
	env := newEnv(t)
	l := newFlakyLink(1)

	a := connect(t, env, Config{Local: loopback, Remote: netip.MustParseAddrPort("127.0.0.1:9899"), Link: l})

	// The first write fails inside the engine's flush.
	if err := a.Send([]byte("one"), SendOptions{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := a.Send([]byte("two"), SendOptions{}); !errors.Is(err, sctperr.ErrTransport) {
		t.Fatalf("second Send = %v, want ErrTransport", err)
	}
	if a.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", a.State())
	}
	if err := a.Send([]byte("three"), SendOptions{}); err != nil {
		t.Fatalf("third Send: %v", err)
	}
	if l.sent.Load() != 1 {
		t.Errorf("link sent %d, want 1", l.sent.Load())
	}
	if a.Stats().TransportErrors != 1 {
		t.Errorf("transport errors = %d, want 1", a.Stats().TransportErrors)
	}

	wait[struct{}](t, a.Close())
	if !l.closed.Load() {
		t.Error("caller-supplied link should be owned and closed")
	}
}

func TestClose_DuringSetupReleasesEverything(t *testing.T) {
	env := newEnv(t)
	env.engine.createEntered = make(chan struct{})
	env.engine.createGate = make(chan struct{})
	peer := peerSocket(t)

	a, _ := New(Config{Local: loopback, Remote: addrOf(peer), LocalPort: 7100}, env.deps)

	connecting := make(chan *future.Future[*Association], 1)
	go func() { connecting <- a.Connect(context.Background()) }()

	select {
	case <-env.engine.createEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("Connect never reached engine create")
	}

	closing := a.Close()
	select {
	case <-closing.Done():
		t.Fatal("Close completed while setup was still acquiring")
	case <-time.After(50 * time.Millisecond):
	}
	close(env.engine.createGate)

	if _, err := wait[struct{}](t, closing); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := wait[*Association](t, <-connecting); !errors.Is(err, sctperr.ErrNotConnected) {
		t.Errorf("Connect = %v, want ErrNotConnected", err)
	}

	if a.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", a.State())
	}
	if env.ports.InUse(7100) {
		t.Error("port still allocated")
	}
	if env.mapper.Len() != 0 {
		t.Errorf("mapper entries = %d, want 0", env.mapper.Len())
	}
	if env.engine.last().closes.Load() == 0 {
		t.Error("engine association not closed")
	}
	cl, ok := a.Link().(*link.ClientLink)
	if !ok {
		t.Fatalf("link = %T, want *link.ClientLink", a.Link())
	}
	if !cl.IsShutdown() {
		t.Error("client link left open")
	}
	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Error("client link receive loop still running")
	}
}

// A port reset by process shutdown and handed to a new association must stay
// held when the earlier association finally closes.
func TestClose_AfterPortResetKeepsNewHolder(t *testing.T) {
	env := newEnv(t)
	old := connect(t, env, Config{Local: loopback, Remote: addrOf(peerSocket(t)), LocalPort: 7000})

	env.ports.Reset()

	b := connect(t, env, Config{Local: loopback, Remote: addrOf(peerSocket(t)), LocalPort: 7000})
	t.Cleanup(func() { b.Close() })

	if _, err := wait[struct{}](t, old.Close()); err != nil {
		t.Fatalf("Close old: %v", err)
	}
	if b.State() != StateEstablished {
		t.Fatalf("b state = %s", b.State())
	}
	if !env.ports.InUse(7000) {
		t.Error("closing the earlier association freed the port of a live one")
	}

	if _, err := wait[struct{}](t, b.Close()); err != nil {
		t.Fatalf("Close b: %v", err)
	}
	if env.ports.InUse(7000) {
		t.Error("port still held after its holder closed")
	}
}

func TestFailure_ReleasesResources(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)
	a := connect(t, env, Config{Local: loopback, Remote: addrOf(peer), LocalPort: 1234})

	a.Failure(errors.New("peer aborted"))

	if a.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", a.State())
	}
	waitFor(t, "port release", func() bool { return !env.ports.InUse(1234) })
	waitFor(t, "registry removal", func() bool { return env.mapper.Len() == 0 })

	if _, err := wait[struct{}](t, a.Close()); err != nil {
		t.Errorf("Close after failure: %v", err)
	}
	// A second failure report is ignored.
	a.Failure(errors.New("again"))
}

func TestData_CallbackPanicRecovered(t *testing.T) {
	env := newEnv(t)
	peer := peerSocket(t)

	got := make(chan engine.Message, 2)
	a := connect(t, env, Config{
		Local:  loopback,
		Remote: addrOf(peer),
		Callback: func(_ *Association, msg engine.Message) {
			if string(msg.Payload) == "boom" {
				panic("callback failure")
			}
			got <- msg
		},
	})
	t.Cleanup(func() { a.Close() })

	a.Data(engine.Message{Payload: []byte("boom")})
	a.Data(engine.Message{Payload: []byte("Hello World!"), StreamID: 2, PPID: 51})

	select {
	case m := <-got:
		if string(m.Payload) != "Hello World!" || m.StreamID != 2 || m.PPID != 51 {
			t.Errorf("callback got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked after a panic")
	}
	if a.Stats().MessagesReceived != 2 {
		t.Errorf("messages received = %d, want 2", a.Stats().MessagesReceived)
	}
}

func TestInbound_SharesServerLink(t *testing.T) {
	env := newEnv(t)
	m := mapper.New()
	server, err := link.ListenServer(loopback, m, link.Options{Runner: env.pool, Logger: testLogger(), Metrics: env.deps.Metrics})
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer server.Close()

	remote := netip.MustParseAddrPort("127.0.0.1:40000")
	a, err := NewInbound(remote, server, 9899, Config{}, env.deps)
	if err != nil {
		t.Fatalf("NewInbound: %v", err)
	}
	f, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if e, ok := m.Lookup(remote); !ok || e != a {
		t.Fatal("inbound association must be registered in the server mapper")
	}
	if _, err := wait[*Association](t, f); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if a.LocalPort() != 9899 || env.ports.Count() != 0 {
		t.Errorf("inbound association port = %d, registry count = %d", a.LocalPort(), env.ports.Count())
	}

	wait[struct{}](t, a.Close())
	if server.IsShutdown() {
		t.Error("closing an inbound association must not close the shared link")
	}
	if m.Len() != 0 {
		t.Error("inbound association not removed from the server mapper")
	}
}

func TestListen_RequiresInbound(t *testing.T) {
	env := newEnv(t)
	a, _ := New(Config{Local: loopback, Remote: netip.MustParseAddrPort("127.0.0.1:9")}, env.deps)
	if _, err := a.Listen(context.Background()); !errors.Is(err, sctperr.ErrInvalidArgument) {
		t.Errorf("Listen = %v, want ErrInvalidArgument", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "CREATED"},
		{StateConnecting, "CONNECTING"},
		{StateEstablished, "ESTABLISHED"},
		{StateClosing, "CLOSING"},
		{StateClosed, "CLOSED"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if !StateFailed.Terminal() || StateClosing.Terminal() {
		t.Error("Terminal classification wrong")
	}
}
