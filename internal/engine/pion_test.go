package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type goRunner struct{}

func (goRunner) Go(_ string, fn func(context.Context)) error {
	go fn(context.Background())
	return nil
}

// pipeHandler forwards outbound packets straight into a peer association.
type pipeHandler struct {
	mu       sync.Mutex
	peer     Association
	data     chan Message
	failures chan error
}

func newPipeHandler() *pipeHandler {
	return &pipeHandler{
		data:     make(chan Message, 16),
		failures: make(chan error, 1),
	}
}

func (h *pipeHandler) setPeer(a Association) {
	h.mu.Lock()
	h.peer = a
	h.mu.Unlock()
}

func (h *pipeHandler) Outbound(pkt []byte) error {
	h.mu.Lock()
	peer := h.peer
	h.mu.Unlock()
	if peer == nil {
		return errors.New("no peer")
	}
	return peer.Input(pkt)
}

func (h *pipeHandler) Data(msg Message) { h.data <- msg }

func (h *pipeHandler) Failure(err error) {
	select {
	case h.failures <- err:
	default:
	}
}

func (h *pipeHandler) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-h.data:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func newEngine(t *testing.T) *Pion {
	t.Helper()
	e := NewPion(goRunner{}, testLogger())
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e
}

// connectedPair returns an established client/server pair.
func connectedPair(t *testing.T, e *Pion) (Association, *pipeHandler, Association, *pipeHandler) {
	t.Helper()

	ch, sh := newPipeHandler(), newPipeHandler()
	client, err := e.Create(Config{LocalPort: 1234, RemotePort: 9899, Handler: ch})
	if err != nil {
		t.Fatalf("Create client: %v", err)
	}
	server, err := e.Create(Config{LocalPort: 9899, RemotePort: 1234, Handler: sh})
	if err != nil {
		t.Fatalf("Create server: %v", err)
	}
	ch.setPeer(server)
	sh.setPeer(client)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- server.Accept(ctx) }()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return client, ch, server, sh
}

func TestPion_InitLifecycle(t *testing.T) {
	e := NewPion(goRunner{}, testLogger())

	if _, err := e.Create(Config{Handler: newPipeHandler()}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Create before Init = %v, want ErrNotInitialized", err)
	}
	if err := e.Finish(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Finish before Init = %v, want ErrNotInitialized", err)
	}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := e.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init = %v, want ErrAlreadyInitialized", err)
	}
	if err := e.Finish(); err != nil {
		t.Errorf("Finish: %v", err)
	}
	if err := e.Init(); err != nil {
		t.Errorf("Init after Finish: %v", err)
	}
}

func TestPion_CreateRequiresHandler(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Create(Config{}); err == nil {
		t.Error("Create without handler should fail")
	}
}

func TestPion_InitRequiresRunner(t *testing.T) {
	e := NewPion(nil, testLogger())
	if err := e.Init(); err == nil {
		t.Error("Init without runner should fail")
	}
}

func TestPion_ExchangeMessages(t *testing.T) {
	e := newEngine(t)
	client, ch, server, sh := connectedPair(t, e)

	err := client.Send(OutboundMessage{
		Payload:  []byte("Hello World!"),
		StreamID: 0,
		PPID:     51,
		Ordered:  true,
	})
	if err != nil {
		t.Fatalf("client Send: %v", err)
	}

	got := sh.next(t)
	if string(got.Payload) != "Hello World!" {
		t.Errorf("server got %q", got.Payload)
	}
	if got.StreamID != 0 || got.PPID != 51 {
		t.Errorf("server got stream %d ppid %d, want 0/51", got.StreamID, got.PPID)
	}

	if err := server.Send(OutboundMessage{Payload: got.Payload, StreamID: 0, PPID: 51, Ordered: true}); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	echo := ch.next(t)
	if string(echo.Payload) != "Hello World!" {
		t.Errorf("client got %q", echo.Payload)
	}

	if st := client.Stats(); st.BytesSent == 0 {
		t.Error("client stats should count sent bytes")
	}
}

func TestPion_OrderedWithinStream(t *testing.T) {
	e := newEngine(t)
	client, _, _, sh := connectedPair(t, e)

	const n = 20
	for i := 0; i < n; i++ {
		if err := client.Send(OutboundMessage{Payload: []byte{byte(i)}, StreamID: 3, PPID: 53, Ordered: true}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		m := sh.next(t)
		if m.StreamID != 3 || len(m.Payload) != 1 || m.Payload[0] != byte(i) {
			t.Fatalf("message %d = stream %d payload %v", i, m.StreamID, m.Payload)
		}
	}
}

func TestPion_SendBeforeEstablished(t *testing.T) {
	e := newEngine(t)
	a, err := e.Create(Config{Handler: newPipeHandler()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Close()

	if err := a.Send(OutboundMessage{Payload: []byte("x")}); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Send = %v, want ErrNotEstablished", err)
	}
}

func TestPion_ConnectHonorsContext(t *testing.T) {
	e := newEngine(t)
	h := newPipeHandler() // no peer: every packet is lost
	a, err := e.Create(Config{Handler: h})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := a.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect = %v, want DeadlineExceeded", err)
	}
}

func TestPion_CloseIdempotent(t *testing.T) {
	e := newEngine(t)
	a, err := e.Create(Config{Handler: newPipeHandler()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Live() != 1 {
		t.Errorf("Live = %d, want 1", e.Live())
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if e.Live() != 0 {
		t.Errorf("Live after close = %d, want 0", e.Live())
	}
	if err := a.Input([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Input after close = %v, want ErrClosed", err)
	}
	if err := a.Send(OutboundMessage{Payload: []byte("x")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
}

func TestPion_InboundQueueBounded(t *testing.T) {
	e := newEngine(t)
	a, err := e.Create(Config{Handler: newPipeHandler(), MaxInboundQueue: 64})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Close()

	// Nothing reads the queue before the handshake starts.
	var full bool
	for i := 0; i < 10; i++ {
		if err := a.Input(make([]byte, 32)); err != nil {
			full = true
			break
		}
	}
	if !full {
		t.Error("Input should fail once the inbound queue limit is reached")
	}
}
