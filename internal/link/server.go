package link

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/postalsys/sctp4udp/internal/logging"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// ServerLink is a UDP socket shared by all associations bound to it.
type ServerLink struct {
	*base
	mapper *mapper.Mapper

	mu       sync.RWMutex
	acceptor Acceptor
}

// ListenServer binds a server link on addr. Port 0 lets the system choose.
func ListenServer(addr netip.AddrPort, m *mapper.Mapper, opts Options) (*ServerLink, error) {
	if m == nil {
		return nil, fmt.Errorf("server link needs a mapper: %w", sctperr.ErrInvalidArgument)
	}
	if !addr.Addr().IsValid() {
		return nil, fmt.Errorf("server address %v: %w", addr, sctperr.ErrInvalidArgument)
	}

	conn, err := net.ListenUDP("udp", udpAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: listen %v: %w", sctperr.ErrTransport, addr, err)
	}

	b, err := newBase(metrics.LinkServer, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &ServerLink{base: b, mapper: m}, nil
}

// Mapper returns the registry this link routes by.
func (l *ServerLink) Mapper() *mapper.Mapper {
	return l.mapper
}

// SetAcceptor installs the handler for datagrams from unregistered peers.
// With no acceptor such datagrams are dropped.
func (l *ServerLink) SetAcceptor(a Acceptor) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.acceptor = a
}

func (l *ServerLink) getAcceptor() Acceptor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.acceptor
}

// Start launches the receive loop.
func (l *ServerLink) Start() error {
	return l.start("server-link-receive", l.dispatch)
}

// dispatch routes one datagram by its source address.
func (l *ServerLink) dispatch(from netip.AddrPort, pkt []byte) {
	from = mapper.Key(from)

	if e, ok := l.mapper.Lookup(from); ok {
		e.Deliver(pkt)
		return
	}

	acceptor := l.getAcceptor()
	if acceptor == nil {
		l.drop("unknown_peer")
		l.logger.Debug("datagram from unregistered peer dropped",
			slog.String(logging.KeyRemoteAddr, from.String()))
		return
	}

	e, err := acceptor.Accept(from)
	if err != nil {
		l.drop("accept_refused")
		l.logger.Debug("inbound association refused",
			slog.String(logging.KeyRemoteAddr, from.String()),
			logging.KeyError, err)
		return
	}
	e.Deliver(pkt)
}

// Send writes pkt to remote.
func (l *ServerLink) Send(remote netip.AddrPort, pkt []byte) error {
	if !remote.IsValid() {
		return fmt.Errorf("send to %v: %w", remote, sctperr.ErrInvalidArgument)
	}
	return l.write(pkt, remote, false)
}

// Close stops the receive loop and closes the socket. No further datagrams
// are accepted. It must not be called from inside Deliver.
func (l *ServerLink) Close() error {
	return l.close()
}

func (l *ServerLink) String() string {
	return fmt.Sprintf("ServerLink(local=%v, associations=%d, shutdown=%t)",
		l.local, l.mapper.Len(), l.IsShutdown())
}
