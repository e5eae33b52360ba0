package link

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// ClientLink is a UDP socket dedicated to one remote peer.
type ClientLink struct {
	*base
	remote netip.AddrPort

	mu    sync.Mutex
	entry mapper.Entry
}

// DialClient binds local (an invalid or zero-port address lets the system
// choose) and connects the socket to remote, so the kernel filters out
// datagrams from any other source.
func DialClient(local, remote netip.AddrPort, opts Options) (*ClientLink, error) {
	if !remote.IsValid() || remote.Port() == 0 {
		return nil, fmt.Errorf("client remote %v: %w", remote, sctperr.ErrInvalidArgument)
	}

	conn, err := net.DialUDP("udp", udpAddr(local), udpAddr(remote))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %v from %v: %w", sctperr.ErrTransport, remote, local, err)
	}

	b, err := newBase(metrics.LinkClient, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &ClientLink{base: b, remote: mapper.Key(remote)}, nil
}

// Remote returns the fixed peer address.
func (l *ClientLink) Remote() netip.AddrPort {
	return l.remote
}

// Attach binds the single entry that receives every datagram. It may be
// called once.
func (l *ClientLink) Attach(e mapper.Entry) error {
	if e == nil {
		return fmt.Errorf("attach nil entry: %w", sctperr.ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entry != nil {
		return fmt.Errorf("client link already attached: %w", sctperr.ErrInvalidArgument)
	}
	l.entry = e
	return nil
}

// Start launches the receive loop. An entry must be attached first.
func (l *ClientLink) Start() error {
	l.mu.Lock()
	e := l.entry
	l.mu.Unlock()

	if e == nil {
		return fmt.Errorf("client link has no entry: %w", sctperr.ErrInvalidArgument)
	}
	return l.start("client-link-receive", func(_ netip.AddrPort, pkt []byte) {
		e.Deliver(pkt)
	})
}

// Send writes pkt to the fixed remote. The remote argument is ignored.
func (l *ClientLink) Send(_ netip.AddrPort, pkt []byte) error {
	return l.write(pkt, l.remote, true)
}

// Close stops the receive loop and closes the socket.
func (l *ClientLink) Close() error {
	return l.close()
}

func (l *ClientLink) String() string {
	return fmt.Sprintf("ClientLink(local=%v, remote=%v, shutdown=%t)",
		l.local, l.remote, l.IsShutdown())
}
