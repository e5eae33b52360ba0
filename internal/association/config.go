package association

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/postalsys/sctp4udp/internal/engine"
	"github.com/postalsys/sctp4udp/internal/link"
	"github.com/postalsys/sctp4udp/internal/logging"
	"github.com/postalsys/sctp4udp/internal/mapper"
	"github.com/postalsys/sctp4udp/internal/metrics"
	"github.com/postalsys/sctp4udp/internal/pool"
	"github.com/postalsys/sctp4udp/internal/ports"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// Defaults for zero-valued Config fields.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultSCTPPort       = 5000
)

// Callback receives every payload delivered on an association. It runs on an
// engine reader goroutine; a panic is recovered and logged.
type Callback func(a *Association, msg engine.Message)

// SendOptions selects how a payload is framed.
type SendOptions struct {
	StreamID uint16
	PPID     uint32
	Ordered  bool
}

// Config describes one association. Local and Remote are required; every
// other field has a default.
type Config struct {
	// Local is the UDP address a new client link binds to. Port 0 binds an
	// ephemeral UDP port.
	Local netip.AddrPort
	// Remote is the peer's UDP address.
	Remote netip.AddrPort

	// LocalPort is the SCTP port requested from the port registry. Zero or
	// out of range selects any free port.
	LocalPort int
	// RemotePort is the peer's SCTP port. Zero selects DefaultSCTPPort.
	RemotePort uint16

	// Callback defaults to a debug log of each message.
	Callback Callback

	// Link is an optional caller-supplied transport link. A *link.ServerLink
	// is shared and never closed by the association; any other link is owned
	// and closed with it, and is attached and started when it offers Attach
	// and Start. When nil a client link is dialed from Local to Remote.
	Link link.Link

	ConnectTimeout    time.Duration
	MaxMessageSize    uint32
	ReceiveBufferSize uint32
	MaxInboundQueue   int
	ReadBufferSize    int
}

// Validate checks addresses and ports. It acquires nothing.
func (c *Config) Validate() error {
	if !c.Remote.IsValid() || c.Remote.Port() == 0 {
		return fmt.Errorf("remote address %v: %w", c.Remote, sctperr.ErrInvalidArgument)
	}
	if c.Remote.Addr().IsUnspecified() {
		return fmt.Errorf("remote address %v is unspecified: %w", c.Remote, sctperr.ErrInvalidArgument)
	}
	if !c.Local.IsValid() {
		return fmt.Errorf("local address %v: %w", c.Local, sctperr.ErrInvalidArgument)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout %v: %w", c.ConnectTimeout, sctperr.ErrInvalidArgument)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RemotePort == 0 {
		c.RemotePort = DefaultSCTPPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	c.Remote = mapper.Key(c.Remote)
}

// Deps are the shared components an association draws on. The coordinator
// supplies them; Engine, Pool and Ports are required.
type Deps struct {
	Engine  engine.Engine
	Pool    *pool.Pool
	Ports   *ports.Registry
	Mapper  *mapper.Mapper
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (d *Deps) validate() error {
	if d.Engine == nil || d.Pool == nil || d.Ports == nil {
		return fmt.Errorf("association requires engine, pool and port registry: %w", sctperr.ErrInvalidArgument)
	}
	d.Logger = logging.OrNop(d.Logger)
	d.Metrics = metrics.OrDefault(d.Metrics)
	return nil
}

// LogCallback returns a Callback that logs each message at debug level.
func LogCallback(logger *slog.Logger) Callback {
	logger = logging.OrNop(logger)
	return func(a *Association, msg engine.Message) {
		logger.Debug("message received",
			slog.String(logging.KeyRemoteAddr, a.Remote().String()),
			slog.Int(logging.KeyStreamID, int(msg.StreamID)),
			slog.Uint64(logging.KeyPPID, uint64(msg.PPID)),
			slog.Int(logging.KeyBytes, len(msg.Payload)))
	}
}
