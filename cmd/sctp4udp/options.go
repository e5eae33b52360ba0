package main

import (
	"log/slog"

	"github.com/postalsys/sctp4udp/internal/association"
	"github.com/postalsys/sctp4udp/internal/config"
	"github.com/postalsys/sctp4udp/internal/coordinator"
	"github.com/postalsys/sctp4udp/internal/engine"
	"github.com/postalsys/sctp4udp/internal/health"
	"github.com/postalsys/sctp4udp/internal/logging"
)

// coordinatorOptions maps the configuration file onto coordinator options.
func coordinatorOptions(cfg *config.Config, logger *slog.Logger) coordinator.Options {
	return coordinator.Options{
		Logger:          logger,
		PoolSize:        cfg.Pool.Size,
		MaxAssociations: cfg.Server.MaxAssociations,
		AcceptRate:      cfg.Server.AcceptRate,
		AcceptBurst:     cfg.Server.AcceptBurst,
		Association: association.Config{
			ConnectTimeout:    cfg.Association.ConnectTimeout,
			MaxMessageSize:    uint32(cfg.Association.MaxMessageSize),
			ReceiveBufferSize: uint32(cfg.Association.ReceiveBufferSize),
			MaxInboundQueue:   int(cfg.Link.MaxInboundQueue),
			ReadBufferSize:    int(cfg.Link.ReadBufferSize),
		},
	}
}

// echoCallback sends every message back on the stream it arrived on.
func echoCallback(logger *slog.Logger) association.Callback {
	return func(a *association.Association, msg engine.Message) {
		err := a.Send(msg.Payload, association.SendOptions{
			StreamID: msg.StreamID,
			PPID:     msg.PPID,
			Ordered:  msg.Flags&engine.FlagUnordered == 0,
		})
		if err != nil {
			logger.Warn("echo failed",
				slog.String(logging.KeyRemoteAddr, a.Remote().String()),
				logging.KeyError, err)
		}
	}
}

// statsSource is the part of the coordinator the health server reads.
type statsSource interface {
	Initialized() bool
	Stats() coordinator.Stats
}

// statsProvider adapts the coordinator to health.StatsProvider.
type statsProvider struct {
	c statsSource
}

func (p *statsProvider) IsRunning() bool {
	return p.c.Initialized()
}

func (p *statsProvider) Stats() health.Stats {
	s := p.c.Stats()
	return health.Stats{
		ServerAddr:   s.ServerAddr,
		Associations: s.Associations,
		Inbound:      s.Inbound,
		PortsInUse:   s.PortsInUse,
		PoolSize:     s.Pool.Size,
		PoolRunning:  s.Pool.Running,
		DatagramsIn:  s.Link.DatagramsIn,
		DatagramsOut: s.Link.DatagramsOut,
		Dropped:      s.Link.Dropped,
	}
}
