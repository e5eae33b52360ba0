// Package main provides the CLI entry point for sctp4udp.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/sctp4udp/internal/association"
	"github.com/postalsys/sctp4udp/internal/config"
	"github.com/postalsys/sctp4udp/internal/coordinator"
	"github.com/postalsys/sctp4udp/internal/engine"
	"github.com/postalsys/sctp4udp/internal/health"
	"github.com/postalsys/sctp4udp/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sctp4udp",
		Short: "sctp4udp - SCTP associations tunnelled over UDP",
		Long: `sctp4udp carries SCTP associations inside UDP datagrams so they
traverse NATs and firewalls that only pass UDP.

One shared UDP socket serves every inbound association; outbound
associations get a dedicated socket each.`,
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Long:  "Bind the shared server link and echo every message back on the stream it arrived on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			c := coordinator.New(coordinatorOptions(cfg, logger))
			defer c.Close()

			if err := c.Init(cfg.ServerAddr(), cfg.Server.Port, echoCallback(logger)); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			var hs *health.Server
			if cfg.Health.Enabled {
				hs = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, &statsProvider{c: c})
				if err := hs.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				defer hs.Stop()
			}

			fmt.Printf("Listening on %s (SCTP port %d)\n", c.Link().LocalAddr(), c.ServerPort())
			if hs != nil {
				fmt.Printf("Health endpoint: http://%s/healthz\n", hs.Address())
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Println("\nShutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := c.Shutdown(nil, nil).Wait(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

func sendCmd() *cobra.Command {
	var (
		remote    string
		local     string
		localPort int
		message   string
		streamID  uint16
		ppid      uint32
		timeout   time.Duration
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message and wait for the echo",
		RunE: func(cmd *cobra.Command, args []string) error {
			remoteAddr, err := netip.ParseAddrPort(remote)
			if err != nil {
				return fmt.Errorf("invalid --remote: %w", err)
			}
			localAddr, err := netip.ParseAddrPort(local)
			if err != nil {
				return fmt.Errorf("invalid --local: %w", err)
			}

			logger := logging.NewLogger(logLevel, "text")
			c := coordinator.New(coordinator.Options{Logger: logger})
			defer c.Close()

			if err := c.Init(localAddr.Addr(), 0, nil); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			replies := make(chan engine.Message, 1)
			a, err := c.NewAssociation(association.Config{
				Local:          localAddr,
				Remote:         remoteAddr,
				LocalPort:      localPort,
				ConnectTimeout: timeout,
				Callback: func(_ *association.Association, msg engine.Message) {
					select {
					case replies <- msg:
					default:
					}
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			start := time.Now()
			if _, err := a.Connect(ctx).Wait(ctx); err != nil {
				return fmt.Errorf("connect to %s: %w", remoteAddr, err)
			}
			connected := time.Since(start)

			if err := a.Send([]byte(message), association.SendOptions{StreamID: streamID, PPID: ppid, Ordered: true}); err != nil {
				return fmt.Errorf("send: %w", err)
			}

			var reply engine.Message
			select {
			case reply = <-replies:
			case <-ctx.Done():
				return fmt.Errorf("no echo from %s: %w", remoteAddr, ctx.Err())
			}
			roundTrip := time.Since(start) - connected
			stats := a.Stats()

			if _, err := a.Close().Wait(ctx); err != nil {
				return fmt.Errorf("close: %w", err)
			}

			fmt.Printf("Echo from %s on stream %d: %q\n", remoteAddr, reply.StreamID, reply.Payload)
			fmt.Printf("  handshake:  %s\n", connected.Round(time.Microsecond))
			fmt.Printf("  round trip: %s\n", roundTrip.Round(time.Microsecond))
			fmt.Printf("  sent:       %s\n", humanize.IBytes(stats.BytesSent))
			fmt.Printf("  received:   %s\n", humanize.IBytes(stats.BytesReceived))
			return nil
		},
	}

	cmd.Flags().StringVarP(&remote, "remote", "r", "", "Remote server address (host:port)")
	cmd.Flags().StringVar(&local, "local", "0.0.0.0:0", "Local UDP address to bind")
	cmd.Flags().IntVar(&localPort, "local-port", 0, "Local SCTP port (0 for any)")
	cmd.Flags().StringVarP(&message, "message", "m", "Hello World!", "Message to send")
	cmd.Flags().Uint16Var(&streamID, "stream", 0, "SCTP stream identifier")
	cmd.Flags().Uint32Var(&ppid, "ppid", 51, "Payload protocol identifier")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.MarkFlagRequired("remote")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sctp4udp %s\n", Version)
		},
	}
}
