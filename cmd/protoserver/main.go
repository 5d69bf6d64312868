// Command protoserver is a demo TCP acceptor exercising protocore
// end-to-end (SPEC_FULL.md §2 ADDED package layout), grounded on
// coregx-stream's examples/websocket/echo-server/main.go (accept loop,
// per-connection handler) and tzrikka-timpani/cmd/timpani's
// urfave/cli/v3 command shape.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/protocore"
	"github.com/coregx/protocore/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "protoserver",
		Usage: "accept protocore connections and echo call requests back",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "address to listen on, overrides config"},
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
			&cli.StringFlag{Name: "process-name", Usage: "identity announced during handshake, overrides config"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "protoserver: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if name := cmd.String("process-name"); name != "" {
		cfg.ProcessName = name
	}

	log := newLogger(cfg.LogLevel)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("protoserver: listen %s: %w", cfg.Addr, err)
	}
	defer ln.Close()
	log.Info().Str("addr", cfg.Addr).Msg("protoserver listening")

	local := protocore.Identity{HostPort: ln.Addr().String(), ProcessName: cfg.ProcessName}

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("accept failed")
			return err
		}
		go serve(ctx, conn, local, log)
	}
}

// serve performs the handshake as acceptor, registers an echo handler
// (arg3 bounced back unchanged, arg2 headers preserved) and blocks
// until the connection closes, mirroring echo-server/main.go's
// per-connection loop generalized from a WebSocket echo to a call
// request/response echo.
func serve(ctx context.Context, conn net.Conn, local protocore.Identity, log zerolog.Logger) {
	peer := conn.RemoteAddr().String()
	sink := protocore.NewZerologSink(log.With().Str("peer", peer).Logger())

	c, err := protocore.AcceptIncoming(ctx, conn, local, protocore.WithEventSink(sink), protocore.WithLogger(log))
	if err != nil {
		log.Warn().Err(err).Str("peer", peer).Msg("handshake failed")
		conn.Close()
		return
	}
	defer c.Close()

	identity, _ := c.PeerIdentity()
	log.Info().Str("peer", peer).Str("process_name", identity.ProcessName).Msg("connection established")

	c.SetRequestHandler(func(ctx context.Context, id uint32, req *protocore.Message) *protocore.Message {
		return protocore.NewResponse(req.Headers, req.ChecksumType, req.Arg2, req.Arg3)
	})

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !c.IsClosed() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}
