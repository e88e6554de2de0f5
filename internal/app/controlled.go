// Package app contains the top-level orchestration for the controller and
// controlled roles: building links from the configuration, the handshake and
// handing each link to the tunnel.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/ctunnel/internal/config"
	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/signaling"
	"github.com/1ureka/ctunnel/internal/transport"
	"github.com/1ureka/ctunnel/internal/tunnel"
	"github.com/1ureka/ctunnel/internal/util"
)

// RunControlled accepts links on cfg.Listen and serves each one until ctx is
// cancelled. Every link is handled on its own goroutine.
func RunControlled(ctx context.Context, cfg config.Config) error {
	self := cfg.EndpointID()
	accept, closeFn, err := controlledAcceptor(&cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	util.LogInfo("controlled endpoint %q waiting for controllers", cfg.ID)

	for {
		conn, err := accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrServerClosed) {
				return nil
			}
			util.LogWarning("failed to accept link: %v", err)
			continue
		}
		go serveLink(ctx, conn, self, cfg)
	}
}

// controlledAcceptor returns the accept function for cfg.Link.
func controlledAcceptor(cfg *config.Config) (func(context.Context) (transport.Conn, error), func(), error) {
	switch cfg.Link {
	case config.LinkTCP:
		l, err := transport.ListenTCP(cfg.Listen)
		if err != nil {
			return nil, nil, err
		}
		util.LogInfo("listening for TCP links on %s", l.Addr())
		return l.Accept, func() { l.Close() }, nil

	case config.LinkWS, config.LinkWebRTC:
		if cfg.PIN == "" {
			cfg.PIN = util.GeneratePIN(4)
		}
		srv, err := transport.ServeWS(cfg.Listen, cfg.PIN)
		if err != nil {
			return nil, nil, err
		}
		printBanner(cfg.Link, srv.Port(), cfg.PIN)

		if cfg.Link == config.LinkWS {
			return func(ctx context.Context) (transport.Conn, error) {
				ws, err := srv.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return transport.NewWSConn(ws), nil
			}, func() { srv.Close() }, nil
		}

		stun := stunServers(*cfg)
		return func(ctx context.Context) (transport.Conn, error) {
			peer, err := signaling.EstablishAsControlled(ctx, srv, stun)
			if err != nil {
				return nil, err
			}
			return peer.Conn(), nil
		}, func() { srv.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported link %q", cfg.Link)
	}
}

// serveLink performs the handshake on conn and runs the controlled tunnel
// until the link ends.
func serveLink(ctx context.Context, conn transport.Conn, self protocol.EndpointID, cfg config.Config) {
	tr, err := transport.Establish(ctx, conn, self, transport.Options{
		Shape:            cfg.DataShape(),
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		util.LogWarning("handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer tr.Close()

	util.LogSuccess("controller %q connected from %s", tr.Peer(), tr.RemoteAddr())

	opts := tunnel.ControlledOptions{
		Allow:       cfg.Allowed,
		Pinned:      cfg.Pinned,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Pinned {
		opts.Allow = nil
		opts.PinnedTarget, _ = protocol.ParseTargetAddr(cfg.PinnedTarget)
	}

	if err := tunnel.RunAsControlled(ctx, tr, opts); err != nil && ctx.Err() == nil {
		util.LogError("tunnel error: %v", err)
	}
	if err := tr.Err(); err != nil {
		util.LogWarning("controller %q disconnected: %v", tr.Peer(), err)
		return
	}
	util.LogInfo("controller %q disconnected", tr.Peer())
}

func stunServers(cfg config.Config) []string {
	if len(cfg.STUN) > 0 {
		return cfg.STUN
	}
	return transport.DefaultSTUNServers
}

// printBanner shows what a controller needs to reach this endpoint.
func printBanner(link config.LinkKind, port int, pin string) {
	title := "WebSocket Link Server"
	if link == config.LinkWebRTC {
		title = "WebRTC Signaling Server"
	}

	pterm.Println()
	pterm.DefaultBox.WithTitle(title).Println(fmt.Sprintf(
		"Port : %d\nPIN  : %s\n\nForward this port to make it reachable, e.g. with\nVS Code Port Forwarding.",
		port, pin,
	))
	pterm.Println()
}
