package app

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/1ureka/ctunnel/internal/config"
	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/signaling"
	"github.com/1ureka/ctunnel/internal/transport"
	"github.com/1ureka/ctunnel/internal/tunnel"
	"github.com/1ureka/ctunnel/internal/util"
)

// RunController accepts local TCP connections on cfg.Listen and forwards them
// over a link to cfg.Connect. A lost link is redialed with backoff; the local
// listener stays up meanwhile.
func RunController(ctx context.Context, cfg config.Config) error {
	self := cfg.EndpointID()

	var target protocol.TargetAddr
	if !cfg.Pinned {
		var err error
		if target, err = protocol.ParseTargetAddr(cfg.Target); err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	conns := acceptLoop(ctx, listener)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		tr, err := dialWithRetry(ctx, cfg, self, rng)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if cfg.Pinned {
			util.LogSuccess("linked to %q, forwarding %s one connection at a time", tr.Peer(), listener.Addr())
		} else {
			util.LogSuccess("linked to %q, forwarding %s -> %s", tr.Peer(), listener.Addr(), target)
		}

		err = tunnel.RunAsController(ctx, tr, conns, tunnel.ControllerOptions{
			Target: target,
			Pinned: cfg.Pinned,
		})
		tr.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			util.LogError("tunnel error: %v", err)
		}
		if linkErr := tr.Err(); linkErr != nil {
			util.LogWarning("link lost: %v, reconnecting", linkErr)
		} else {
			util.LogWarning("link closed by peer, reconnecting")
		}
	}
}

// acceptLoop feeds accepted local connections into the returned channel until
// ctx is cancelled.
func acceptLoop(ctx context.Context, listener net.Listener) <-chan net.Conn {
	conns := make(chan net.Conn)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	util.LogInfo("local service listening on %s", listener.Addr())

	go func() {
		defer close(conns)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					util.LogError("accept error: %v", err)
				}
				return
			}

			select {
			case conns <- conn:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	return conns
}

// dialWithRetry establishes the link, retrying up to cfg.RetryAttempts times.
func dialWithRetry(ctx context.Context, cfg config.Config, self protocol.EndpointID, rng *rand.Rand) (*transport.Transport, error) {
	attempts := max(cfg.RetryAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		tr, err := dialLink(ctx, cfg, self)
		if err == nil {
			return tr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		delay := config.NextBackoffDelay(cfg.Backoff, attempt, rng)
		util.LogWarning("connect attempt %d/%d failed: %v (retrying in %s)", attempt, attempts, err, delay.Round(time.Millisecond))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", cfg.Connect, attempts, lastErr)
}

// dialLink opens one link of kind cfg.Link and performs the handshake.
func dialLink(ctx context.Context, cfg config.Config, self protocol.EndpointID) (*transport.Transport, error) {
	var conn transport.Conn

	switch cfg.Link {
	case config.LinkTCP:
		c, err := transport.DialTCP(ctx, cfg.Connect, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		conn = c

	case config.LinkWS:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		ws, err := transport.DialWS(dialCtx, cfg.Connect, cfg.PIN)
		cancel()
		if err != nil {
			return nil, err
		}
		conn = transport.NewWSConn(ws)

	case config.LinkWebRTC:
		peer, err := signaling.EstablishAsController(ctx, cfg.Connect, cfg.PIN, stunServers(cfg))
		if err != nil {
			return nil, err
		}
		conn = peer.Conn()

	default:
		return nil, fmt.Errorf("unsupported link %q", cfg.Link)
	}

	return transport.Establish(ctx, conn, self, transport.Options{
		Shape:            cfg.DataShape(),
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
}
