package tunnel

import (
	"context"
	"net"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// RunAsController forwards every connection received on conns through link.
// Each becomes a session that opens with an empty Data carrying the target,
// then relays until either side sends Fin.
//
// It blocks until the link is done (nil) or ctx is cancelled (ctx.Err()).
// Sessions are torn down on return. A closed conns channel stops accepting
// but keeps the link running.
func RunAsController(ctx context.Context, link Link, conns <-chan net.Conn, opts ControllerOptions) error {
	t := newTunnel(ctx, link, protocol.SourceController)
	defer t.cancel()

	if opts.Pinned {
		return t.runPinnedController(ctx, conns)
	}

	link.OnMessage(t.dispatchController)

	for {
		select {
		case conn, ok := <-conns:
			if !ok {
				return t.wait(ctx)
			}
			t.openSession(conn, opts.Target)

		case <-link.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// openSession mints a fresh session id for conn, announces the session and
// starts relaying.
func (t *tunnel) openSession(conn net.Conn, target protocol.TargetAddr) {
	var key protocol.SessionKey
	for {
		key = t.key(t.mintSessionID(t.self))
		if !t.routes.contains(key) {
			break
		}
	}

	s := newSession(t.ctx, t.link, key, protocol.SourceController, target, false)
	s.conn = conn
	t.routes.register(s)
	s.log.Infof("new connection from %s -> %s", conn.RemoteAddr(), target)

	if err := s.send(s.dataMessage(nil)); err != nil {
		s.cleanup()
		return
	}
	go s.relay()
}

// dispatchController routes inbound messages on a multiplexed link. The
// controller never opens sessions on request, so unknown ids are dropped.
func (t *tunnel) dispatchController(m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.Data:
		if s := t.routes.lookup(msg.Key()); s != nil {
			s.deliver(msg)
			return
		}
		util.LogDebug("dropping Data for unknown session %s", msg.Key())

	case *protocol.Fin:
		if s := t.routes.lookup(msg.Key()); s != nil {
			s.deliver(msg)
		}

	default:
		logUnexpected(m)
	}
}
