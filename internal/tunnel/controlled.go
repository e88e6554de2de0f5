package tunnel

import (
	"context"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// RunAsControlled serves the sessions the controller opens on link. The
// first Data of an unknown session dials its target; later frames are
// relayed; Fin closes the session. A Fin for an unknown session is ignored.
//
// It blocks until the link is done (nil) or ctx is cancelled (ctx.Err()).
func RunAsControlled(ctx context.Context, link Link, opts ControlledOptions) error {
	t := newTunnel(ctx, link, protocol.SourceControlled)
	defer t.cancel()

	if opts.Pinned {
		p := newPinned(t)
		link.OnMessage(func(m protocol.Message) { p.dispatchControlled(m, opts) })
		return t.wait(ctx)
	}

	link.OnMessage(func(m protocol.Message) { t.dispatchControlled(m, opts) })
	return t.wait(ctx)
}

func (t *tunnel) dispatchControlled(m protocol.Message, opts ControlledOptions) {
	switch msg := m.(type) {
	case *protocol.Data:
		key := msg.Key()
		if s := t.routes.lookup(key); s != nil {
			s.deliver(msg)
			return
		}
		if err := msg.Validate(); err != nil || msg.Source != protocol.SourceController {
			util.LogWarning("dropping Data for unknown session %s: not a controller request", key)
			return
		}
		if msg.ControlledID != t.self || msg.ControllerID != t.peer {
			util.LogWarning("dropping Data for session %s: endpoint ids do not match this link", key)
			return
		}

		s := newSession(t.ctx, t.link, key, protocol.SourceControlled, msg.Target, false)
		t.routes.register(s)
		go s.serve(msg.Target, opts)
		s.deliver(msg)

	case *protocol.Fin:
		if s := t.routes.lookup(msg.Key()); s != nil {
			s.deliver(msg)
			return
		}
		util.LogDebug("ignoring Fin for unknown session %s", msg.Key())

	default:
		logUnexpected(m)
	}
}

// serve is the controlled-side lifecycle: vet and dial target, then relay.
// Any failure closes the session, which answers with Fin.
func (s *session) serve(target protocol.TargetAddr, opts ControlledOptions) {
	addr := target.AddrPort()
	if opts.Allow != nil && !opts.Allow(addr) {
		s.log.Warnf("target %s not allowed", addr)
		s.cleanup()
		return
	}
	if err := s.dial(addr, opts.DialTimeout); err != nil {
		s.log.Warnf("TCP dial %s failed: %v", addr, err)
		s.cleanup()
		return
	}
	s.relay()
}
