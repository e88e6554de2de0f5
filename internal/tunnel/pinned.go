package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// pinned runs a link that carries one session at a time. Data travels in the
// raw form, so the session a frame belongs to is implied: it is the current
// one. Both ends count sessions to derive the same ids for the Fin exchange,
// and a new session starts only after both Fins of the previous one.
type pinned struct {
	t *tunnel

	mu      sync.Mutex
	current *session
}

func newPinned(t *tunnel) *pinned {
	return &pinned{t: t}
}

// active returns the current session, or nil once it has finished.
func (p *pinned) active() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.finished() {
		p.current = nil
	}
	return p.current
}

func (p *pinned) setCurrent(s *session) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
}

// next creates the session for the next sequence number. The controller id
// seeds the composite id on both ends.
func (p *pinned) next(target protocol.TargetAddr) *session {
	controllerID := p.t.self
	if p.t.source == protocol.SourceControlled {
		controllerID = p.t.peer
	}
	key := p.t.key(p.t.mintSessionID(controllerID))
	s := newSession(p.t.ctx, p.t.link, key, p.t.source, target, true)
	p.setCurrent(s)
	return s
}

// deliverFin hands fin to the current session if the ids match. Any other Fin
// belongs to a session both ends have already retired.
func (p *pinned) deliverFin(fin *protocol.Fin) {
	s := p.active()
	if s == nil || fin.Key() != s.key {
		util.LogDebug("ignoring stale Fin for session %s", fin.Key())
		return
	}
	s.deliver(fin)
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

// runPinnedController serves conns one after another. The next connection is
// taken only once the peer has acknowledged the previous session with Fin.
func (t *tunnel) runPinnedController(ctx context.Context, conns <-chan net.Conn) error {
	p := newPinned(t)
	t.link.OnMessage(p.dispatchController)

	for {
		select {
		case conn, ok := <-conns:
			if !ok {
				return t.wait(ctx)
			}

			s := p.next(protocol.TargetAddr{})
			s.conn = conn
			s.log.Infof("new pinned connection from %s", conn.RemoteAddr())

			// The empty raw Data opens the session on the controlled end.
			if err := s.send(s.dataMessage(nil)); err != nil {
				s.cleanup()
			} else {
				go s.relay()
			}

			if !s.wait(t.link.Done()) {
				return t.wait(ctx)
			}

		case <-t.link.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *pinned) dispatchController(m protocol.Message) {
	switch msg := m.(type) {
	case *protocol.RawData:
		if s := p.active(); s != nil {
			s.deliver(msg)
		}
	case *protocol.Fin:
		p.deliverFin(msg)
	default:
		logUnexpected(m)
	}
}

// ---------------------------------------------------------------------------
// Controlled
// ---------------------------------------------------------------------------

// dispatchControlled starts a session on the first raw Data after the
// previous session finished. Until the peer's Fin arrives for a session this
// end already closed, raw Data is drained.
func (p *pinned) dispatchControlled(m protocol.Message, opts ControlledOptions) {
	switch msg := m.(type) {
	case *protocol.RawData:
		if s := p.active(); s != nil {
			s.deliver(msg)
			return
		}
		s := p.next(opts.PinnedTarget)
		s.log.Infof("new pinned session -> %s", opts.PinnedTarget)
		go s.serve(opts.PinnedTarget, opts)
		s.deliver(msg)

	case *protocol.Fin:
		p.deliverFin(msg)

	default:
		logUnexpected(m)
	}
}
