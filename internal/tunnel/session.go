package tunnel

import (
	"context"
	"encoding/hex"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize  = 16 * 1024 // 16 KiB per Data payload
	inboxBufferSize = 64        // per-session inbox channel capacity
)

// session holds the complete lifecycle state of one forwarded connection.
//
// A session ends with exactly one Fin sent and, unless the link goes away,
// one Fin received. It stays in its table until both have happened so that
// late frames for it are dropped instead of opening a new session.
type session struct {
	key    protocol.SessionKey
	source protocol.SourceType // our side
	target protocol.TargetAddr // echoed in every headered Data
	raw    bool                // Data travels in the raw form
	log    util.Scope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan protocol.Message // fed by the tunnel's dispatch
	link  Link

	peerFinOnce sync.Once
	peerFin     chan struct{}

	sendMu  sync.Mutex
	finSent bool

	conn net.Conn
}

func newSession(parent context.Context, link Link, key protocol.SessionKey, source protocol.SourceType, target protocol.TargetAddr, raw bool) *session {
	ctx, cancel := context.WithCancel(parent)
	util.Stats.OpenSession()
	return &session{
		key:     key,
		source:  source,
		target:  target,
		raw:     raw,
		log:     sessionScope(key),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan protocol.Message, inboxBufferSize),
		link:    link,
		peerFin: make(chan struct{}),
	}
}

// sessionScope labels log lines with the composite session id in hex: the
// controller id followed by the wire session id.
func sessionScope(key protocol.SessionKey) util.Scope {
	var c protocol.CompositeSessionID
	copy(c[:protocol.IDSize], key.ControllerID[:])
	copy(c[protocol.IDSize:], key.SessionID[:])
	return util.Scope(hex.EncodeToString(c[:]))
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// deliver hands m to the session in link order. It blocks while the inbox is
// full; once the session has closed, Data is dropped.
func (s *session) deliver(m protocol.Message) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
	if _, ok := m.(*protocol.Fin); ok {
		s.peerFinOnce.Do(func() { close(s.peerFin) })
	}
}

// finished reports whether the session has closed and seen the peer's Fin.
func (s *session) finished() bool {
	if s.ctx.Err() == nil {
		return false
	}
	select {
	case <-s.peerFin:
		return true
	default:
		return false
	}
}

// wait blocks until the session is finished or linkDone fires. It returns
// true in the first case.
func (s *session) wait(linkDone <-chan struct{}) bool {
	<-s.ctx.Done()
	select {
	case <-s.peerFin:
		return true
	case <-linkDone:
		return false
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// dataMessage wraps payload in the link's Data form.
func (s *session) dataMessage(payload []byte) protocol.Message {
	if s.raw {
		return &protocol.RawData{Payload: payload}
	}
	return protocol.NewData(s.key.ControlledID, s.key.ControllerID, s.key.SessionID, s.source, s.target, payload)
}

// send forwards m unless the Fin has already gone out.
func (s *session) send(m protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.finSent {
		return nil
	}
	return s.link.Send(m)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// dial connects the controlled side of the session to target.
func (s *session) dial(target netip.AddrPort, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(s.ctx, "tcp", target.String())
	if err != nil {
		return err
	}
	s.conn = conn
	s.log.Infof("TCP connected to %s", target)
	return nil
}

// relay bridges s.conn and the link until either side finishes.
func (s *session) relay() {
	defer s.cleanup()

	// A blocked local write must not outlive the session.
	context.AfterFunc(s.ctx, func() { s.conn.Close() })
	go s.pump()

	for {
		select {
		case m := <-s.inbox:
			var payload []byte
			switch msg := m.(type) {
			case *protocol.Fin:
				s.log.Debugf("received Fin")
				return
			case *protocol.Data:
				payload = msg.Payload
			case *protocol.RawData:
				payload = msg.Payload
			}
			if len(payload) == 0 {
				continue
			}
			if _, err := s.conn.Write(payload); err != nil {
				s.log.Debugf("TCP write error: %v", err)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// pump reads from the TCP connection and sends Data messages. cleanup closes
// the connection to unblock it.
func (s *session) pump() {
	defer s.cleanup()

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if err := s.send(s.dataMessage(payload)); err != nil {
				return
			}
		}

		if err != nil {
			select {
			case <-s.ctx.Done():
				// Already shutting down.
			default:
				s.log.Debugf("TCP read ended: %v", err)
			}
			return
		}
	}
}

// cleanup releases the session exactly once and notifies the peer with a
// single Fin, whichever goroutine gets here first.
func (s *session) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}

		s.sendMu.Lock()
		s.finSent = true
		_ = s.link.Send(protocol.NewFin(s.key.ControlledID, s.key.ControllerID, s.key.SessionID, s.source))
		s.sendMu.Unlock()

		util.Stats.CloseSession()
		s.log.Debugf("session closed")
	})
}
