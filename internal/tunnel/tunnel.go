// Package tunnel manages the sessions carried by an established link. The
// controller turns accepted local TCP connections into sessions; the
// controlled end dials the requested target for every new session and
// bridges the bytes back.
package tunnel

import (
	"context"
	"net/netip"
	"time"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/transport"
	"github.com/1ureka/ctunnel/internal/util"
)

// Link is the message link a tunnel runs over.
type Link interface {
	Self() protocol.EndpointID
	Peer() protocol.EndpointID
	Send(m protocol.Message) error
	OnMessage(fn func(protocol.Message))
	Done() <-chan struct{}
}

// Compile-time interface check.
var _ Link = (*transport.Transport)(nil)

// ControllerOptions configure RunAsController.
type ControllerOptions struct {
	// Target is the destination requested for every session. Unused when
	// Pinned.
	Target protocol.TargetAddr
	// Pinned runs one session at a time with raw Data frames. The link must
	// parse Data with protocol.DataRaw.
	Pinned bool
}

// ControlledOptions configure RunAsControlled.
type ControlledOptions struct {
	// Allow vets the target of a new session. Nil allows everything.
	Allow func(netip.AddrPort) bool
	// Pinned runs one session at a time with raw Data frames, each dialing
	// PinnedTarget. The link must parse Data with protocol.DataRaw.
	Pinned       bool
	PinnedTarget protocol.TargetAddr
	DialTimeout  time.Duration
}

// tunnel is the state shared by both roles on one link.
type tunnel struct {
	ctx    context.Context
	cancel context.CancelFunc

	link   Link
	self   protocol.EndpointID
	peer   protocol.EndpointID
	source protocol.SourceType

	routes *router
	seq    *SeqGen
}

func newTunnel(ctx context.Context, link Link, source protocol.SourceType) *tunnel {
	tCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-link.Done():
			cancel()
		case <-tCtx.Done():
		}
	}()

	return &tunnel{
		ctx:    tCtx,
		cancel: cancel,
		link:   link,
		self:   link.Self(),
		peer:   link.Peer(),
		source: source,
		routes: newRouter(link.Done()),
		seq:    NewSeqGen(),
	}
}

// key builds the session key for sid on this link.
func (t *tunnel) key(sid protocol.SessionID) protocol.SessionKey {
	if t.source == protocol.SourceController {
		return protocol.SessionKey{ControlledID: t.peer, ControllerID: t.self, SessionID: sid}
	}
	return protocol.SessionKey{ControlledID: t.self, ControllerID: t.peer, SessionID: sid}
}

// mintSessionID returns the wire id for the next sequence number.
func (t *tunnel) mintSessionID(controllerID protocol.EndpointID) protocol.SessionID {
	return protocol.MakeCompositeSessionID(controllerID, t.seq.Next()).SessionID()
}

// wait blocks until the link or ctx is done.
func (t *tunnel) wait(ctx context.Context) error {
	select {
	case <-t.link.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func logUnexpected(m protocol.Message) {
	util.LogDebug("ignoring %s from peer after handshake", m.Type())
}
