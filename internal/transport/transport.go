// Package transport carries protocol messages over a link: a raw TCP byte
// stream, a WebSocket or a WebRTC DataChannel. A Transport owns one Conn,
// serializes writes through a sender goroutine and decodes inbound frames on
// a reader goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// ErrClosed is returned when sending on a link that has shut down.
var ErrClosed = errors.New("transport: link closed")

// Options tune a Transport.
type Options struct {
	// Shape selects how inbound Data frames are parsed on message links.
	Shape protocol.DataShape
	// HandshakeTimeout bounds Establish. Zero means no bound beyond ctx.
	HandshakeTimeout time.Duration
}

// Transport is an established link to one peer.
//
// Its lifecycle is governed by the Conn and the context passed to Establish:
// a read or write failure, an unknown message tag, Close or ctx cancellation
// all shut it down.
type Transport struct {
	conn  Conn
	shape protocol.DataShape
	self  protocol.EndpointID
	peer  protocol.EndpointID

	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once

	mu  sync.Mutex
	err error
}

// Establish performs the Handshake on conn and returns the running
// Transport. conn is closed on failure.
func Establish(ctx context.Context, conn Conn, self protocol.EndpointID, opts Options) (*Transport, error) {
	hsCtx := ctx
	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	peer, err := Handshake(hsCtx, conn, self)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newTransport(ctx, conn, self, peer, opts.Shape), nil
}

func newTransport(ctx context.Context, conn Conn, self, peer protocol.EndpointID, shape protocol.DataShape) *Transport {
	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		conn:   conn,
		shape:  shape,
		self:   self,
		peer:   peer,
		ctx:    tCtx,
		cancel: tCancel,
	}
	t.sender = newSender(tCtx, conn, t.fail)

	// Closing the conn unblocks the reader.
	context.AfterFunc(tCtx, func() { conn.Close() })

	return t
}

// Self returns the local endpoint id announced in the Handshake.
func (t *Transport) Self() protocol.EndpointID { return t.self }

// Peer returns the endpoint id the peer announced in the Handshake.
func (t *Transport) Peer() protocol.EndpointID { return t.peer }

// Shape returns how inbound Data frames are parsed.
func (t *Transport) Shape() protocol.DataShape { return t.shape }

// RemoteAddr describes the far end of the link.
func (t *Transport) RemoteAddr() string { return t.conn.RemoteAddr() }

// Done is closed when the Transport shuts down.
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Err returns why the Transport shut down, or nil while it is running or
// after a plain Close.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close shuts down the Transport and its Conn.
func (t *Transport) Close() error {
	t.cancel()
	return nil
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

// Send enqueues m for the peer. It blocks while the send buffer is full and
// returns ErrClosed once the Transport is done.
func (t *Transport) Send(m protocol.Message) error {
	return t.sender.send(t.ctx, m)
}

// OnMessage starts the reader loop, invoking fn for every decoded message on
// the reader goroutine. Frames queued before the call are not lost. Only the
// first call has effect.
//
// A frame whose declared length disagrees with its size is dropped. An
// unknown tag or a read error shuts the Transport down.
func (t *Transport) OnMessage(fn func(protocol.Message)) {
	t.startOnce.Do(func() {
		go t.readLoop(fn)
	})
}

func (t *Transport) readLoop(fn func(protocol.Message)) {
	for {
		m, n, err := t.conn.ReadMessage(t.shape)
		if n > 0 {
			util.Stats.AddRecv(n)
		}

		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}

			if droppable(err) {
				util.Stats.RejectFrame()
				util.LogWarning("dropping malformed frame from %s: %v", t.RemoteAddr(), err)
				continue
			}
			if errors.Is(err, protocol.ErrUnknownMessageType) {
				util.Stats.RejectFrame()
				util.LogError("closing link to %s: %v", t.RemoteAddr(), err)
			} else {
				util.LogDebug("link to %s ended: %v", t.RemoteAddr(), err)
			}
			t.fail(fmt.Errorf("read from %s: %w", t.RemoteAddr(), err))
			return
		}

		fn(m)
	}
}
