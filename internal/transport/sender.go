package transport

import (
	"context"
	"errors"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

const sendBufferSize = 64 // outgoing message channel capacity

// sender is the single writer for a Conn. Every frame on the link goes
// through its inbox, so writes never interleave.
type sender struct {
	inbox chan protocol.Message
}

// newSender starts the writer loop. The loop exits when ctx is cancelled,
// and calls fail when a write fails.
func newSender(ctx context.Context, conn Conn, fail func(error)) *sender {
	s := &sender{inbox: make(chan protocol.Message, sendBufferSize)}
	go s.loop(ctx, conn, fail)
	return s
}

func (s *sender) loop(ctx context.Context, conn Conn, fail func(error)) {
	for {
		select {
		case m := <-s.inbox:
			n, err := conn.WriteMessage(m)
			if errors.Is(err, protocol.ErrRawOnStream) {
				util.LogError("dropping %s: raw Data cannot be framed on %s", m.Type(), conn.RemoteAddr())
				continue
			}
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					util.LogError("failed to send %s to %s: %v", m.Type(), conn.RemoteAddr(), err)
					fail(err)
				}
				return
			}
			util.Stats.AddSent(n)

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues m. It blocks while the inbox is full and gives up when ctx
// is done.
func (s *sender) send(ctx context.Context, m protocol.Message) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- m:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}
