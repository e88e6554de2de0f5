package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/ctunnel/internal/protocol"
)

// ErrHandshake reports a peer that broke the Handshake exchange.
var ErrHandshake = errors.New("transport: handshake failed")

// Handshake introduces self to the peer on conn and returns the peer's id.
//
// Both ends send Handshake, answer the peer's Handshake with HandshakeOK and
// finish once the peer's HandshakeOK arrives. Any other message before that
// fails the exchange. If ctx ends first conn is closed.
func Handshake(ctx context.Context, conn Conn, self protocol.EndpointID) (protocol.EndpointID, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	peer, err := handshake(conn, self)
	if !stop() {
		return protocol.EndpointID{}, fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), context.Cause(ctx))
	}
	return peer, err
}

func handshake(conn Conn, self protocol.EndpointID) (protocol.EndpointID, error) {
	var peer protocol.EndpointID

	if _, err := conn.WriteMessage(protocol.NewHandshake(self)); err != nil {
		return peer, fmt.Errorf("send handshake: %w", err)
	}

	gotPeer, gotOK := false, false
	for !gotPeer || !gotOK {
		m, _, err := conn.ReadMessage(protocol.DataHeadered)
		if err != nil {
			return peer, fmt.Errorf("read handshake: %w", err)
		}

		switch msg := m.(type) {
		case *protocol.Handshake:
			if gotPeer {
				return peer, fmt.Errorf("%w: duplicate handshake from %s", ErrHandshake, msg.ID)
			}
			peer, gotPeer = msg.ID, true
			if _, err := conn.WriteMessage(&protocol.HandshakeOK{}); err != nil {
				return peer, fmt.Errorf("send handshake ok: %w", err)
			}
		case *protocol.HandshakeOK:
			if !gotPeer {
				return peer, fmt.Errorf("%w: handshake ok before handshake", ErrHandshake)
			}
			gotOK = true
		default:
			return peer, fmt.Errorf("%w: unexpected %s", ErrHandshake, m.Type())
		}
	}

	return peer, nil
}
