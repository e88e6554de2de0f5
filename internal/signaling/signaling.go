package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ctunnel/internal/transport"
	"github.com/1ureka/ctunnel/internal/util"
)

// EstablishAsControlled waits for one controller on srv and runs the
// offering side of the exchange:
//  1. Accept the controller's WebSocket
//  2. Create the RTCPeer
//  3. Send the Offer and trickle ICE candidates
//  4. Wait for the DataChannel to open
//  5. Close the WebSocket and return the ready peer
func EstablishAsControlled(ctx context.Context, srv *transport.WSServer, stun []string) (*transport.RTCPeer, error) {
	wsConn, err := srv.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for controller: %w", err)
	}
	defer wsConn.Close()
	util.LogDebug("signaling: controller connected from %s", wsConn.RemoteAddr())

	return exchange(ctx, wsConn, stun, true)
}

// EstablishAsController dials the controlled end's signaling endpoint and
// runs the answering side of the exchange.
func EstablishAsController(ctx context.Context, wsURL, pin string, stun []string) (*transport.RTCPeer, error) {
	wsConn, err := transport.DialWS(ctx, wsURL, pin)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("signaling: connected to %s", wsURL)

	return exchange(ctx, wsConn, stun, false)
}

// exchange wires a fresh RTCPeer to the WebSocket and blocks until the
// DataChannel opens, the WebSocket fails or ctx is cancelled.
func exchange(ctx context.Context, wsConn *websocket.Conn, stun []string, offer bool) (*transport.RTCPeer, error) {
	peer, err := transport.NewRTCPeer(ctx, stun)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	s := &sender{peer: peer, conn: wsConn}
	r := &receiver{peer: peer, conn: wsConn, sender: s}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		msg, err := candidateMessage(c)
		if err != nil {
			return
		}
		// The WebSocket may already be closed once the channel opens.
		_ = s.sendCandidate(msg)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when wsConn is closed by the caller
	}()

	if offer {
		if err := s.sendOffer(); err != nil {
			peer.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-peer.Ready():
		util.LogDebug("signaling: DataChannel established, closing WS")
		return peer, nil

	case err := <-errCh:
		// The peer may have opened just as the WebSocket went away.
		select {
		case <-peer.Ready():
			return peer, nil
		default:
		}
		peer.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-peer.Done():
		peer.Close()
		return nil, fmt.Errorf("signaling failed: peer connection closed")

	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}
