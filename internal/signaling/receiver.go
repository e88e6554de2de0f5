package signaling

import (
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ctunnel/internal/transport"
)

// receiver applies inbound signaling messages to the peer.
type receiver struct {
	peer   *transport.RTCPeer
	conn   *websocket.Conn
	sender *sender
}

// watch reads until the WebSocket fails or a message cannot be applied.
func (r *receiver) watch() error {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}
		if err := r.apply(msg); err != nil {
			return err
		}
	}
}

func (r *receiver) apply(msg Message) error {
	switch msg.Type {
	case MsgTypeOffer:
		if err := r.peer.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
		}); err != nil {
			return err
		}
		return r.sender.sendAnswer()

	case MsgTypeAnswer:
		return r.peer.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
		})

	case MsgTypeCandidate:
		init, err := parseCandidate(msg)
		if err != nil {
			return err
		}
		return r.peer.AddICECandidate(init)

	default:
		return fmt.Errorf("unknown signaling message type %q", msg.Type)
	}
}
