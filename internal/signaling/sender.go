package signaling

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ctunnel/internal/transport"
)

// jsonWriter is the write half of the signaling WebSocket.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// sender serializes outgoing signaling messages. Local ICE candidates are
// held back until this side's offer or answer is on the wire, so the remote
// end never sees a candidate before it has a description to attach it to.
type sender struct {
	peer *transport.RTCPeer
	conn jsonWriter

	mu        sync.Mutex
	described bool
	pending   []Message
}

// sendCandidate writes msg, or queues it while no description has been sent.
func (s *sender) sendCandidate(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.described {
		s.pending = append(s.pending, msg)
		return nil
	}
	return s.conn.WriteJSON(msg)
}

// sendDescription writes an offer or answer, then flushes queued candidates.
func (s *sender) sendDescription(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteJSON(msg); err != nil {
		return err
	}
	s.described = true

	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		if err := s.conn.WriteJSON(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *sender) sendOffer() error {
	offer, err := s.peer.CreateOffer()
	if err != nil {
		return err
	}
	return s.describe(offer, MsgTypeOffer)
}

func (s *sender) sendAnswer() error {
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return err
	}
	return s.describe(answer, MsgTypeAnswer)
}

// describe installs sdp locally, which starts candidate gathering, and sends it.
func (s *sender) describe(sdp webrtc.SessionDescription, typ MessageType) error {
	if err := s.peer.SetLocalDescription(sdp); err != nil {
		return err
	}
	return s.sendDescription(Message{Type: typ, SDP: sdp.SDP})
}
