// Package signaling runs the WebRTC offer/answer and ICE exchange over a
// WebSocket and hands back a connected transport.RTCPeer.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// candidateMessage wraps a gathered local candidate.
func candidateMessage(c *webrtc.ICECandidate) (Message, error) {
	data, err := candidateJSON(c.ToJSON())
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgTypeCandidate, Candidate: data}, nil
}

func candidateJSON(init webrtc.ICECandidateInit) (string, error) {
	data, err := json.Marshal(init)
	return string(data), err
}

// parseCandidate decodes the candidate carried by msg.
func parseCandidate(msg Message) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
		return init, fmt.Errorf("failed to parse ICE candidate: %w", err)
	}
	return init, nil
}
