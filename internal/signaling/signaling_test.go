package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ctunnel/internal/transport"
)

func TestCandidateRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	msg := Message{Type: MsgTypeCandidate}
	raw, err := candidateJSON(init)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg.Candidate = raw

	got, err := parseCandidate(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Candidate != init.Candidate || got.SDPMid == nil || *got.SDPMid != mid {
		t.Fatalf("candidate mismatch: %+v", got)
	}
}

func TestParseCandidateRejectsGarbage(t *testing.T) {
	if _, err := parseCandidate(Message{Type: MsgTypeCandidate, Candidate: "{"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReceiverRejectsUnknownType(t *testing.T) {
	r := &receiver{}
	if err := r.apply(Message{Type: "bye"}); err == nil {
		t.Fatal("expected unknown message type error")
	}
}

func TestEstablishAsControllerWrongPIN(t *testing.T) {
	srv, err := transport.ServeWS("127.0.0.1:0", "9999")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := EstablishAsController(ctx, srv.Addr().String(), "1111", nil); err == nil {
		t.Fatal("expected PIN rejection")
	}
}

func TestEstablishAsControlledCancelled(t *testing.T) {
	srv, err := transport.ServeWS("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := EstablishAsControlled(ctx, srv, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// recordingWriter captures what a sender writes to the WebSocket.
type recordingWriter struct {
	msgs []Message
}

func (w *recordingWriter) WriteJSON(v interface{}) error {
	w.msgs = append(w.msgs, v.(Message))
	return nil
}

func TestSenderHoldsCandidatesUntilDescription(t *testing.T) {
	w := &recordingWriter{}
	s := &sender{conn: w}

	early := Message{Type: MsgTypeCandidate, Candidate: "early"}
	if err := s.sendCandidate(early); err != nil {
		t.Fatalf("queue candidate: %v", err)
	}
	if len(w.msgs) != 0 {
		t.Fatalf("candidate written before any description: %+v", w.msgs)
	}

	answer := Message{Type: MsgTypeAnswer, SDP: "v=0"}
	if err := s.sendDescription(answer); err != nil {
		t.Fatalf("send answer: %v", err)
	}
	late := Message{Type: MsgTypeCandidate, Candidate: "late"}
	if err := s.sendCandidate(late); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	want := []Message{answer, early, late}
	if len(w.msgs) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(w.msgs), len(want), w.msgs)
	}
	for i := range want {
		if w.msgs[i] != want[i] {
			t.Fatalf("message %d: got %+v, want %+v", i, w.msgs[i], want[i])
		}
	}
}
