package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ctunnel/internal/protocol"
)

var (
	idA = protocol.EndpointIDFromString("alpha")
	idB = protocol.EndpointIDFromString("bravo")
)

func testData(payload string) *protocol.Data {
	target, _ := protocol.NewTargetAddr(netip.MustParseAddrPort("127.0.0.1:8080"))
	return protocol.NewData(idB, idA, protocol.SessionIDFromUint32(1), protocol.SourceController, target, []byte(payload))
}

// collect starts t's reader and returns the channel it delivers into.
func collect(tr *Transport) <-chan protocol.Message {
	ch := make(chan protocol.Message, 16)
	tr.OnMessage(func(m protocol.Message) { ch <- m })
	return ch
}

func recvMessage(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// tcpPair establishes two Transports over a loopback TCP link.
func tcpPair(t *testing.T, ctx context.Context) (a, b *Transport) {
	t.Helper()

	l, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	type result struct {
		tr  *Transport
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			accepted <- result{err: err}
			return
		}
		tr, err := Establish(ctx, conn, idB, Options{HandshakeTimeout: 5 * time.Second})
		accepted <- result{tr, err}
	}()

	conn, err := DialTCP(ctx, l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a, err = Establish(ctx, conn, idA, Options{HandshakeTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("establish dialer side: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("establish listener side: %v", res.err)
	}
	t.Cleanup(func() {
		a.Close()
		res.tr.Close()
	})
	return a, res.tr
}

func TestEstablishOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := tcpPair(t, ctx)
	if a.Peer() != idB || b.Peer() != idA {
		t.Fatalf("peer ids not exchanged: a sees %s, b sees %s", a.Peer(), b.Peer())
	}

	inbox := collect(b)
	want := testData("over tcp")
	if err := a.Send(want); err != nil {
		t.Fatalf("send data: %v", err)
	}
	fin := protocol.NewFin(idB, idA, want.SessionID, protocol.SourceController)
	if err := a.Send(fin); err != nil {
		t.Fatalf("send fin: %v", err)
	}

	got, ok := recvMessage(t, inbox).(*protocol.Data)
	if !ok {
		t.Fatal("expected Data first")
	}
	if got.Key() != want.Key() || got.Target != want.Target || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("data mismatch: %+v", got)
	}
	gotFin, ok := recvMessage(t, inbox).(*protocol.Fin)
	if !ok || *gotFin != *fin {
		t.Fatalf("fin mismatch: %+v", gotFin)
	}
}

func TestTransportDoneWhenPeerCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := tcpPair(t, ctx)
	collect(b)
	a.Close()

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer transport did not shut down")
	}
	if err := b.Send(testData("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// rawTCPPair returns a stream Conn and the bare socket on the other end.
func rawTCPPair(t *testing.T) (Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		accepted <- c
	}()

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	peer := <-accepted
	if peer == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		c.Close()
		peer.Close()
	})
	return NewStreamConn(c), peer
}

func TestHandshakeRejectsEarlyData(t *testing.T) {
	conn, peer := rawTCPPair(t)
	if err := protocol.WriteMessage(peer, testData("too soon")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Handshake(context.Background(), conn, idA)
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestHandshakeOKBeforeHandshake(t *testing.T) {
	conn, peer := rawTCPPair(t)
	peer.Write(protocol.BuildHandshakeOKResponse())

	_, err := Handshake(context.Background(), conn, idA)
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	conn, _ := rawTCPPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Handshake(ctx, conn, idA)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("handshake did not honor the deadline")
	}
}

func TestHandshakeUnknownTag(t *testing.T) {
	conn, peer := rawTCPPair(t)
	peer.Write([]byte{0x07})

	_, err := Handshake(context.Background(), conn, idA)
	if !errors.Is(err, protocol.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestStreamConnRejectsRaw(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	n, err := NewStreamConn(a).WriteMessage(&protocol.RawData{Payload: []byte("x")})
	if !errors.Is(err, protocol.ErrRawOnStream) || n != 0 {
		t.Fatalf("expected ErrRawOnStream with nothing written, got %d, %v", n, err)
	}
}

func TestEncodeFrameMatchesAppendFrame(t *testing.T) {
	msgs := []protocol.Message{
		protocol.NewHandshake(idA),
		&protocol.HandshakeOK{},
		testData("payload"),
		&protocol.RawData{Payload: []byte("raw")},
		protocol.NewFin(idB, idA, protocol.SessionIDFromUint32(9), protocol.SourceControlled),
	}
	for _, m := range msgs {
		got, err := encodeFrame(m)
		if err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
		want, _ := protocol.AppendFrame(nil, m)
		if !bytes.Equal(got, want) {
			t.Errorf("%T: encodeFrame = %x, AppendFrame = %x", m, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func TestNormalizeWSURL(t *testing.T) {
	testCases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"127.0.0.1:9000", "ws://127.0.0.1:9000/ws", false},
		{"ws://example.com", "ws://example.com/ws", false},
		{"https://example.com/anything", "wss://example.com/ws", false},
		{"wss://example.com:8443/ws", "wss://example.com:8443/ws", false},
		{"ftp://example.com", "", true},
		{"ws://", "", true},
	}

	for _, tc := range testCases {
		got, err := NormalizeWSURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeWSURL(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeWSURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func startWSServer(t *testing.T, pin string) *WSServer {
	t.Helper()
	srv, err := ServeWS("127.0.0.1:0", pin)
	if err != nil {
		t.Fatalf("serve ws: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestWSRejectsWrongPIN(t *testing.T) {
	srv := startWSServer(t, "4321")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := DialWS(ctx, srv.Addr().String(), "0000"); err == nil {
		t.Fatal("expected wrong PIN to be rejected")
	}
}

func TestWSServerAcceptAfterClose(t *testing.T) {
	srv := startWSServer(t, "")
	srv.Close()
	if _, err := srv.Accept(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
}

// wsPeer returns a server-side Transport using shape and the raw client
// socket, already past the Handshake.
func wsPeer(t *testing.T, ctx context.Context, shape protocol.DataShape) (*Transport, *websocket.Conn) {
	t.Helper()
	srv := startWSServer(t, "1234")

	type result struct {
		tr  *Transport
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		ws, err := srv.Accept(ctx)
		if err != nil {
			accepted <- result{err: err}
			return
		}
		tr, err := Establish(ctx, NewWSConn(ws), idB, Options{Shape: shape, HandshakeTimeout: 5 * time.Second})
		accepted <- result{tr, err}
	}()

	client, err := DialWS(ctx, srv.Addr().String(), "1234")
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	peer, err := Handshake(ctx, NewWSConn(client), idA)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if peer != idB {
		t.Fatalf("client sees peer %s", peer)
	}

	res := <-accepted
	if res.err != nil {
		t.Fatalf("server establish: %v", res.err)
	}
	t.Cleanup(func() { res.tr.Close() })
	return res.tr, client
}

func TestWSDropsMalformedThenClosesOnUnknownTag(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr, client := wsPeer(t, ctx, protocol.DataHeadered)
	inbox := collect(tr)

	// Data shorter than its header: dropped, link stays up.
	short := append([]byte{protocol.TypeData.Byte()}, make([]byte, 10)...)
	// Data declaring 100 bytes but carrying 4.
	lying := protocol.BuildDataFrame(testData("four"))
	lying[1+31+3] = 100

	fin := protocol.NewFin(idB, idA, protocol.SessionIDFromUint32(3), protocol.SourceController)
	for _, frame := range [][]byte{short, lying, protocol.BuildFinResponse(fin.ControlledID, fin.ControllerID, fin.SessionID, fin.Source)} {
		if err := client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got, ok := recvMessage(t, inbox).(*protocol.Fin)
	if !ok || *got != *fin {
		t.Fatalf("expected the Fin after the malformed frames, got %+v", got)
	}

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0x42}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("unknown tag did not close the link")
	}
	var unknown *protocol.UnknownMessageTypeError
	if !errors.As(tr.Err(), &unknown) || unknown.Value != 0x42 {
		t.Fatalf("expected UnknownMessageTypeError(0x42), got %v", tr.Err())
	}
}

func TestWSRawShape(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr, client := wsPeer(t, ctx, protocol.DataRaw)
	inbox := collect(tr)

	conn := NewWSConn(client)
	if _, err := conn.WriteMessage(&protocol.RawData{Payload: []byte("raw bytes")}); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if _, err := conn.WriteMessage(&protocol.RawData{}); err != nil {
		t.Fatalf("write empty raw: %v", err)
	}

	got, ok := recvMessage(t, inbox).(*protocol.RawData)
	if !ok || string(got.Payload) != "raw bytes" {
		t.Fatalf("expected raw payload, got %+v", got)
	}
	empty, ok := recvMessage(t, inbox).(*protocol.RawData)
	if !ok || len(empty.Payload) != 0 {
		t.Fatalf("expected empty raw payload, got %+v", empty)
	}

	// Fin keeps its header on a raw link.
	if err := tr.Send(protocol.NewFin(idB, idA, protocol.SessionIDFromUint32(1), protocol.SourceControlled)); err != nil {
		t.Fatalf("send fin: %v", err)
	}
	m, _, err := conn.ReadMessage(protocol.DataRaw)
	if err != nil {
		t.Fatalf("read fin: %v", err)
	}
	if f, ok := m.(*protocol.Fin); !ok || f.Source != protocol.SourceControlled {
		t.Fatalf("expected headered Fin, got %+v", m)
	}
}

// TestWSOversizedFrameClosesLink sends one message past the Data payload
// limit; the reader must give up instead of buffering it.
func TestWSOversizedFrameClosesLink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	tr, client := wsPeer(t, ctx, protocol.DataHeadered)
	collect(tr)

	frame := make([]byte, maxWSFrame+1)
	frame[0] = protocol.TypeData.Byte()
	// The server may close mid-write; the outcome is checked on tr.
	_ = client.WriteMessage(websocket.BinaryMessage, frame)

	select {
	case <-tr.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("oversized frame did not close the link")
	}
	if !errors.Is(tr.Err(), websocket.ErrReadLimit) {
		t.Fatalf("expected ErrReadLimit, got %v", tr.Err())
	}
}
