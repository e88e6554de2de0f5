package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/transport"
)

// Compile-time interface check.
var _ Link = (*mockLink)(nil)

// mockLink is one end of an in-process ordered link. Every message is
// encoded to its frame on Send and parsed again with the receiver's shape,
// so both ends see exactly what a message-oriented link would carry.
type mockLink struct {
	self, peer protocol.EndpointID
	shape      protocol.DataShape

	in     chan []byte
	remote *mockLink

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// mockLinks creates a linked pair: a controller end and a controlled end.
func mockLinks(controllerID, controlledID protocol.EndpointID, shape protocol.DataShape) (controller, controlled *mockLink) {
	controller = &mockLink{self: controllerID, peer: controlledID, shape: shape, in: make(chan []byte, 1024), done: make(chan struct{})}
	controlled = &mockLink{self: controlledID, peer: controllerID, shape: shape, in: make(chan []byte, 1024), done: make(chan struct{})}
	controller.remote = controlled
	controlled.remote = controller
	return controller, controlled
}

func (m *mockLink) Self() protocol.EndpointID { return m.self }
func (m *mockLink) Peer() protocol.EndpointID { return m.peer }
func (m *mockLink) Done() <-chan struct{}     { return m.done }

// Close shuts down both ends.
func (m *mockLink) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.remote.closeOnce.Do(func() { close(m.remote.done) })
}

func (m *mockLink) Send(msg protocol.Message) error {
	frame, err := protocol.AppendFrame(nil, msg)
	if err != nil {
		return err
	}
	select {
	case <-m.done:
		return transport.ErrClosed
	default:
	}
	select {
	case m.remote.in <- frame:
		return nil
	case <-m.done:
		return transport.ErrClosed
	}
}

func (m *mockLink) OnMessage(fn func(protocol.Message)) {
	m.startOnce.Do(func() {
		go func() {
			for {
				select {
				case frame := <-m.in:
					msg, err := protocol.ParseFrame(frame, m.shape)
					if err != nil {
						continue
					}
					fn(msg)
				case <-m.done:
					return
				}
			}
		}()
	})
}

// collect starts link's reader and returns the channel it delivers into.
func collect(link *mockLink) <-chan protocol.Message {
	ch := make(chan protocol.Message, 256)
	link.OnMessage(func(m protocol.Message) { ch <- m })
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

func expectNoMessage(t *testing.T, ch <-chan protocol.Message, wait time.Duration) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected %s: %+v", m.Type(), m)
	case <-time.After(wait):
	}
}

// ---------------------------------------------------------------------------
// Local TCP fixtures
// ---------------------------------------------------------------------------

// startEchoServer starts a TCP echo server and returns its address and the
// number of connections it has accepted so far.
func startEchoServer(t *testing.T) (protocol.TargetAddr, *atomic.Int32) {
	t.Helper()
	return startServer(t, func(c net.Conn) { io.Copy(c, c) })
}

// startCloseServer accepts connections and closes them at once.
func startCloseServer(t *testing.T) (protocol.TargetAddr, *atomic.Int32) {
	t.Helper()
	return startServer(t, func(net.Conn) {})
}

func startServer(t *testing.T, handle func(net.Conn)) (protocol.TargetAddr, *atomic.Int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	accepted := &atomic.Int32{}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				handle(c)
			}(conn)
		}
	}()

	target, err := protocol.ParseTargetAddr(l.Addr().String())
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	return target, accepted
}

// closedTarget returns a loopback address nothing listens on.
func closedTarget(t *testing.T) protocol.TargetAddr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target, _ := protocol.ParseTargetAddr(l.Addr().String())
	l.Close()
	return target
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
