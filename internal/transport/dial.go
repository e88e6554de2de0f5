package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialTCP opens a raw TCP link to addr.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return NewStreamConn(conn), nil
}

// TCPListener accepts raw TCP links.
type TCPListener struct {
	l net.Listener
}

// ListenTCP starts accepting raw TCP links on addr.
func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &TCPListener{l: l}, nil
}

// Accept waits for the next link. Cancelling ctx closes the listener.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.l.Close() })
	defer stop()

	conn, err := l.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return NewStreamConn(conn), nil
}

// Addr returns the listening address.
func (l *TCPListener) Addr() net.Addr { return l.l.Addr() }

// Close stops the listener.
func (l *TCPListener) Close() error { return l.l.Close() }
