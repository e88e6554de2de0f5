package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// WSPath is the HTTP path every ctunnel WebSocket endpoint is served on.
const WSPath = "/ws"

// ErrServerClosed is returned by Accept after Close.
var ErrServerClosed = errors.New("transport: server closed")

// ---------------------------------------------------------------------------
// Framed WebSocket link
// ---------------------------------------------------------------------------

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	conn *websocket.Conn
}

// maxWSFrame is the largest frame a wsConn reads: a full Data header plus the
// payload limit the stream path enforces.
var maxWSFrame = int64(protocol.TagSize + protocol.DataHeaderSize + protocol.DefaultLimits().MaxDataLength)

// NewWSConn wraps an established WebSocket connection. Messages larger than
// one maximal Data frame fail the read and close the link.
func NewWSConn(conn *websocket.Conn) Conn {
	conn.SetReadLimit(maxWSFrame)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage(shape protocol.DataShape) (protocol.Message, int, error) {
	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, 0, err
		}
		if kind != websocket.BinaryMessage {
			util.LogDebug("ignoring non-binary WebSocket message from %s", c.RemoteAddr())
			continue
		}
		m, err := protocol.ParseFrame(frame, shape)
		return m, len(frame), err
	}
}

func (c *wsConn) WriteMessage(m protocol.Message) (int, error) {
	frame, err := encodeFrame(m)
	if err != nil {
		return 0, err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}

func (c *wsConn) Close() error       { return c.conn.Close() }
func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// ---------------------------------------------------------------------------
// Dial
// ---------------------------------------------------------------------------

// NormalizeWSURL validates raw and returns it as a ws(s) URL ending in WSPath.
// A bare host:port becomes ws://host:port/ws.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid WebSocket URL scheme: %s", u.Scheme)
	}
	u.Path = WSPath
	return u.String(), nil
}

// DialWS connects to a ctunnel WebSocket endpoint. pin, when set, is passed
// as the "pin" query parameter.
func DialWS(ctx context.Context, rawURL, pin string) (*websocket.Conn, error) {
	wsURL, err := NormalizeWSURL(rawURL)
	if err != nil {
		return nil, err
	}
	if pin != "" {
		u, _ := url.Parse(wsURL)
		q := u.Query()
		q.Set("pin", pin)
		u.RawQuery = q.Encode()
		wsURL = u.String()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (HTTP %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	return conn, nil
}

// ---------------------------------------------------------------------------
// PIN-guarded server
// ---------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSServer accepts WebSocket connections on WSPath. Requests must carry the
// configured PIN as the "pin" query parameter; an empty PIN disables the check.
type WSServer struct {
	pin      string
	listener net.Listener
	srv      *http.Server
	connCh   chan *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS starts a WSServer listening on addr (":0" picks a free port).
func ServeWS(addr, pin string) (*WSServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	s := &WSServer{
		pin:      pin,
		listener: listener,
		connCh:   make(chan *websocket.Conn),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, s.handleWS)
	s.srv = &http.Server{Handler: mux}

	go func() {
		_ = s.srv.Serve(listener)
	}()

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *WSServer) Addr() net.Addr { return s.listener.Addr() }

// Port returns the TCP port the server is listening on.
func (s *WSServer) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.pin != "" && r.URL.Query().Get("pin") != s.pin {
		util.LogWarning("rejected WebSocket from %s: invalid PIN", r.RemoteAddr)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case s.connCh <- conn:
	case <-s.done:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed"))
		conn.Close()
	}
}

// Accept blocks until a client connects, ctx is cancelled or the server is
// closed.
func (s *WSServer) Accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-s.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener. Connections already accepted are not affected.
func (s *WSServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.srv.Close()
	})
	return err
}
