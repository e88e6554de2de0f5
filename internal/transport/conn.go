package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/ctunnel/internal/protocol"
)

// Conn is one end of a link carrying whole frames. ReadMessage and
// WriteMessage report the number of wire bytes consumed or produced.
//
// A Conn supports one concurrent reader and one concurrent writer.
type Conn interface {
	ReadMessage(shape protocol.DataShape) (protocol.Message, int, error)
	WriteMessage(m protocol.Message) (int, error)
	Close() error
	RemoteAddr() string
}

// encodeFrame renders m with the per-type frame builders.
func encodeFrame(m protocol.Message) ([]byte, error) {
	switch msg := m.(type) {
	case *protocol.Handshake:
		return protocol.BuildHandshakeRequest(msg.ID), nil
	case *protocol.HandshakeOK:
		return protocol.BuildHandshakeOKResponse(), nil
	case *protocol.Data:
		return protocol.BuildDataFrame(msg), nil
	case *protocol.RawData:
		return protocol.BuildDataResponse(msg.Payload), nil
	case *protocol.Fin:
		return protocol.BuildFinResponse(msg.ControlledID, msg.ControllerID, msg.SessionID, msg.Source), nil
	default:
		return nil, fmt.Errorf("transport: cannot encode %T", m)
	}
}

// droppable reports whether a decode error only spoils the frame it came
// from. Anything else leaves the link in an unknown state.
func droppable(err error) bool {
	return errors.Is(err, protocol.ErrTruncated) || errors.Is(err, protocol.ErrLengthMismatch)
}

// ---------------------------------------------------------------------------
// Byte stream
// ---------------------------------------------------------------------------

// streamConn frames messages over a byte stream using the tag-then-payload
// decoders, which cap a Data payload at protocol.DefaultLimits. Only the
// headered Data form can be delimited on a stream, so the shape argument is
// ignored on read and RawData is rejected on write.
type streamConn struct {
	conn net.Conn
	r    *countingReader

	wmu sync.Mutex
}

// NewStreamConn wraps a connected byte stream.
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{
		conn: conn,
		r:    &countingReader{r: bufio.NewReaderSize(conn, 64*1024)},
	}
}

func (c *streamConn) ReadMessage(protocol.DataShape) (protocol.Message, int, error) {
	before := c.r.n
	m, err := protocol.ReadMessage(c.r)
	return m, int(c.r.n - before), err
}

func (c *streamConn) WriteMessage(m protocol.Message) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	w := &countingWriter{w: c.conn}
	err := protocol.WriteMessage(w, m)
	return int(w.n), err
}

func (c *streamConn) Close() error       { return c.conn.Close() }
func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
