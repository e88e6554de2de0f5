package protocol

import "io"

// Handshake announces the sender's endpoint id to the peer.
type Handshake struct {
	ID EndpointID
}

// NewHandshake creates a Handshake for id.
func NewHandshake(id EndpointID) *Handshake {
	return &Handshake{ID: id}
}

// Type implements Message.
func (*Handshake) Type() MessageType { return TypeHandshake }

// ReadHandshake reads a Handshake payload from r. The tag byte must already
// have been consumed.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	h := &Handshake{}
	if _, err := io.ReadFull(r, h.ID[:]); err != nil {
		return nil, err
	}
	return h, nil
}

// ParseHandshake decodes a Handshake payload from b. Bytes past the id are
// ignored.
func ParseHandshake(b []byte) (*Handshake, error) {
	if len(b) < HandshakeSize {
		return nil, ErrTruncated
	}
	h := &Handshake{}
	copy(h.ID[:], b[:HandshakeSize])
	return h, nil
}

// Encode returns the payload without the tag byte.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	copy(buf, h.ID[:])
	return buf
}

// WriteTo writes the payload without the tag byte.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.ID[:])
	return int64(n), err
}
