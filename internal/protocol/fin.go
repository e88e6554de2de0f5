package protocol

import "io"

// Fin closes the session identified by its three ids. It has no body.
type Fin struct {
	ControlledID EndpointID
	ControllerID EndpointID
	SessionID    SessionID
	Source       SourceType
}

// NewFin creates a Fin message.
func NewFin(controlledID, controllerID EndpointID, sessionID SessionID, source SourceType) *Fin {
	return &Fin{
		ControlledID: controlledID,
		ControllerID: controllerID,
		SessionID:    sessionID,
		Source:       source,
	}
}

// Type implements Message.
func (*Fin) Type() MessageType { return TypeFin }

// Key returns the session being closed.
func (f *Fin) Key() SessionKey {
	return SessionKey{ControlledID: f.ControlledID, ControllerID: f.ControllerID, SessionID: f.SessionID}
}

// Validate checks the source type.
func (f *Fin) Validate() error {
	if !f.Source.Valid() {
		return ErrInvalidSourceType
	}
	return nil
}

// ReadFin reads a Fin payload from r. The tag byte must already have been
// consumed.
func ReadFin(r io.Reader) (*Fin, error) {
	var buf [FinSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return parseFin(buf[:]), nil
}

// ParseFin decodes a Fin payload from b. Bytes past the fixed 25 are ignored.
func ParseFin(b []byte) (*Fin, error) {
	if len(b) < FinSize {
		return nil, ErrTruncated
	}
	return parseFin(b[:FinSize]), nil
}

func parseFin(b []byte) *Fin {
	f := &Fin{Source: SourceType(b[offSourceType])}
	copy(f.ControlledID[:], b[offControlledID:offControllerID])
	copy(f.ControllerID[:], b[offControllerID:offSessionID])
	copy(f.SessionID[:], b[offSessionID:offSourceType])
	return f
}

// Encode returns the payload without the tag byte.
func (f *Fin) Encode() []byte {
	return f.appendTo(make([]byte, 0, FinSize))
}

// WriteTo writes the payload without the tag byte.
func (f *Fin) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Encode())
	return int64(n), err
}

func (f *Fin) appendTo(dst []byte) []byte {
	dst = append(dst, f.ControlledID[:]...)
	dst = append(dst, f.ControllerID[:]...)
	dst = append(dst, f.SessionID[:]...)
	return append(dst, byte(f.Source))
}
