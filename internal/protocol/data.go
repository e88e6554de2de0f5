package protocol

import (
	"encoding/binary"
	"io"
)

// Data carries session bytes together with the routing header. The
// data_length field is never stored: it is always len(Payload).
type Data struct {
	ControlledID EndpointID
	ControllerID EndpointID
	SessionID    SessionID
	Source       SourceType
	Target       TargetAddr // meaningful on the first Data of a session only
	Payload      []byte
}

// NewData creates a headered Data message. The payload is not copied; the
// message takes ownership of it.
func NewData(controlledID, controllerID EndpointID, sessionID SessionID, source SourceType, target TargetAddr, payload []byte) *Data {
	return &Data{
		ControlledID: controlledID,
		ControllerID: controllerID,
		SessionID:    sessionID,
		Source:       source,
		Target:       target,
		Payload:      payload,
	}
}

// Type implements Message.
func (*Data) Type() MessageType { return TypeData }

// DataLength is the value written to the data_length field.
func (d *Data) DataLength() uint32 {
	return uint32(len(d.Payload))
}

// Key returns the session the message belongs to.
func (d *Data) Key() SessionKey {
	return SessionKey{ControlledID: d.ControlledID, ControllerID: d.ControllerID, SessionID: d.SessionID}
}

// Validate checks the fields the wire format cannot express as types.
func (d *Data) Validate() error {
	if !d.Source.Valid() {
		return ErrInvalidSourceType
	}
	return nil
}

// Limits bounds the allocation a stream decoder performs for a declared
// data_length.
type Limits struct {
	MaxDataLength uint32
}

// DefaultLimits returns the limits used by ReadData and ReadMessage.
func DefaultLimits() Limits {
	return Limits{MaxDataLength: 16 * 1024 * 1024}
}

// ReadData reads a headered Data payload from r with DefaultLimits. The tag
// byte must already have been consumed. Read errors are returned unchanged.
func ReadData(r io.Reader) (*Data, error) {
	return ReadDataLimit(r, DefaultLimits())
}

// ReadDataLimit is ReadData with an explicit body limit.
func ReadDataLimit(r io.Reader, limits Limits) (*Data, error) {
	var head [DataHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	d, length := parseDataHeader(head[:])
	if limits.MaxDataLength > 0 && length > limits.MaxDataLength {
		return nil, ErrPayloadTooLarge
	}
	d.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, d.Payload); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseData decodes a headered Data payload from a buffer holding exactly one
// message. The payload is copied out of b.
func ParseData(b []byte) (*Data, error) {
	if len(b) < DataHeaderSize {
		return nil, ErrTruncated
	}
	d, length := parseDataHeader(b[:DataHeaderSize])
	body := b[DataHeaderSize:]
	if uint64(len(body)) < uint64(length) {
		return nil, &lengthError{declared: length, available: len(body)}
	}
	if uint64(len(body)) > uint64(length) {
		return nil, ErrLengthMismatch
	}
	d.Payload = make([]byte, length)
	copy(d.Payload, body)
	return d, nil
}

// parseDataHeader decodes the fixed header. head must be DataHeaderSize bytes.
func parseDataHeader(head []byte) (*Data, uint32) {
	d := &Data{Source: SourceType(head[offSourceType])}
	copy(d.ControlledID[:], head[offControlledID:offControllerID])
	copy(d.ControllerID[:], head[offControllerID:offSessionID])
	copy(d.SessionID[:], head[offSessionID:offSourceType])
	copy(d.Target[:], head[offTargetAddr:offDataLength])
	return d, binary.BigEndian.Uint32(head[offDataLength:offData])
}

// Encode returns the headered payload without the tag byte.
func (d *Data) Encode() []byte {
	buf := d.appendHeader(make([]byte, 0, DataHeaderSize+len(d.Payload)))
	return append(buf, d.Payload...)
}

// WriteTo writes the headered payload without the tag byte.
func (d *Data) WriteTo(w io.Writer) (int64, error) {
	head := d.appendHeader(make([]byte, 0, DataHeaderSize))
	n, err := w.Write(head)
	if err != nil || len(d.Payload) == 0 {
		return int64(n), err
	}
	m, err := w.Write(d.Payload)
	return int64(n + m), err
}

func (d *Data) appendHeader(dst []byte) []byte {
	dst = append(dst, d.ControlledID[:]...)
	dst = append(dst, d.ControllerID[:]...)
	dst = append(dst, d.SessionID[:]...)
	dst = append(dst, byte(d.Source))
	dst = append(dst, d.Target[:]...)
	return binary.BigEndian.AppendUint32(dst, d.DataLength())
}

// RawData is the header-less form of a Data message: the tag followed by the
// payload. The session it belongs to is known to both ends out of band, so it
// is only valid on links configured for DataRaw.
type RawData struct {
	Payload []byte
}

// Type implements Message.
func (*RawData) Type() MessageType { return TypeData }

// ParseRawData copies b into a RawData message.
func ParseRawData(b []byte) *RawData {
	payload := make([]byte, len(b))
	copy(payload, b)
	return &RawData{Payload: payload}
}
