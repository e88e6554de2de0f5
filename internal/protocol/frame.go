package protocol

import (
	"fmt"
	"io"
)

// ReadMessage reads one tag byte from r and decodes the payload that follows.
// Data read from a stream is always headered: the raw form carries no length
// and cannot be delimited on a byte stream.
func ReadMessage(r io.Reader) (Message, error) {
	var tag [TagSize]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}
	t, err := ParseMessageType(tag[0])
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeHandshake:
		return ReadHandshake(r)
	case TypeHandshakeOK:
		return &HandshakeOK{}, nil
	case TypeData:
		return ReadData(r)
	default:
		return ReadFin(r)
	}
}

// ParseFrame decodes one complete frame (tag byte included) received from a
// message-oriented link. shape selects how a Data frame is interpreted.
func ParseFrame(frame []byte, shape DataShape) (Message, error) {
	if len(frame) < TagSize {
		return nil, ErrTruncated
	}
	t, err := ParseMessageType(frame[0])
	if err != nil {
		return nil, err
	}

	payload := frame[TagSize:]
	switch t {
	case TypeHandshake:
		return ParseHandshake(payload)
	case TypeHandshakeOK:
		return &HandshakeOK{}, nil
	case TypeData:
		if shape == DataRaw {
			return ParseRawData(payload), nil
		}
		return ParseData(payload)
	default:
		return ParseFin(payload)
	}
}

// AppendFrame appends the tag byte and the encoded payload of m to dst.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Handshake:
		dst = append(dst, TypeHandshake.Byte())
		return append(dst, msg.ID[:]...), nil
	case *HandshakeOK:
		return append(dst, TypeHandshakeOK.Byte()), nil
	case *Data:
		dst = append(dst, TypeData.Byte())
		dst = msg.appendHeader(dst)
		return append(dst, msg.Payload...), nil
	case *RawData:
		dst = append(dst, TypeData.Byte())
		return append(dst, msg.Payload...), nil
	case *Fin:
		dst = append(dst, TypeFin.Byte())
		return msg.appendTo(dst), nil
	default:
		return dst, fmt.Errorf("protocol: cannot encode %T", m)
	}
}

// WriteMessage writes m, tag byte first, to a byte stream. A RawData message
// is rejected with ErrRawOnStream.
func WriteMessage(w io.Writer, m Message) error {
	if _, ok := m.(*RawData); ok {
		return ErrRawOnStream
	}
	frame, err := AppendFrame(nil, m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// BuildHandshakeRequest returns a ready-to-send Handshake frame.
func BuildHandshakeRequest(id EndpointID) []byte {
	frame, _ := AppendFrame(make([]byte, 0, TagSize+HandshakeSize), NewHandshake(id))
	return frame
}

// BuildHandshakeOKResponse returns the single HandshakeOK tag byte.
func BuildHandshakeOKResponse() []byte {
	return []byte{TypeHandshakeOK.Byte()}
}

// BuildDataFrame returns the headered Data frame: tag byte followed by the
// full routing header and payload.
func BuildDataFrame(d *Data) []byte {
	frame, _ := AppendFrame(make([]byte, 0, TagSize+DataHeaderSize+len(d.Payload)), d)
	return frame
}

// BuildDataResponse returns the raw Data frame: the Data tag byte followed by
// payload, with NO routing header. It is only meaningful on a link where the
// receiver already knows which session the bytes belong to and parses Data
// frames with DataRaw. Use BuildDataFrame for the headered form.
func BuildDataResponse(payload []byte) []byte {
	frame := make([]byte, 0, TagSize+len(payload))
	frame = append(frame, TypeData.Byte())
	return append(frame, payload...)
}

// BuildFinResponse returns a ready-to-send Fin frame.
func BuildFinResponse(controlledID, controllerID EndpointID, sessionID SessionID, source SourceType) []byte {
	frame, _ := AppendFrame(make([]byte, 0, TagSize+FinSize), NewFin(controlledID, controllerID, sessionID, source))
	return frame
}
