// Package protocol defines the wire format spoken between a controller and a
// controlled endpoint. Every message is a one-byte type tag followed by a
// payload whose layout depends on the tag:
//
//	tag=1 Handshake    [10 id]
//	tag=2 HandshakeOK  (no payload)
//	tag=3 Data         [10 controlled_id][10 controller_id][4 session_id]
//	                   [1 source_type][6 target_addr][4 data_length][data]
//	tag=3 Data (raw)   [raw bytes]
//	tag=4 Fin          [10 controlled_id][10 controller_id][4 session_id][1 source_type]
//
// All multi-byte integers are big-endian. The codec is stateless and safe for
// concurrent use on independent buffers.
package protocol

import "fmt"

// MessageType is the one-byte tag prefixed to every message on the wire.
type MessageType uint8

// Message type constants.
const (
	TypeHandshake   MessageType = 0x01 // endpoint registration
	TypeHandshakeOK MessageType = 0x02 // handshake accepted
	TypeData        MessageType = 0x03 // session data
	TypeFin         MessageType = 0x04 // session termination
)

// ParseMessageType converts a tag byte into a MessageType. Any byte outside
// 1..4 yields an *UnknownMessageTypeError.
func ParseMessageType(b byte) (MessageType, error) {
	switch MessageType(b) {
	case TypeHandshake:
		return TypeHandshake, nil
	case TypeHandshakeOK:
		return TypeHandshakeOK, nil
	case TypeData:
		return TypeData, nil
	case TypeFin:
		return TypeFin, nil
	default:
		return 0, &UnknownMessageTypeError{Value: b}
	}
}

// Byte returns the wire value of t.
func (t MessageType) Byte() byte { return byte(t) }

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypeHandshakeOK:
		return "HandshakeOK"
	case TypeData:
		return "Data"
	case TypeFin:
		return "Fin"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// SourceType tells which side originated a Data or Fin message.
type SourceType uint8

const (
	SourceController SourceType = 0x01
	SourceControlled SourceType = 0x02
)

// Valid reports whether s is one of the two assigned source values.
func (s SourceType) Valid() bool {
	return s == SourceController || s == SourceControlled
}

func (s SourceType) String() string {
	switch s {
	case SourceController:
		return "controller"
	case SourceControlled:
		return "controlled"
	default:
		return fmt.Sprintf("SourceType(%d)", uint8(s))
	}
}

// Field widths in bytes.
const (
	TagSize        = 1
	IDSize         = 10
	SessionIDSize  = 4
	SourceTypeSize = 1
	TargetAddrSize = 6
	DataLengthSize = 4
	CompositeSize  = IDSize + 4
)

// Field offsets within a Data or Fin payload (tag byte excluded). Both the
// stream reader and the slice parser use this table.
const (
	offControlledID = 0
	offControllerID = offControlledID + IDSize
	offSessionID    = offControllerID + IDSize
	offSourceType   = offSessionID + SessionIDSize
	offTargetAddr   = offSourceType + SourceTypeSize
	offDataLength   = offTargetAddr + TargetAddrSize
	offData         = offDataLength + DataLengthSize
)

// Payload sizes.
const (
	HandshakeSize  = IDSize        // 10
	FinSize        = offTargetAddr // 25
	DataHeaderSize = offData       // 35
)

// Message is implemented by every decoded wire message.
type Message interface {
	Type() MessageType
}

// HandshakeOK acknowledges a Handshake. It carries no payload.
type HandshakeOK struct{}

// Type implements Message.
func (*HandshakeOK) Type() MessageType { return TypeHandshakeOK }

// DataShape selects how a Data frame is interpreted on a message-oriented
// link. Both ends must agree on it; nothing on the wire distinguishes the two.
type DataShape uint8

const (
	// DataHeadered frames carry the full routing header.
	DataHeadered DataShape = iota
	// DataRaw frames carry only the tag and the payload bytes.
	DataRaw
)

func (s DataShape) String() string {
	if s == DataRaw {
		return "raw"
	}
	return "headered"
}
