package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// EndpointID identifies a controller or a controlled endpoint. It is an opaque
// token; most deployments fill it with a NUL-padded name.
type EndpointID [IDSize]byte

// EndpointIDFromString pads or truncates s into an EndpointID.
func EndpointIDFromString(s string) EndpointID {
	var id EndpointID
	copy(id[:], PadStringToFixed(s, IDSize))
	return id
}

// String returns the display form of the id.
func (id EndpointID) String() string {
	return BytesToDisplayString(id[:])
}

// IsZero reports whether every byte of id is zero.
func (id EndpointID) IsZero() bool {
	return id == EndpointID{}
}

// SessionID is the per-link session identifier carried by Data and Fin.
type SessionID [SessionIDSize]byte

// SessionIDFromUint32 returns the big-endian encoding of v.
func SessionIDFromUint32(v uint32) SessionID {
	var sid SessionID
	binary.BigEndian.PutUint32(sid[:], v)
	return sid
}

// Uint32 returns sid as a big-endian integer.
func (sid SessionID) Uint32() uint32 {
	return binary.BigEndian.Uint32(sid[:])
}

func (sid SessionID) String() string {
	return hex.EncodeToString(sid[:])
}

// TargetAddr is the IPv4 address and port a new session should connect to.
type TargetAddr [TargetAddrSize]byte

// NewTargetAddr packs an IPv4 address and port. IPv4-mapped IPv6 addresses
// are unmapped; any other IPv6 address is rejected.
func NewTargetAddr(ap netip.AddrPort) (TargetAddr, error) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return TargetAddr{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidTarget, ap)
	}
	var t TargetAddr
	ip := addr.As4()
	copy(t[:4], ip[:])
	binary.BigEndian.PutUint16(t[4:], ap.Port())
	return t, nil
}

// ParseTargetAddr parses "a.b.c.d:port".
func ParseTargetAddr(s string) (TargetAddr, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return TargetAddr{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return NewTargetAddr(ap)
}

// AddrPort unpacks t.
func (t TargetAddr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(t[:4])), binary.BigEndian.Uint16(t[4:]))
}

// IsZero reports whether t carries no address.
func (t TargetAddr) IsZero() bool {
	return t == TargetAddr{}
}

func (t TargetAddr) String() string {
	return t.AddrPort().String()
}

// CompositeSessionID is an endpoint id followed by a sequence number.
//
//	[10 id][2 zero][2 seq]
type CompositeSessionID [CompositeSize]byte

// MakeCompositeSessionID concatenates id with the big-endian encoding of seq,
// right-aligned in the trailing four bytes.
func MakeCompositeSessionID(id EndpointID, seq uint16) CompositeSessionID {
	var c CompositeSessionID
	copy(c[:IDSize], id[:])
	binary.BigEndian.PutUint16(c[CompositeSize-2:], seq)
	return c
}

// SessionID returns the trailing four bytes, which is the wire session id
// minted for this composite.
func (c CompositeSessionID) SessionID() SessionID {
	return SessionID(c[IDSize:])
}

// EndpointID returns the leading ten bytes.
func (c CompositeSessionID) EndpointID() EndpointID {
	return EndpointID(c[:IDSize])
}

func (c CompositeSessionID) String() string {
	return hex.EncodeToString(c[:])
}

// SessionKey identifies one session on a link. It is comparable and meant to
// be used as a map key.
type SessionKey struct {
	ControlledID EndpointID
	ControllerID EndpointID
	SessionID    SessionID
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ControllerID, k.ControlledID, k.SessionID)
}

// BytesToDisplayString decodes b as UTF-8, replacing invalid sequences with
// U+FFFD, and strips the trailing NUL padding.
func BytesToDisplayString(b []byte) string {
	// The decoder substitutes invalid input instead of failing.
	s, _ := unicode.UTF8.NewDecoder().Bytes(b)
	return strings.TrimRight(string(s), "\x00")
}

// PadStringToFixed returns the UTF-8 bytes of s truncated or zero-padded to
// exactly length bytes. Truncation is silent and may split a rune.
func PadStringToFixed(s string, length int) []byte {
	if length <= 0 {
		return []byte{}
	}
	buf := make([]byte, length)
	copy(buf, s)
	return buf
}
