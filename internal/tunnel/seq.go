package tunnel

import "sync/atomic"

// SeqGen mints session sequence numbers. It wraps after 65535, matching the
// two bytes the composite session id reserves for it.
type SeqGen struct {
	val atomic.Uint32
}

// NewSeqGen creates a generator whose first Next returns 1.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next sequence number.
func (s *SeqGen) Next() uint16 {
	return uint16(s.val.Add(1))
}
