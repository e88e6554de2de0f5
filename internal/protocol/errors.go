package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated          = errors.New("protocol: truncated message")
	ErrLengthMismatch     = errors.New("protocol: data length mismatch")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
	ErrInvalidSourceType  = errors.New("protocol: invalid source type")
	ErrInvalidTarget      = errors.New("protocol: invalid target address")
	ErrRawOnStream        = errors.New("protocol: raw data cannot be written to a stream")
)

// UnknownMessageTypeError reports a tag byte outside the assigned range.
type UnknownMessageTypeError struct {
	Value byte
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %d", e.Value)
}

func (e *UnknownMessageTypeError) Is(target error) bool {
	return target == ErrUnknownMessageType
}

// lengthError is returned when a Data message declares more body bytes than
// the buffer holds. It matches both ErrTruncated and ErrLengthMismatch.
type lengthError struct {
	declared  uint32
	available int
}

func (e *lengthError) Error() string {
	return fmt.Sprintf("protocol: data length %d exceeds %d available bytes", e.declared, e.available)
}

func (e *lengthError) Is(target error) bool {
	return target == ErrTruncated || target == ErrLengthMismatch
}
