package rudp

import "errors"

// Errors shared by the wire layer and the window structures.
var (
	// ErrShortBuffer is returned when a buffer cannot hold a complete header or payload.
	ErrShortBuffer = errors.New("rudp: short buffer")
	// ErrInvalidLengthField is returned when a decoded length field exceeds MSS.
	ErrInvalidLengthField = errors.New("rudp: invalid length field")
	// ErrBadCRC is returned on checksum validation failure.
	ErrBadCRC = errors.New("rudp: incorrect checksum")
	// ErrWindowFull is returned by window Add when at capacity.
	ErrWindowFull = errors.New("rudp: window full")
	// ErrDuplicateSeq is returned by window Add for an already-present sequence number.
	ErrDuplicateSeq = errors.New("rudp: duplicate sequence number")
	// ErrSeqOutOfWindow is returned by receive window Add for a sequence
	// number outside the acceptable range.
	ErrSeqOutOfWindow = errors.New("rudp: sequence number outside window")
)
