package rudp

import (
	"encoding/binary"
	"fmt"
)

// Frame encapsulates the raw wire data of a packet and provides methods for
// manipulating, validating and retrieving header fields and payload data.
//
// The fixed header is 32 bytes laid out little-endian with no padding:
//
//	offset  size  field
//	0       4     seq       sender sequence number in octets
//	4       4     ack       next sequence number expected from peer
//	8       1     flags     SYN|ACK|FIN|RST|DATA bitmask
//	9       1     reserved
//	10      2     wnd       advertised receive window in segments
//	12      2     len       payload length, 0..MSS
//	14      4     checksum  CRC-32 over header (field zeroed) + payload
//	18      14    reserved
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame over buf. An error is returned if the buffer
// cannot hold a fixed header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

// Seq returns the sequence number of the first payload octet in this packet.
// If SYN present this is the initial sequence number and the first payload
// octet would be ISN+1.
func (frm Frame) Seq() Value { return Value(binary.LittleEndian.Uint32(frm.buf[0:4])) }

// SetSeq sets the Seq field. See [Frame.Seq].
func (frm Frame) SetSeq(v Value) { binary.LittleEndian.PutUint32(frm.buf[0:4], uint32(v)) }

// Ack is the next sequence number the sender of the packet expects to receive,
// significant when ACK flag set.
func (frm Frame) Ack() Value { return Value(binary.LittleEndian.Uint32(frm.buf[4:8])) }

// SetAck sets the Ack field. See [Frame.Ack].
func (frm Frame) SetAck(v Value) { binary.LittleEndian.PutUint32(frm.buf[4:8], uint32(v)) }

// Flags returns the packet flag bitmask.
func (frm Frame) Flags() Flags { return Flags(frm.buf[8]) }

// SetFlags sets the packet flag bitmask. See [Frame.Flags].
func (frm Frame) SetFlags(flags Flags) { frm.buf[8] = uint8(flags) }

// WindowSize returns the advertised receive window in segments.
func (frm Frame) WindowSize() uint16 { return binary.LittleEndian.Uint16(frm.buf[10:12]) }

// SetWindowSize sets the advertised receive window. See [Frame.WindowSize].
func (frm Frame) SetWindowSize(wnd uint16) { binary.LittleEndian.PutUint16(frm.buf[10:12], wnd) }

// PayloadLength returns the length of the payload in octets.
func (frm Frame) PayloadLength() uint16 { return binary.LittleEndian.Uint16(frm.buf[12:14]) }

// SetPayloadLength sets the payload length field. See [Frame.PayloadLength].
func (frm Frame) SetPayloadLength(length uint16) {
	binary.LittleEndian.PutUint16(frm.buf[12:14], length)
}

// CRC returns the checksum field in the packet header.
func (frm Frame) CRC() uint32 { return binary.LittleEndian.Uint32(frm.buf[14:18]) }

// SetCRC sets the checksum field of the packet header. See [Frame.CRC].
func (frm Frame) SetCRC(checksum uint32) { binary.LittleEndian.PutUint32(frm.buf[14:18], checksum) }

// Payload returns the payload section of the packet as declared by the length
// field. Be sure to call [Frame.ValidateSize] beforehand to avoid panics.
func (frm Frame) Payload() []byte {
	return frm.buf[HeaderSize : HeaderSize+int(frm.PayloadLength())]
}

// ClearHeader zeros out the fixed header contents.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:HeaderSize] {
		frm.buf[i] = 0
	}
}

// CalculateChecksum computes the CRC-32 of the packet: header octets with the
// checksum field zeroed, followed by payload octets. The stored checksum field
// is not modified.
func (frm Frame) CalculateChecksum() uint32 {
	var c CRC32
	c.Write(frm.buf[:14])
	var zeros [4]byte
	c.Write(zeros[:])
	c.Write(frm.buf[18:HeaderSize])
	c.Write(frm.Payload())
	return c.Sum32()
}

// SetChecksum computes the packet checksum and stores it in the header.
func (frm Frame) SetChecksum() {
	frm.SetCRC(frm.CalculateChecksum())
}

// ValidateChecksum recomputes the packet checksum and compares it with the
// stored value. Packets failing validation must be dropped before any
// connection state mutation.
func (frm Frame) ValidateChecksum() bool {
	return frm.CalculateChecksum() == frm.CRC()
}

// ValidateSize checks the frame's length field against the actual buffer size.
// It returns a non-nil error on finding an inconsistency.
func (frm Frame) ValidateSize() error {
	plen := int(frm.PayloadLength())
	if plen > MSS {
		return ErrInvalidLengthField
	}
	if HeaderSize+plen > len(frm.buf) {
		return ErrShortBuffer
	}
	return nil
}

func (frm Frame) String() string {
	return fmt.Sprintf("seq=%d ack=%d %s wnd=%d len=%d crc=0x%08x",
		frm.Seq(), frm.Ack(), frm.Flags().String(), frm.WindowSize(), frm.PayloadLength(), frm.CRC())
}

// newPacket allocates a packet buffer, fills the header and checksums it.
func newPacket(flags Flags, seq, ack Value, wnd uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	frm, _ := NewFrame(buf)
	frm.SetSeq(seq)
	frm.SetAck(ack)
	frm.SetFlags(flags)
	frm.SetWindowSize(wnd)
	frm.SetPayloadLength(uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	frm.SetChecksum()
	return buf
}

// NewSYN returns an encoded SYN packet initiating a connection.
func NewSYN(seq Value, wnd uint16) []byte {
	return newPacket(FlagSYN, seq, 0, wnd, nil)
}

// NewSYNACK returns an encoded SYN+ACK packet answering a connection request.
func NewSYNACK(seq, ack Value, wnd uint16) []byte {
	return newPacket(synack, seq, ack, wnd, nil)
}

// NewACK returns an encoded ACK-only packet. sackPayload may carry encoded
// selective-acknowledgement blocks (see [AppendBlocks]) and may be nil.
// ACK-only packets consume no sequence numbers.
func NewACK(seq, ack Value, wnd uint16, sackPayload []byte) []byte {
	return newPacket(FlagACK, seq, ack, wnd, sackPayload)
}

// NewFIN returns an encoded FIN packet starting connection teardown.
func NewFIN(seq, ack Value, wnd uint16) []byte {
	return newPacket(finack, seq, ack, wnd, nil)
}

// NewRST returns an encoded RST packet aborting the connection.
func NewRST(seq, ack Value) []byte {
	return newPacket(FlagRST, seq, ack, 0, nil)
}

// NewData returns an encoded DATA packet carrying payload. Payloads larger
// than MSS are a programming error and panic.
func NewData(seq, ack Value, wnd uint16, payload []byte) []byte {
	if len(payload) > MSS {
		panic("rudp: payload exceeds MSS")
	}
	return newPacket(dataack, seq, ack, wnd, payload)
}
