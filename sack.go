package rudp

import "encoding/binary"

// Block is a selective-acknowledgement range [Start, End) of octets buffered
// out of order above the receiver's expected sequence number.
type Block struct {
	Start Value
	End   Value
}

// sizeSACKBlock is the wire size of one encoded block: two 32-bit big-endian integers.
const sizeSACKBlock = 8

// AppendBlocks encodes blocks into dst in the ACK payload wire form: a single
// count byte followed by (start, end) pairs of 32-bit big-endian integers.
// At most MaxSACKBlocks blocks are encoded; excess blocks are ignored.
func AppendBlocks(dst []byte, blocks []Block) []byte {
	if len(blocks) > MaxSACKBlocks {
		blocks = blocks[:MaxSACKBlocks]
	}
	dst = append(dst, byte(len(blocks)))
	for _, b := range blocks {
		dst = binary.BigEndian.AppendUint32(dst, uint32(b.Start))
		dst = binary.BigEndian.AppendUint32(dst, uint32(b.End))
	}
	return dst
}

// ParseBlocks decodes the selective-acknowledgement blocks of an ACK payload.
// An empty payload decodes as no blocks.
func ParseBlocks(payload []byte) ([]Block, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	n := int(payload[0])
	if n > MaxSACKBlocks || len(payload[1:]) < n*sizeSACKBlock {
		return nil, ErrShortBuffer
	}
	blocks := make([]Block, n)
	for i := range blocks {
		off := 1 + i*sizeSACKBlock
		blocks[i] = Block{
			Start: Value(binary.BigEndian.Uint32(payload[off:])),
			End:   Value(binary.BigEndian.Uint32(payload[off+4:])),
		}
	}
	return blocks, nil
}
