package mesh

import (
	"encoding/binary"
	"fmt"
)

// AckPayload is the control-opcode-Ack payload: which segmented
// message it acknowledges and which segments have arrived (or a
// cancel marker). Carried as the Payload of an UnsegmentedControl
// LowerPDU with Opcode == OpcodeAck.
type AckPayload struct {
	OBO      bool // on-behalf-of; always false in this core
	SeqZero  SeqZero
	BlockAck BlockAck
}

// EncodeAck renders an AckPayload to its 6 control-message bytes: a
// 2-byte {obo, seq_zero, cancel} header (not the exact SIG
// bit-packing, as in wire.go; the cancel marker is the low bit of the
// second byte) followed by the 4-byte block-ack bitmap.
func EncodeAck(a AckPayload) []byte {
	out := make([]byte, 6)
	out[0] = byte(a.SeqZero >> 6 & 0x7F)
	if a.OBO {
		out[0] |= 0x80
	}
	out[1] = byte(a.SeqZero&0x3F) << 2
	if a.BlockAck.Canceled {
		out[1] |= 0x01
	}
	binary.BigEndian.PutUint32(out[2:6], a.BlockAck.Bits)
	return out
}

// DecodeAck parses bytes produced by EncodeAck.
func DecodeAck(b []byte) (AckPayload, error) {
	if len(b) < 6 {
		return AckPayload{}, fmt.Errorf("mesh: truncated ack payload (%d bytes)", len(b))
	}
	seqZero := SeqZero(uint16(b[0]&0x7F)<<6 | uint16(b[1]>>2&0x3F))
	canceled := b[1]&0x01 != 0
	bits := binary.BigEndian.Uint32(b[2:6])
	return AckPayload{
		OBO:      b[0]&0x80 != 0,
		SeqZero:  seqZero,
		BlockAck: BlockAck{Bits: bits, Canceled: canceled},
	}, nil
}
