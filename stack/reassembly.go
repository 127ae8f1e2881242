package stack

import (
	"bytes"

	"github.com/agrinman/btmesh/mesh"
)

// reassemblyContext accumulates one inbound segmented message's
// payload, one fixed-size slot per segment index, tracking arrival
// via a bitmap.
type reassemblyContext struct {
	kind     mesh.LowerPDUKind
	opcode   mesh.ControlOpcode // meaningful only when kind is a control variant
	aid      uint8              // meaningful only when kind is SegmentedAccess
	szmic    bool
	segN     uint8
	slotSize int
	payload  []byte
	received uint32 // bitmap, bit i set iff segment i has been inserted
	lastLen  int    // data length of segment segN, once it has arrived
}

func newReassemblyContext(first mesh.LowerPDU) *reassemblyContext {
	slot := first.Kind.SegmentSlotSize()
	return &reassemblyContext{
		kind:     first.Kind,
		opcode:   first.Opcode,
		aid:      first.AID,
		szmic:    first.SZMIC,
		segN:     first.Segment.SegN,
		slotSize: slot,
		payload:  make([]byte, slot*(int(first.Segment.SegN)+1)),
	}
}

// isReady reports whether bits 0..=segN are all set (invariant 3).
func (c *reassemblyContext) isReady() bool {
	mask := mesh.FullBlockAck(c.segN).Bits
	return c.received&mask == mask
}

// partial reports which segments have arrived so far, for an
// intermediate ack sent before the message is fully reassembled.
func (c *reassemblyContext) partial() mesh.BlockAck {
	return mesh.BlockAck{Bits: c.received}
}

// insert places segData at index segO, tolerating an identical
// re-delivery of an already-received index. A differing byte at an
// already-received index is reported as inconsistent data.
func (c *reassemblyContext) insert(segO uint8, segData []byte) error {
	if segO > c.segN {
		return &ReassemblyError{Kind: ReassemblyInconsistentData}
	}
	start := int(segO) * c.slotSize
	end := start + c.slotSize
	slot := c.payload[start:end]

	padded := make([]byte, c.slotSize)
	copy(padded, segData)

	if c.received&(uint32(1)<<segO) != 0 {
		if !bytes.Equal(slot, padded) {
			return &ReassemblyError{Kind: ReassemblyInconsistentData}
		}
		return nil
	}
	copy(slot, padded)
	c.received |= uint32(1) << segO
	if segO == c.segN {
		c.lastLen = len(segData)
		if c.lastLen > c.slotSize {
			c.lastLen = c.slotSize
		}
	}
	return nil
}

// finish returns the reassembled upper-transport payload, slots
// concatenated in segment order, ending where the final segment's
// data ends (its slot's padding is not included).
func (c *reassemblyContext) finish() []byte {
	n := int(c.segN)*c.slotSize + c.lastLen
	out := make([]byte, n)
	copy(out, c.payload[:n])
	return out
}
