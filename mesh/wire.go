package mesh

import (
	"encoding/binary"
	"fmt"
)

// EncodeLowerPDU renders a LowerPDU to its lower-transport payload
// bytes. The network header's CTL bit (carried alongside, not inside
// this payload) disambiguates access from control; the leading SEG
// bit of the returned payload disambiguates segmented from
// unsegmented, matching the real profile's layering. Bit offsets
// within the segmentation header are byte-aligned here rather than
// packed to the exact Bluetooth SIG bit layout — a documented
// simplification; see DESIGN.md.
func EncodeLowerPDU(p LowerPDU) []byte {
	switch p.Kind {
	case UnsegmentedAccess:
		out := make([]byte, 1+len(p.Payload))
		out[0] = p.AID & 0x7F
		copy(out[1:], p.Payload)
		return out
	case UnsegmentedControl:
		out := make([]byte, 1+len(p.Payload))
		out[0] = byte(p.Opcode) & 0x7F
		copy(out[1:], p.Payload)
		return out
	case SegmentedAccess, SegmentedControl:
		out := make([]byte, 5+len(p.Payload))
		out[0] = 0x80
		if p.Kind == SegmentedAccess && p.SZMIC {
			out[0] |= 0x40
		}
		if p.Kind == SegmentedControl {
			out[0] |= byte(p.Opcode) & 0x3F
		}
		binary.BigEndian.PutUint16(out[1:3], uint16(p.Segment.SeqZero)&0x1FFF)
		out[3] = p.Segment.SegO & 0x1F
		out[4] = p.Segment.SegN & 0x1F
		copy(out[5:], p.Payload)
		return out
	default:
		return nil
	}
}

// DecodeLowerPDU parses payload (the bytes carried after the network
// header) into a LowerPDU, using ctl (the network header's CTL bit)
// to select the access/control opcode space.
func DecodeLowerPDU(ctl bool, payload []byte) (LowerPDU, error) {
	if len(payload) < 1 {
		return LowerPDU{}, fmt.Errorf("mesh: empty lower-transport payload")
	}
	seg := payload[0]&0x80 != 0
	if !seg {
		if ctl {
			return LowerPDU{
				Kind:    UnsegmentedControl,
				Opcode:  ControlOpcode(payload[0] & 0x7F),
				Payload: payload[1:],
			}, nil
		}
		return LowerPDU{
			Kind:    UnsegmentedAccess,
			AID:     payload[0] & 0x7F,
			Payload: payload[1:],
		}, nil
	}

	if len(payload) < 5 {
		return LowerPDU{}, fmt.Errorf("mesh: truncated segmented lower-transport header")
	}
	seqZero := SeqZero(binary.BigEndian.Uint16(payload[1:3]) & 0x1FFF)
	segO := payload[3] & 0x1F
	segN := payload[4] & 0x1F

	if ctl {
		return LowerPDU{
			Kind:    SegmentedControl,
			Opcode:  ControlOpcode(payload[0] & 0x3F),
			Segment: SegmentHeader{SeqZero: seqZero, SegO: segO, SegN: segN},
			Payload: payload[5:],
		}, nil
	}
	return LowerPDU{
		Kind:    SegmentedAccess,
		SZMIC:   payload[0]&0x40 != 0,
		Segment: SegmentHeader{SeqZero: seqZero, SegO: segO, SegN: segN},
		Payload: payload[5:],
	}, nil
}
