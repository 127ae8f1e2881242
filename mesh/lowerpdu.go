package mesh

import "fmt"

// LowerPDUKind discriminates the closed set of lower-transport PDU
// shapes. A tagged variant is preferred here over an interface
// hierarchy per the small, closed set of cases.
type LowerPDUKind uint8

const (
	UnsegmentedAccess LowerPDUKind = iota
	SegmentedAccess
	UnsegmentedControl
	SegmentedControl
)

func (k LowerPDUKind) IsSegmented() bool {
	return k == SegmentedAccess || k == SegmentedControl
}

func (k LowerPDUKind) IsAccess() bool {
	return k == UnsegmentedAccess || k == SegmentedAccess
}

// SegmentHeader carries the segmentation fields common to both
// segmented access and segmented control PDUs.
type SegmentHeader struct {
	SeqZero SeqZero
	SegO    uint8 // this segment's index
	SegN    uint8 // index of the last segment
}

// AccessSegmentSize and ControlSegmentSize are the fixed per-segment
// payload slot sizes for access and control PDUs respectively, taken
// from the reference PayloadBuf layout.
const (
	AccessSegmentSize  = 12
	ControlSegmentSize = 8
)

// LowerPDU is the decrypted, parsed lower-transport PDU. Exactly the
// fields relevant to Kind are meaningful; callers switch on Kind
// before reading AID/Opcode/Segment.
type LowerPDU struct {
	Kind    LowerPDUKind
	AID     uint8 // application key identifier, UnsegmentedAccess/SegmentedAccess
	Opcode  ControlOpcode
	Segment SegmentHeader
	SZMIC   bool // segmented access only: large MIC in use
	Payload []byte
}

// SeqZero returns the PDU's SeqZero and true if it is segmented, or
// the zero value and false otherwise.
func (p LowerPDU) SeqZero() (SeqZero, bool) {
	if !p.Kind.IsSegmented() {
		return 0, false
	}
	return p.Segment.SeqZero, true
}

func (p LowerPDU) Validate() error {
	if p.Kind.IsSegmented() && p.Segment.SegO > p.Segment.SegN {
		return fmt.Errorf("mesh: seg_o %d exceeds seg_n %d", p.Segment.SegO, p.Segment.SegN)
	}
	if p.Segment.SegN > 31 {
		return fmt.Errorf("mesh: seg_n %d exceeds 31", p.Segment.SegN)
	}
	return nil
}

// SegmentSlotSize returns the per-segment payload capacity for this
// PDU's lower-transport class.
func (k LowerPDUKind) SegmentSlotSize() int {
	if k == SegmentedAccess {
		return AccessSegmentSize
	}
	return ControlSegmentSize
}
