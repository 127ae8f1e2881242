package mesh

import "testing"

func TestEncodeDecodeLowerPDURoundTrip(t *testing.T) {
	cases := []struct {
		name string
		ctl  bool
		pdu  LowerPDU
	}{
		{"unsegmented access", false, LowerPDU{Kind: UnsegmentedAccess, AID: 0x12, Payload: []byte{1, 2, 3}}},
		{"unsegmented control", true, LowerPDU{Kind: UnsegmentedControl, Opcode: OpcodeAck, Payload: []byte{4, 5}}},
		{"segmented access", false, LowerPDU{Kind: SegmentedAccess, SZMIC: true, Segment: SegmentHeader{SeqZero: 0x1234 & seqZeroMask, SegO: 2, SegN: 3}, Payload: bytesFor(0xAA, 12)}},
		{"segmented control", true, LowerPDU{Kind: SegmentedControl, Opcode: 0x0A, Segment: SegmentHeader{SeqZero: 0x0001, SegO: 0, SegN: 1}, Payload: bytesFor(0xBB, 8)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded := EncodeLowerPDU(c.pdu)
			got, err := DecodeLowerPDU(c.ctl, encoded)
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind != c.pdu.Kind {
				t.Fatalf("kind = %v, want %v", got.Kind, c.pdu.Kind)
			}
			if string(got.Payload) != string(c.pdu.Payload) {
				t.Fatalf("payload = %x, want %x", got.Payload, c.pdu.Payload)
			}
			if c.pdu.Kind.IsSegmented() && got.Segment != c.pdu.Segment {
				t.Fatalf("segment header = %+v, want %+v", got.Segment, c.pdu.Segment)
			}
		})
	}
}

func TestDecodeLowerPDURejectsTruncatedSegmentHeader(t *testing.T) {
	if _, err := DecodeLowerPDU(false, []byte{0x80, 0x01}); err == nil {
		t.Fatal("expected an error for a truncated segment header")
	}
}

func bytesFor(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
