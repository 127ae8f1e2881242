package stack

import (
	"testing"
	"time"

	"github.com/agrinman/btmesh/mesh"
)

func newTestSegmenter(t *testing.T) (*Segmenter, *Internals, chan OutgoingLowerTransportMessage) {
	t.Helper()
	internals := NewInternals(0x0001, 1, 5, true, 0, 1000, nil)
	outgoing := make(chan OutgoingLowerTransportMessage, 32)
	budget := mesh.RetransmitBudget{Acked: 4, Unacked: 1}
	s := NewSegmenter(internals, outgoing, budget, testLogger())
	return s, internals, outgoing
}

func drainSegments(t *testing.T, outgoing chan OutgoingLowerTransportMessage, expect int) map[uint8]OutgoingLowerTransportMessage {
	t.Helper()
	got := make(map[uint8]OutgoingLowerTransportMessage)
	for i := 0; i < expect; i++ {
		select {
		case msg := <-outgoing:
			got[msg.PDU.Segment.SegO] = msg
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for segment %d/%d", i, expect)
		}
	}
	return got
}

func TestSegmenterThreeSegmentAckLoop(t *testing.T) {
	s, internals, outgoing := newTestSegmenter(t)
	src := mesh.UnicastAddress(0x0001)
	dst := mesh.UnicastToAddress(0x0002)

	seqRange := internals.AllocateSeqRange(3)
	msg := OutgoingUpperTransportMessage{
		UpperPDU: bytesOf(0x01, mesh.AccessSegmentSize*3),
		Src:      src,
		Dst:      dst,
		SeqRange: seqRange,
	}
	seqZero := mesh.SeqZeroOf(seqRange.First)

	results := s.Send(msg)

	round1 := drainSegments(t, outgoing, 3)
	if len(round1) != 3 {
		t.Fatalf("round 1: got %d segments, want 3", len(round1))
	}

	s.DeliverAck(mesh.AckPayload{SeqZero: seqZero, BlockAck: mesh.BlockAck{Bits: 0b001}}, 0, mesh.UnicastToAddress(src))

	round2 := drainSegments(t, outgoing, 2)
	for _, segO := range []uint8{1, 2} {
		if _, ok := round2[segO]; !ok {
			t.Fatalf("round 2 missing resend of segment %d", segO)
		}
	}

	s.DeliverAck(mesh.AckPayload{SeqZero: seqZero, BlockAck: mesh.BlockAck{Bits: 0b011}}, 0, mesh.UnicastToAddress(src))

	round3 := drainSegments(t, outgoing, 1)
	if _, ok := round3[2]; !ok {
		t.Fatal("round 3 should resend only segment 2")
	}

	s.DeliverAck(mesh.AckPayload{SeqZero: seqZero, BlockAck: mesh.BlockAck{Bits: 0b111}}, 0, mesh.UnicastToAddress(src))

	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.RoundsUsed != 3 {
			t.Fatalf("rounds_used = %d, want 3", res.RoundsUsed)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not complete")
	}
}

func TestSegmenterDiscardsAckWithWrongSeqZero(t *testing.T) {
	s, internals, outgoing := newTestSegmenter(t)
	src := mesh.UnicastAddress(0x0001)
	dst := mesh.UnicastToAddress(0x0002)

	seqRange := internals.AllocateSeqRange(1)
	msg := OutgoingUpperTransportMessage{UpperPDU: bytesOf(0x01, 4), Src: src, Dst: dst, SeqRange: seqRange}
	results := s.Send(msg)
	drainSegments(t, outgoing, 1)

	wrong := mesh.SeqZeroOf(seqRange.First) + 1
	s.DeliverAck(mesh.AckPayload{SeqZero: wrong, BlockAck: mesh.BlockAck{Bits: 0b1}}, 0, mesh.UnicastToAddress(src))

	select {
	case <-results:
		t.Fatal("a mismatched seq_zero ack must not complete the send")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSegmenterCancelAckAborts(t *testing.T) {
	s, internals, outgoing := newTestSegmenter(t)
	src := mesh.UnicastAddress(0x0001)
	dst := mesh.UnicastToAddress(0x0002)

	seqRange := internals.AllocateSeqRange(1)
	msg := OutgoingUpperTransportMessage{UpperPDU: bytesOf(0x01, 4), Src: src, Dst: dst, SeqRange: seqRange}
	results := s.Send(msg)
	drainSegments(t, outgoing, 1)

	seqZero := mesh.SeqZeroOf(seqRange.First)
	s.DeliverAck(mesh.AckPayload{SeqZero: seqZero, BlockAck: mesh.CancelBlockAck()}, 0, mesh.UnicastToAddress(src))

	select {
	case res := <-results:
		se, ok := res.Err.(*SegmentError)
		if !ok || se.Kind != SegmentCanceled {
			t.Fatalf("expected SegmentCanceled, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not abort on cancel ack")
	}
}
