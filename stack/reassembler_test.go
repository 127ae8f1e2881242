package stack

import (
	"testing"
	"time"

	"github.com/op/go-logging"

	"github.com/agrinman/btmesh/mesh"
)

type fakeAccess struct {
	delivered chan IncomingTransportPDU
}

func newFakeAccess() *fakeAccess {
	return &fakeAccess{delivered: make(chan IncomingTransportPDU, 8)}
}

func (a *fakeAccess) DeliverTransportPDU(pdu IncomingTransportPDU) {
	a.delivered <- pdu
}

func testLogger() *logging.Logger {
	return logging.MustGetLogger("btmesh_test")
}

func newTestReassembler(t *testing.T, timeouts mesh.Timeouts) (*Reassembler, *fakeAccess, chan OutgoingLowerTransportMessage) {
	t.Helper()
	internals := NewInternals(0x0001, 1, 5, true, 0, 0, nil)
	outgoing := make(chan OutgoingLowerTransportMessage, 8)
	access := newFakeAccess()
	r := NewReassembler(internals, outgoing, access, timeouts, testLogger())
	return r, access, outgoing
}

func segmentedAccess(seqZero mesh.SeqZero, segO, segN uint8, data []byte) mesh.LowerPDU {
	return mesh.LowerPDU{
		Kind:    mesh.SegmentedAccess,
		Segment: mesh.SegmentHeader{SeqZero: seqZero, SegO: segO, SegN: segN},
		Payload: data,
	}
}

func TestReassemblerTwoSegmentInOrder(t *testing.T) {
	r, access, outgoing := newTestReassembler(t, mesh.DefaultTimeouts())
	src := mesh.UnicastAddress(0x0005)
	dst := mesh.UnicastToAddress(0x0005)

	first := incomingSegment{
		pdu: segmentedAccess(0x0100, 0, 1, bytesOf(0xAA, 12)),
		seq: 0x000100, src: src, dst: dst,
	}
	second := incomingSegment{
		pdu: segmentedAccess(0x0100, 1, 1, bytesOf(0xBB, 4)),
		seq: 0x000101, src: src, dst: dst,
	}

	r.FeedSegment(first)
	r.FeedSegment(second)

	select {
	case pdu := <-access.delivered:
		want := append(bytesOf(0xAA, 12), bytesOf(0xBB, 4)...)
		if string(pdu.UpperPDU) != string(want) {
			t.Fatalf("got %x, want %x", pdu.UpperPDU, want)
		}
	case <-time.After(time.Second):
		t.Fatal("reassembly did not complete")
	}

	select {
	case ack := <-outgoing:
		payload, err := mesh.DecodeAck(ack.PDU.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if payload.BlockAck.Bits != 0b11 {
			t.Fatalf("got block_ack %#b, want 0b11", payload.BlockAck.Bits)
		}
		if ack.Dst.Raw() != uint16(src) {
			t.Fatalf("ack dst = %s, want %s", ack.Dst, src)
		}
	case <-time.After(time.Second):
		t.Fatal("no ack emitted")
	}
}

func TestReassemblerOutOfOrderAndDuplicate(t *testing.T) {
	r, access, outgoing := newTestReassembler(t, mesh.DefaultTimeouts())
	src := mesh.UnicastAddress(0x0005)
	dst := mesh.UnicastToAddress(0x0005)

	// second arrives before first, so the reassembly task is spawned
	// with seg_o=1 as its first-arrived segment: its raw seq (0x101)
	// is one past the message's true seq_zero-bearing seq (0x100).
	second := incomingSegment{pdu: segmentedAccess(0x0100, 1, 1, bytesOf(0xBB, 4)), seq: 0x000101, src: src, dst: dst}
	first := incomingSegment{pdu: segmentedAccess(0x0100, 0, 1, bytesOf(0xAA, 12)), seq: 0x000100, src: src, dst: dst}
	firstAgain := incomingSegment{pdu: segmentedAccess(0x0100, 0, 1, bytesOf(0xAA, 12)), seq: 0x000100, src: src, dst: dst}

	r.FeedSegment(second)
	r.FeedSegment(first)
	r.FeedSegment(firstAgain)

	select {
	case pdu := <-access.delivered:
		want := append(bytesOf(0xAA, 12), bytesOf(0xBB, 4)...)
		if string(pdu.UpperPDU) != string(want) {
			t.Fatalf("got %x, want %x", pdu.UpperPDU, want)
		}
	case <-time.After(time.Second):
		t.Fatal("reassembly did not complete")
	}

	select {
	case ack := <-outgoing:
		payload, err := mesh.DecodeAck(ack.PDU.Payload)
		if err != nil {
			t.Fatal(err)
		}
		// The message's seq_zero is 0x0100, the constant header field
		// on every one of its segments — not 0x0101, which is what
		// deriving seq_zero from the first-arrived segment's raw seq
		// would wrongly produce. A wrong value here is exactly the
		// failure mode that makes the sender's DeliverAck never find
		// this ack's pending send.
		if payload.SeqZero != 0x0100 {
			t.Fatalf("ack seq_zero = %#04x, want %#04x", payload.SeqZero, mesh.SeqZero(0x0100))
		}
	case <-time.After(time.Second):
		t.Fatal("no ack emitted")
	}
}

func TestReassemblerSingleSegmentFinishesImmediately(t *testing.T) {
	r, access, _ := newTestReassembler(t, mesh.DefaultTimeouts())
	src := mesh.UnicastAddress(0x0007)
	dst := mesh.UnicastToAddress(0x0007)

	r.FeedSegment(incomingSegment{pdu: segmentedAccess(0x0200, 0, 0, bytesOf(0xCC, 5)), seq: 1, src: src, dst: dst})

	select {
	case <-access.delivered:
	case <-time.After(time.Second):
		t.Fatal("a seg_n=0 message must finish without waiting for further segments")
	}
}

func TestReassemblerTimeoutSendsCancelAck(t *testing.T) {
	r, _, outgoing := newTestReassembler(t, mesh.Timeouts{ReassemblyIdle: 20 * time.Millisecond, IncompleteTimerFloor: time.Millisecond})
	src := mesh.UnicastAddress(0x0009)
	dst := mesh.UnicastToAddress(0x0009)

	r.FeedSegment(incomingSegment{pdu: segmentedAccess(0x0300, 0, 2, bytesOf(0xDD, 12)), seq: 1, src: src, dst: dst})

	// With IncompleteTimerFloor well under ReassemblyIdle, the task
	// emits one intermediate (non-canceled) ack before the idle
	// timeout finally cancels it; only the last one matters here.
	deadline := time.After(time.Second)
	for {
		select {
		case ack := <-outgoing:
			payload, err := mesh.DecodeAck(ack.PDU.Payload)
			if err != nil {
				t.Fatal(err)
			}
			if payload.BlockAck.Canceled {
				return
			}
		case <-deadline:
			t.Fatal("expected a cancel ack after the idle timeout")
		}
	}
}

func TestReassemblerIncompleteTimerSendsIntermediateAck(t *testing.T) {
	r, _, outgoing := newTestReassembler(t, mesh.Timeouts{ReassemblyIdle: time.Second, IncompleteTimerFloor: 10 * time.Millisecond})
	src := mesh.UnicastAddress(0x000A)
	dst := mesh.UnicastToAddress(0x000A)

	r.FeedSegment(incomingSegment{pdu: segmentedAccess(0x0400, 0, 1, bytesOf(0xEE, 12)), seq: 1, src: src, dst: dst})

	select {
	case ack := <-outgoing:
		payload, err := mesh.DecodeAck(ack.PDU.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if payload.BlockAck.Canceled {
			t.Fatal("intermediate ack must not be a cancel")
		}
		if payload.BlockAck.Bits != 0b01 {
			t.Fatalf("got block_ack %#b, want 0b01 (only segment 0 received)", payload.BlockAck.Bits)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an intermediate ack before the idle timeout")
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
