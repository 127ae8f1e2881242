package stack

import (
	"time"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/agrinman/btmesh/mesh"
)

// incomingAck is an inbound Ack control PDU, carrying enough of its
// network-header context to validate is_new_ack.
type incomingAck struct {
	payload mesh.AckPayload
	dst     mesh.Address
}

type ackKey struct {
	ivIndex mesh.IVIndex
	seqZero mesh.SeqZero
	src     mesh.UnicastAddress
}

// Segmenter splits outbound upper-transport payloads into segments
// and drives ack-gated retransmission, one goroutine per in-flight
// send. Concurrent sends proceed independently; each is identified to
// the ack-routing table by (iv_index, seq_zero, src).
type Segmenter struct {
	internals *Internals
	outgoing  chan<- OutgoingLowerTransportMessage
	budget    mesh.RetransmitBudget
	log       *logging.Logger

	pending pendingAcks
}

func NewSegmenter(internals *Internals, outgoing chan<- OutgoingLowerTransportMessage, budget mesh.RetransmitBudget, log *logging.Logger) *Segmenter {
	return &Segmenter{
		internals: internals,
		outgoing:  outgoing,
		budget:    budget,
		log:       log,
		pending:   newPendingAcks(),
	}
}

// DeliverAck routes a received Ack control PDU to its matching
// in-flight send, if any. Acks matching no live outbound are
// discarded, per the spec's ordering guarantee.
func (s *Segmenter) DeliverAck(ack mesh.AckPayload, ivIndex mesh.IVIndex, dst mesh.Address) {
	u, ok := dst.AsUnicast()
	if !ok {
		return
	}
	s.pending.deliver(ackKey{ivIndex: ivIndex, seqZero: ack.SeqZero, src: u}, incomingAck{payload: ack, dst: dst})
}

// Send splits msg into segments and returns a channel that receives
// exactly one SendResult once the send completes, is canceled, or
// exhausts its retry budget.
func (s *Segmenter) Send(msg OutgoingUpperTransportMessage) <-chan SendResult {
	resultCh := make(chan SendResult, 1)
	go s.run(msg, resultCh)
	return resultCh
}

func (s *Segmenter) run(msg OutgoingUpperTransportMessage, resultCh chan<- SendResult) {
	segments := splitSegments(msg.UpperPDU, mesh.AccessSegmentSize)
	segN := uint8(len(segments) - 1)
	if len(segments) > 32 {
		resultCh <- SendResult{Err: &SegmentError{Kind: SegmentExhausted}, RoundsUsed: 0}
		return
	}

	aid := uint8(0) // application-key identifier derivation is an external-crypto concern
	if msg.AppKeyIndex != nil {
		aid = uint8(*msg.AppKeyIndex & 0x3F)
	}

	seqAuth := mesh.NewSeqAuth(msg.SeqRange.First, s.internals.IVIndex())
	ttl := s.internals.DefaultTTL()
	if msg.TTL != nil {
		ttl = *msg.TTL
	}

	_, acked := msg.Dst.AsUnicast()
	budget := s.budget.Acked
	if !acked {
		budget = s.budget.Unacked
	}

	corrID := uuid.NewV4()
	s.log.Debugf("segmenter[%s]: sending %d segment(s) to %s, acked=%v, budget=%d", corrID, len(segments), msg.Dst, acked, budget)

	var ackCh chan incomingAck
	key := ackKey{ivIndex: seqAuth.IVIndex, seqZero: seqAuth.SeqZero, src: msg.Src}
	if acked {
		ackCh = make(chan incomingAck, 4)
		s.pending.register(key, ackCh)
		defer s.pending.unregister(key)
	}

	blockAck := mesh.NewBlockAck()
	rounds := 0

	for {
		toSend := segmentsToSend(blockAck, segN, acked)
		if len(toSend) == 0 {
			resultCh <- SendResult{RoundsUsed: rounds}
			return
		}

		for _, i := range toSend {
			seq := msg.SeqRange.First.Add(uint32(i))
			if rounds > 0 {
				seq = s.internals.AllocateSeq()
			}
			s.sendSegment(msg, segments[i], i, segN, seqAuth.SeqZero, aid, seq, seqAuth.IVIndex, ttl)
		}
		rounds++

		if !acked {
			if rounds >= budget {
				resultCh <- SendResult{RoundsUsed: rounds}
				return
			}
			continue
		}

		deadline := time.NewTimer(mesh.RetransmitRoundTimeout(ttl))
	awaitRound:
		for {
			select {
			case ack := <-ackCh:
				isNew, cancel, err := validateAck(ack, seqAuth, segN, msg.Src, blockAck)
				if err != nil {
					s.log.Debugf("segmenter[%s]: discarding ack: %v", corrID, err)
					continue awaitRound
				}
				if cancel {
					deadline.Stop()
					resultCh <- SendResult{Err: &SegmentError{Kind: SegmentCanceled, RoundsUsed: rounds}, RoundsUsed: rounds}
					return
				}
				if isNew {
					blockAck = blockAck.Merge(ack.payload.BlockAck)
				}
				if blockAck.IsComplete(segN) {
					deadline.Stop()
					resultCh <- SendResult{RoundsUsed: rounds}
					return
				}
			case <-deadline.C:
				// rounds includes the initial send; budget counts the
				// retransmission rounds that may follow it.
				if rounds > budget {
					resultCh <- SendResult{Err: &SegmentError{Kind: SegmentExhausted, RoundsUsed: rounds}, RoundsUsed: rounds}
					return
				}
				break awaitRound
			}
		}
	}
}

func (s *Segmenter) sendSegment(msg OutgoingUpperTransportMessage, data []byte, segO, segN uint8, seqZero mesh.SeqZero, aid uint8, seq mesh.SequenceNumber, iv mesh.IVIndex, ttl mesh.TTL) {
	lower := mesh.LowerPDU{
		Kind:    mesh.SegmentedAccess,
		AID:     aid,
		Segment: mesh.SegmentHeader{SeqZero: seqZero, SegO: segO, SegN: segN},
		Payload: data,
	}
	out := OutgoingLowerTransportMessage{
		PDU:         lower,
		Src:         msg.Src,
		Dst:         msg.Dst,
		TTL:         &ttl,
		Seq:         &seq,
		IVIndex:     iv,
		NetKeyIndex: msg.NetKeyIndex,
	}
	select {
	case s.outgoing <- out:
	default:
		s.log.Warningf("segmenter: dropping segment %d/%d to %s, outbound lower-transport queue full", segO, segN, msg.Dst)
	}
}

// validateAck implements is_new_ack in the order the spec names:
// seq_zero, iv_index, block_ack validity, then dst. iv_index is
// already enforced by ack routing — DeliverAck keys pendingAcks
// lookup on it, so a mismatched-iv_index ack never reaches ackCh and
// there is no second check to make here. isNew reports whether a valid
// ack sets at least one bit not already in current.
func validateAck(ack incomingAck, seqAuth mesh.SeqAuth, segN uint8, outgoingSrc mesh.UnicastAddress, current mesh.BlockAck) (isNew bool, canceled bool, err error) {
	if ack.payload.SeqZero != seqAuth.SeqZero {
		return false, false, &ackError{Kind: AckBadSeqZero}
	}
	if ack.payload.BlockAck.Canceled {
		return false, true, nil
	}
	if !ack.payload.BlockAck.ValidFor(segN) {
		return false, false, &ackError{Kind: AckBadBlockAck}
	}
	u, ok := ack.dst.AsUnicast()
	if !ok || u != outgoingSrc {
		return false, false, &ackError{Kind: AckBadDst}
	}
	return current.IsNew(ack.payload.BlockAck), false, nil
}

// segmentsToSend returns the indices still needing transmission this
// round: for unacked sends that is always every segment (fire once
// per round for the full budget); for acked sends it is whatever
// block_ack has not yet confirmed.
func segmentsToSend(ack mesh.BlockAck, segN uint8, acked bool) []uint8 {
	if !acked {
		out := make([]uint8, segN+1)
		for i := range out {
			out[i] = uint8(i)
		}
		return out
	}
	return ack.Missing(segN)
}

func splitSegments(payload []byte, slotSize int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for i := 0; i < len(payload); i += slotSize {
		end := i + slotSize
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[i:end])
	}
	return out
}
