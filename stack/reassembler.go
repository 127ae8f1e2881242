package stack

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"

	"github.com/agrinman/btmesh/mesh"
)

// inboundSegmentChanCap is the bounded channel capacity between a
// reassembler handle and its task.
const inboundSegmentChanCap = 8

// recentlyCompletedCacheSize bounds the dedup cache of just-finished
// (src, seq_zero) pairs, same size as the teacher's request/ack dedup
// caches in enclave_client.go.
const recentlyCompletedCacheSize = 128

// incomingSegment is one segmented lower-transport PDU handed to the
// reassembler, along with the network-layer context it arrived under.
type incomingSegment struct {
	pdu         mesh.LowerPDU
	seq         mesh.SequenceNumber
	ivIndex     mesh.IVIndex
	src         mesh.UnicastAddress
	dst         mesh.Address
	netKeyIndex mesh.NetKeyIndex
	ttl         mesh.TTL
}

type reassemblerKey struct {
	src     mesh.UnicastAddress
	seqZero mesh.SeqZero
}

// Reassembler keeps one in-flight task per (src, SeqZero) pair,
// feeding each task's private channel as further segments arrive.
type Reassembler struct {
	mu      sync.Mutex
	handles map[reassemblerKey]chan incomingSegment

	// recentlyCompleted remembers messages whose handle already tore
	// down after a full reassembly, so a late duplicate of that
	// message's first segment (the original sender retransmitting
	// before it saw our ack) is dropped instead of spawning a fresh
	// task that would stall forever waiting for segments 2..N that
	// will never come.
	recentlyCompleted *lru.Cache

	internals *Internals
	outgoing  chan<- OutgoingLowerTransportMessage
	access    AccessLayer
	timeouts  mesh.Timeouts
	log       *logging.Logger
}

func NewReassembler(internals *Internals, outgoing chan<- OutgoingLowerTransportMessage, access AccessLayer, timeouts mesh.Timeouts, log *logging.Logger) *Reassembler {
	return &Reassembler{
		handles:           make(map[reassemblerKey]chan incomingSegment),
		recentlyCompleted: lru.New(recentlyCompletedCacheSize),
		internals:         internals,
		outgoing:          outgoing,
		access:            access,
		timeouts:          timeouts,
		log:               log,
	}
}

// FeedSegment routes seg to its in-flight task, spawning a fresh one
// if this is the first segment seen for (src, seq_zero). Push never
// blocks: a full per-task channel drops the segment, which the
// profile's retransmission already accounts for.
func (r *Reassembler) FeedSegment(seg incomingSegment) {
	seqZero, ok := seg.pdu.SeqZero()
	if !ok {
		return
	}
	key := reassemblerKey{src: seg.src, seqZero: seqZero}

	r.mu.Lock()
	if ch, ok := r.handles[key]; ok {
		r.mu.Unlock()
		select {
		case ch <- seg:
		default:
			r.log.Warningf("reassembler: dropping segment for src=%s seq_zero=%#04x, task channel full", seg.src, seqZero)
		}
		return
	}
	if _, ok := r.recentlyCompleted.Get(key); ok {
		r.mu.Unlock()
		r.log.Debugf("reassembler: dropping duplicate first segment for src=%s seq_zero=%#04x, already reassembled", seg.src, seqZero)
		return
	}
	ch := make(chan incomingSegment, inboundSegmentChanCap)
	r.handles[key] = ch
	r.mu.Unlock()

	go r.reassembleSegs(key, seg, ch)
}

func (r *Reassembler) removeHandle(key reassemblerKey) {
	r.mu.Lock()
	delete(r.handles, key)
	r.mu.Unlock()
}

// markCompleted records key in the dedup cache once its reassembly has
// fully succeeded.
func (r *Reassembler) markCompleted(key reassemblerKey) {
	r.mu.Lock()
	r.recentlyCompleted.Add(key, nil)
	r.mu.Unlock()
}

// reassembleSegs is the per-(src, seq_zero) task body. It owns ch for
// its entire lifetime and removes its own handle entry on every exit
// path, so a later segment for the same key always finds the map
// vacant rather than racing a task that already stopped reading.
func (r *Reassembler) reassembleSegs(key reassemblerKey, first incomingSegment, ch chan incomingSegment) {
	defer r.removeHandle(key)

	// first is merely the first-arrived segment; under out-of-order
	// delivery it may carry seg_o > 0. The message's identity is
	// anchored to the true first segment (seg_o == 0), whose sequence
	// number is first.seq with seg_o subtracted back out.
	messageFirstSeq := first.seq.Sub(uint32(first.pdu.Segment.SegO))

	ctx := newReassemblyContext(first.pdu)
	seqAuth := mesh.NewSeqAuth(messageFirstSeq, first.ivIndex)
	ackTTL := ackTTLFor(first.ttl, nil)

	if err := ctx.insert(first.pdu.Segment.SegO, first.pdu.Payload); err != nil {
		r.log.Debugf("reassembler: %v", &ReassemblyError{Kind: ReassemblyInvalidFirstSegment, Src: uint16(first.src), Err: err})
		return
	}

	// idleTimer cancels the reassembly if no segment arrives for a
	// full ReassemblyIdle gap. incompleteTimer fires once per gap, at
	// the shorter IncompleteTimerFloor, to emit an intermediate ack
	// per the profile's "ack no later than the incomplete timer"
	// requirement; it is only re-armed when a real segment arrives, so
	// it cannot itself starve idleTimer by repeatedly resetting.
	idleTimer := time.NewTimer(r.timeouts.ReassemblyIdle)
	incompleteTimer := time.NewTimer(r.timeouts.IncompleteTimerFloor)
	defer idleTimer.Stop()
	defer incompleteTimer.Stop()

	for !ctx.isReady() {
		select {
		case next, ok := <-ch:
			if !ok {
				r.log.Debugf("reassembler: %v", &ReassemblyError{Kind: ReassemblyChannelClosed, Src: uint16(first.src)})
				return
			}
			if !seqAuth.ValidSeq(next.seq) {
				r.log.Debugf("reassembler: %v", &ReassemblyError{Kind: ReassemblyCanceled, Src: uint16(next.src)})
				r.sendAck(key, first, ackTTL, mesh.CancelBlockAck())
				return
			}
			ackTTL = ackTTLFor(next.ttl, ackTTL)
			if err := ctx.insert(next.pdu.Segment.SegO, next.pdu.Payload); err != nil {
				r.log.Debugf("reassembler: %v", &ReassemblyError{Kind: ReassemblyInconsistentData, Src: uint16(next.src), Err: err})
				return
			}
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(r.timeouts.ReassemblyIdle)
			if !incompleteTimer.Stop() {
				// It may already have fired and been consumed by the
				// intermediate-ack case below.
				select {
				case <-incompleteTimer.C:
				default:
				}
			}
			incompleteTimer.Reset(r.timeouts.IncompleteTimerFloor)
		case <-incompleteTimer.C:
			r.log.Debugf("reassembler: incomplete timer fired for src=%s seq_zero=%#04x, sending intermediate ack", first.src, key.seqZero)
			r.sendAck(key, first, ackTTL, ctx.partial())
		case <-idleTimer.C:
			r.log.Debugf("reassembler: %v", &ReassemblyError{Kind: ReassemblyTimeout, Src: uint16(first.src)})
			r.sendAck(key, first, ackTTL, mesh.CancelBlockAck())
			return
		}
	}

	r.markCompleted(key)
	r.access.DeliverTransportPDU(IncomingTransportPDU{
		UpperPDU:    ctx.finish(),
		IVIndex:     first.ivIndex,
		Seq:         messageFirstSeq,
		Src:         first.src,
		Dst:         first.dst,
		NetKeyIndex: first.netKeyIndex,
	})
	r.sendAck(key, first, ackTTL, mesh.FullBlockAck(ctx.segN))
}

// ackTTLFor folds one more received segment's TTL into the running
// ack-TTL decision: TTL 0 (stay local) is sticky once observed.
func ackTTLFor(segTTL mesh.TTL, current *mesh.TTL) *mesh.TTL {
	if current != nil {
		return current
	}
	if segTTL == 0 {
		zero := mesh.TTL(0)
		return &zero
	}
	return nil
}

// sendAck emits an ack for the message identified by key. The ack's
// seq_zero is the message's own constant header field, not derived
// from any particular arrived segment's sequence number — those
// differ from the message's seq_zero whenever the first-arrived
// segment isn't seg_o 0.
func (r *Reassembler) sendAck(key reassemblerKey, first incomingSegment, ackTTL *mesh.TTL, ack mesh.BlockAck) {
	payload := mesh.EncodeAck(mesh.AckPayload{
		OBO:      false,
		SeqZero:  key.seqZero,
		BlockAck: ack,
	})
	msg := OutgoingLowerTransportMessage{
		PDU: mesh.LowerPDU{
			Kind:    mesh.UnsegmentedControl,
			Opcode:  mesh.OpcodeAck,
			Payload: payload,
		},
		Src:         r.ackSourceAddress(first.dst),
		Dst:         mesh.UnicastToAddress(first.src),
		TTL:         ackTTL,
		IVIndex:     first.ivIndex,
		NetKeyIndex: first.netKeyIndex,
	}
	select {
	case r.outgoing <- msg:
	default:
		r.log.Warningf("reassembler: dropping ack to src=%s, outbound lower-transport queue full", first.src)
	}
}

// ackSourceAddress picks the address an ack is sent from: the
// original PDU's destination if it was addressed to us by unicast,
// otherwise our primary element, per the "dst of the original
// segmented PDU if unicast, else primary element" rule.
func (r *Reassembler) ackSourceAddress(originalDst mesh.Address) mesh.UnicastAddress {
	if u, ok := originalDst.AsUnicast(); ok && r.internals.OwnsUnicast(u) {
		return u
	}
	return r.internals.PrimaryUnicast()
}
