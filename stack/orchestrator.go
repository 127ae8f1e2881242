package stack

import (
	"sync"

	"github.com/op/go-logging"

	"github.com/agrinman/btmesh/internal/meshcrypto"
	"github.com/agrinman/btmesh/mesh"
)

// Stack owns every core component and the bearer registrations: the
// inbound queue, the replay cache, the reassembler, the segmenter,
// and the output fan-out set.
type Stack struct {
	log *logging.Logger
	cfg Config

	internals   *Internals
	replay      *ReplayCache
	reassembler *Reassembler
	segmenter   *Segmenter
	access      AccessLayer

	inbound       *unboundedQueue
	outboundLower chan OutgoingLowerTransportMessage

	outputsMu sync.RWMutex
	outputs   []OutputInterface
}

// NewStack wires the components together. internals must already
// hold at least one network key for any PDU to ever decrypt.
func NewStack(internals *Internals, access AccessLayer, cfg Config, log *logging.Logger) *Stack {
	s := &Stack{
		log:           log,
		cfg:           cfg,
		internals:     internals,
		replay:        NewReplayCache(cfg.ReplayCacheSize),
		access:        access,
		inbound:       newUnboundedQueue(),
		outboundLower: make(chan OutgoingLowerTransportMessage, cfg.OutboundQueueCapacity),
	}
	s.reassembler = NewReassembler(internals, s.outboundLower, access, cfg.Timeouts, log)
	s.segmenter = NewSegmenter(internals, s.outboundLower, cfg.RetransmitBudget, log)
	return s
}

// RegisterInputInterface starts iface with a sink backed by the
// stack's inbound queue. The sink is safe to call from any task.
func (s *Stack) RegisterInputInterface(iface InputInterface) error {
	return iface.Start(s.inbound.Push)
}

// RegisterOutputInterface adds iface to the outbound fan-out set.
func (s *Stack) RegisterOutputInterface(iface OutputInterface) {
	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()
	s.outputs = append(s.outputs, iface)
}

// Send hands msg to the outbound segmenter and returns a channel
// delivering the eventual SendResult.
func (s *Stack) Send(msg OutgoingUpperTransportMessage) <-chan SendResult {
	return s.segmenter.Send(msg)
}

// Run drains the inbound queue until Close is called, dispatching
// each encrypted PDU through handleEncryptedNetPDU in arrival order.
// It also starts the single outbound pump goroutine and blocks until
// both stop.
func (s *Stack) Run() error {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpOutbound()
	}()

	for {
		pdu, ok := s.inbound.Pop()
		if !ok {
			close(s.outboundLower)
			<-pumpDone
			return ErrQueueClosed
		}
		s.handleEncryptedNetPDU(pdu)
	}
}

// Close stops Run and the outbound pump.
func (s *Stack) Close() {
	s.inbound.Close()
}

// pumpOutbound is the single task that turns lower-transport messages
// (from the segmenter and the reassembler's ack path) into encrypted
// network PDUs and fans them to every output interface.
func (s *Stack) pumpOutbound() {
	for msg := range s.outboundLower {
		key, ok := s.internals.NetKeyByIndex(msg.NetKeyIndex)
		if !ok {
			s.log.Warningf("outbound pump: no network key for index %d, dropping PDU to %s", msg.NetKeyIndex, msg.Dst)
			continue
		}
		seq := msg.Seq
		if seq == nil {
			allocated := s.internals.AllocateSeq()
			seq = &allocated
		}
		ttl := s.internals.DefaultTTL()
		if msg.TTL != nil {
			ttl = *msg.TTL
		}
		header := mesh.NetworkHeader{
			CTL: !msg.PDU.Kind.IsAccess(),
			TTL: ttl,
			Seq: *seq,
			Src: msg.Src,
			Dst: msg.Dst,
		}
		lowerBytes := mesh.EncodeLowerPDU(msg.PDU)
		encrypted, err := meshcrypto.Encrypt(header, lowerBytes, key, msg.IVIndex)
		if err != nil {
			s.log.Warningf("outbound pump: encrypt failed for PDU to %s: %v", msg.Dst, err)
			continue
		}
		s.sendToOutputs(OutgoingEncryptedNetworkPDU{EncryptedPDU: encrypted})
	}
}

// sendToOutputs fans pdu to every registered output interface. An
// individual interface's error is logged and does not stop the
// others; an error is returned only when every interface failed. With
// no interfaces registered it returns nil.
func (s *Stack) sendToOutputs(pdu OutgoingEncryptedNetworkPDU) error {
	s.outputsMu.RLock()
	outputs := make([]OutputInterface, len(s.outputs))
	copy(outputs, s.outputs)
	s.outputsMu.RUnlock()

	if len(outputs) == 0 {
		return nil
	}
	failures := 0
	for _, out := range outputs {
		if err := out.Send(pdu); err != nil {
			s.log.Debugf("output interface failed: %v", err)
			failures++
		}
	}
	if failures == len(outputs) {
		return errAllOutputsFailed
	}
	return nil
}
