package stack

import (
	"github.com/agrinman/btmesh/internal/meshcrypto"
	"github.com/agrinman/btmesh/mesh"
)

// handleEncryptedNetPDU is the network PDU handler: decrypt,
// replay-check, decide relay, dispatch. Every failure here is
// non-fatal — drop silently and move on; nothing surfaces to the
// bearer.
func (s *Stack) handleEncryptedNetPDU(in IncomingEncryptedNetworkPDU) {
	decrypted, err := meshcrypto.Decrypt(in.EncryptedPDU, s.internals.AllNetKeys(), s.internals.IVCandidates())
	if err != nil {
		s.log.Debugf("netpdu: decrypt failed: %v", err)
		return
	}

	lower, err := mesh.DecodeLowerPDU(decrypted.Header.CTL, decrypted.Payload)
	if err != nil {
		s.log.Debugf("netpdu: malformed lower-transport payload from %s: %v", decrypted.Header.Src, err)
		return
	}
	if err := lower.Validate(); err != nil {
		s.log.Debugf("netpdu: rejecting malformed PDU from %s: %v", decrypted.Header.Src, err)
		return
	}

	var seqZeroPtr *mesh.SeqZero
	if sz, ok := lower.SeqZero(); ok {
		seqZeroPtr = &sz
	}
	seqIsOld, seqZeroIsOld := s.replay.Check(decrypted.Header.Src, decrypted.Header.Seq, decrypted.Header.IVI, seqZeroPtr)
	if seqIsOld {
		return
	}

	if !in.DontRelay && decrypted.Header.TTL.ShouldRelay() && s.internals.RelayEnabled() {
		s.relay(decrypted)
	}

	if seqZeroIsOld {
		return
	}

	switch {
	case lower.Kind == mesh.UnsegmentedAccess:
		ttl := decrypted.Header.TTL
		s.access.DeliverTransportPDU(IncomingTransportPDU{
			UpperPDU:    lower.Payload,
			IVIndex:     decrypted.IVIndex,
			Seq:         decrypted.Header.Seq,
			Src:         decrypted.Header.Src,
			Dst:         decrypted.Header.Dst,
			NetKeyIndex: decrypted.NetKeyIndex,
			TTL:         &ttl,
			RSSI:        in.RSSI,
		})

	case lower.Kind == mesh.UnsegmentedControl && lower.Opcode == mesh.OpcodeAck:
		ack, err := mesh.DecodeAck(lower.Payload)
		if err != nil {
			s.log.Debugf("netpdu: malformed ack from %s: %v", decrypted.Header.Src, err)
			return
		}
		s.segmenter.DeliverAck(ack, decrypted.IVIndex, decrypted.Header.Dst)

	case lower.Kind == mesh.UnsegmentedControl:
		s.handleControlOpcode(lower.Opcode, decrypted, lower.Payload)

	case lower.Kind.IsSegmented():
		s.reassembler.FeedSegment(incomingSegment{
			pdu:         lower,
			seq:         decrypted.Header.Seq,
			ivIndex:     decrypted.IVIndex,
			src:         decrypted.Header.Src,
			dst:         decrypted.Header.Dst,
			netKeyIndex: decrypted.NetKeyIndex,
			ttl:         decrypted.Header.TTL,
		})
	}
}

// relay re-encrypts the still-raw lower-transport payload under the
// same network key and the current IV-index with TTL decremented,
// then fans it to every output interface. It runs even when the PDU's
// seq_zero turned out to be stale — a relayed message must keep
// propagating regardless of whether this node has already dispatched
// it upstream.
func (s *Stack) relay(decrypted meshcrypto.Decrypted) {
	key, ok := s.internals.NetKeyByIndex(decrypted.NetKeyIndex)
	if !ok {
		s.log.Debugf("relay: no network key for index %d, dropping", decrypted.NetKeyIndex)
		return
	}
	header := decrypted.Header
	header.TTL = header.TTL.Decremented()

	encrypted, err := meshcrypto.Encrypt(header, decrypted.Payload, key, s.internals.IVIndex())
	if err != nil {
		s.log.Debugf("relay: re-encrypt failed: %v", err)
		return
	}
	if err := s.sendToOutputs(OutgoingEncryptedNetworkPDU{EncryptedPDU: encrypted}); err != nil {
		s.log.Debugf("relay: %v", err)
	}
}
