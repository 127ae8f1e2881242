package stack

import (
	"github.com/agrinman/btmesh/mesh"
)

// IncomingEncryptedNetworkPDU is what a bearer input sink hands to the
// stack's inbound queue. Push is expected to be non-blocking; the
// queue is unbounded so a slow orchestrator never backs up the radio.
type IncomingEncryptedNetworkPDU struct {
	EncryptedPDU []byte
	RSSI         *int8
	DontRelay    bool
}

// TransmitParameters is opaque to the core; bearers interpret it (e.g.
// advertising interval/count).
type TransmitParameters struct {
	Count    uint8
	Interval uint16
}

// OutgoingEncryptedNetworkPDU is fanned out to every registered output
// interface.
type OutgoingEncryptedNetworkPDU struct {
	EncryptedPDU       []byte
	TransmitParameters TransmitParameters
}

// IncomingTransportPDU is delivered upstream on successful reassembly
// or unsegmented-access receipt.
type IncomingTransportPDU struct {
	UpperPDU    []byte
	IVIndex     mesh.IVIndex
	Seq         mesh.SequenceNumber
	Src         mesh.UnicastAddress
	Dst         mesh.Address
	NetKeyIndex mesh.NetKeyIndex
	TTL         *mesh.TTL
	RSSI        *int8
}

// AccessLayer receives completed transport PDUs. It is supplied by the
// caller at construction; the core never assumes a particular
// dispatch implementation.
type AccessLayer interface {
	DeliverTransportPDU(IncomingTransportPDU)
}

// SeqRange is a contiguous run of sequence numbers reserved for one
// outbound message's segments.
type SeqRange struct {
	First mesh.SequenceNumber
	Count uint32
}

// OutgoingUpperTransportMessage is an access-layer down-call.
type OutgoingUpperTransportMessage struct {
	UpperPDU    []byte
	Src         mesh.UnicastAddress
	Dst         mesh.Address
	TTL         *mesh.TTL
	NetKeyIndex mesh.NetKeyIndex
	AppKeyIndex *mesh.AppKeyIndex
	SeqRange    SeqRange
}

// OutgoingLowerTransportMessage moves from the segmenter (or the
// reassembler's ack path) to the outbound pump, which assigns a
// sequence number if none is set, encrypts, and fans out.
type OutgoingLowerTransportMessage struct {
	PDU         mesh.LowerPDU
	Src         mesh.UnicastAddress
	Dst         mesh.Address
	TTL         *mesh.TTL
	Seq         *mesh.SequenceNumber
	IVIndex     mesh.IVIndex
	NetKeyIndex mesh.NetKeyIndex
}

// SendResult is delivered on the channel returned by Stack.Send.
type SendResult struct {
	Err        error
	RoundsUsed int
}
