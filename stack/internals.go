package stack

import (
	"sync"

	"github.com/agrinman/btmesh/internal/meshcrypto"
	"github.com/agrinman/btmesh/mesh"
)

// Internals is the device state the core reads on (almost) every PDU
// and writes rarely: key material, this node's addresses, and the
// relay toggle. Reads vastly dominate writes, so it is guarded by a
// reader-writer lock rather than the replay cache's plain mutex.
type Internals struct {
	mu sync.RWMutex

	primaryUnicast mesh.UnicastAddress
	elementCount   uint8
	defaultTTL     mesh.TTL
	relayEnabled   bool

	ivIndex     mesh.IVIndex
	prevIVIndex mesh.IVIndex
	seq         mesh.SequenceNumber

	netKeys []meshcrypto.NetworkKey
}

// NewInternals constructs the write-locked device state a Stack is
// built from. netKeys must be non-empty for any PDU to ever decrypt.
func NewInternals(primaryUnicast mesh.UnicastAddress, elementCount uint8, defaultTTL mesh.TTL, relayEnabled bool, ivIndex mesh.IVIndex, seq mesh.SequenceNumber, netKeys []meshcrypto.NetworkKey) *Internals {
	return &Internals{
		primaryUnicast: primaryUnicast,
		elementCount:   elementCount,
		defaultTTL:     defaultTTL,
		relayEnabled:   relayEnabled,
		ivIndex:        ivIndex,
		prevIVIndex:    ivIndex,
		seq:            seq,
		netKeys:        netKeys,
	}
}

func (in *Internals) PrimaryUnicast() mesh.UnicastAddress {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.primaryUnicast
}

func (in *Internals) ElementCount() uint8 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.elementCount
}

// OwnsUnicast reports whether addr falls within this node's element
// range, used to pick an ack source address per the "primary element"
// rule.
func (in *Internals) OwnsUnicast(addr mesh.UnicastAddress) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return addr.InRange(in.primaryUnicast, in.elementCount)
}

func (in *Internals) DefaultTTL() mesh.TTL {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.defaultTTL
}

func (in *Internals) RelayEnabled() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.relayEnabled
}

func (in *Internals) SetRelayEnabled(enabled bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.relayEnabled = enabled
}

func (in *Internals) IVIndex() mesh.IVIndex {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ivIndex
}

// CurrentSeq snapshots the next sequence number to be allocated, for
// a caller that wants to persist device state (e.g. on shutdown)
// without racing AllocateSeq.
func (in *Internals) CurrentSeq() mesh.SequenceNumber {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.seq
}

// IVCandidates returns the current and previous IV-index, the two
// epochs a decrypt attempt must try per the handler's step 1.
func (in *Internals) IVCandidates() []mesh.IVIndex {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.prevIVIndex == in.ivIndex {
		return []mesh.IVIndex{in.ivIndex}
	}
	return []mesh.IVIndex{in.ivIndex, in.prevIVIndex}
}

// AdvanceIVIndex bumps the network-wide freshness epoch, keeping the
// previous value as a decrypt candidate for PDUs still in flight.
func (in *Internals) AdvanceIVIndex(next mesh.IVIndex) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.prevIVIndex = in.ivIndex
	in.ivIndex = next
}

// NetKeysByNID returns every candidate network key matching nid; the
// decrypt boundary tries each in turn.
func (in *Internals) NetKeysByNID(nid uint8) []meshcrypto.NetworkKey {
	in.mu.RLock()
	defer in.mu.RUnlock()
	var out []meshcrypto.NetworkKey
	for _, k := range in.netKeys {
		if k.NID == nid {
			out = append(out, k)
		}
	}
	return out
}

func (in *Internals) NetKeyByIndex(idx mesh.NetKeyIndex) (meshcrypto.NetworkKey, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, k := range in.netKeys {
		if k.Index == idx {
			return k, true
		}
	}
	return meshcrypto.NetworkKey{}, false
}

// AllocateSeq hands out the next sequence number for an outbound PDU,
// advancing the node-wide counter.
func (in *Internals) AllocateSeq() mesh.SequenceNumber {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.seq
	in.seq = in.seq.Add(1)
	return s
}

// AllocateSeqRange reserves count consecutive sequence numbers for one
// outbound segmented message.
func (in *Internals) AllocateSeqRange(count uint32) SeqRange {
	in.mu.Lock()
	defer in.mu.Unlock()
	first := in.seq
	in.seq = in.seq.Add(count)
	return SeqRange{First: first, Count: count}
}

// AllNetKeys is used by the decrypt path, which must try every key
// sharing the wire NID regardless of index.
func (in *Internals) AllNetKeys() []meshcrypto.NetworkKey {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]meshcrypto.NetworkKey, len(in.netKeys))
	copy(out, in.netKeys)
	return out
}
