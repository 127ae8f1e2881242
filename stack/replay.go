package stack

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agrinman/btmesh/mesh"
)

// replayEntry is the per-source high-water mark the cache tracks.
type replayEntry struct {
	lastSeq     mesh.SequenceNumber
	lastIVI     mesh.IVI
	hasSeqZero  bool
	lastSeqZero mesh.SeqZero
}

// ReplayCache tracks the highest seen (sequence, IV-index) per source
// plus the last-dispatched SeqZero, rejecting stale or already-seen
// traffic. Entries are kept in a bounded LRU rather than forever: see
// DESIGN.md for why this bounded departure from "never expires" is
// judged safe.
type ReplayCache struct {
	mu      sync.Mutex
	entries *lru.Cache
}

const defaultReplayCacheSize = 4096

// NewReplayCache builds a cache bounded to size entries (sources).
func NewReplayCache(size int) *ReplayCache {
	if size <= 0 {
		size = defaultReplayCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only errors on size <= 0, already guarded above.
		panic(err)
	}
	return &ReplayCache{entries: c}
}

// Check implements replay_net_check: returns (seqIsOld, seqZeroIsOld).
// seqZero is nil when the PDU carries no segmented-message identity
// (unsegmented PDUs never touch the seq_zero axis).
func (c *ReplayCache) Check(src mesh.UnicastAddress, seq mesh.SequenceNumber, ivi mesh.IVI, seqZero *mesh.SeqZero) (seqIsOld, seqZeroIsOld bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries.Get(src)
	if !ok {
		c.entries.Add(src, c.newEntry(seq, ivi, seqZero))
		return false, false
	}
	e := v.(replayEntry)

	if ivi != e.lastIVI {
		c.entries.Add(src, c.newEntry(seq, ivi, seqZero))
		return false, false
	}

	if seq < e.lastSeq || seq == e.lastSeq {
		return true, false
	}

	e.lastSeq = seq
	if seqZero != nil {
		if e.hasSeqZero && *seqZero == e.lastSeqZero {
			c.entries.Add(src, e)
			return false, true
		}
		e.hasSeqZero = true
		e.lastSeqZero = *seqZero
	}
	c.entries.Add(src, e)
	return false, false
}

func (c *ReplayCache) newEntry(seq mesh.SequenceNumber, ivi mesh.IVI, seqZero *mesh.SeqZero) replayEntry {
	e := replayEntry{lastSeq: seq, lastIVI: ivi}
	if seqZero != nil {
		e.hasSeqZero = true
		e.lastSeqZero = *seqZero
	}
	return e
}
