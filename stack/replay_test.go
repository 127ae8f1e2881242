package stack

import (
	"testing"

	"github.com/agrinman/btmesh/mesh"
)

func TestReplayCacheFirstSightAlwaysFresh(t *testing.T) {
	c := NewReplayCache(16)
	seqIsOld, seqZeroIsOld := c.Check(0x0002, 0x000010, false, nil)
	if seqIsOld || seqZeroIsOld {
		t.Fatal("first sight of a source must never be reported as old")
	}
}

func TestReplayCacheRejectsDuplicateSeq(t *testing.T) {
	c := NewReplayCache(16)
	c.Check(0x0002, 0x000010, false, nil)

	seqIsOld, _ := c.Check(0x0002, 0x000010, false, nil)
	if !seqIsOld {
		t.Fatal("exact duplicate seq must be rejected")
	}

	seqIsOld, _ = c.Check(0x0002, 0x00000F, false, nil)
	if !seqIsOld {
		t.Fatal("seq below last_seq must be rejected")
	}
}

func TestReplayCacheAcceptsAdvancingSeq(t *testing.T) {
	c := NewReplayCache(16)
	c.Check(0x0002, 0x000010, false, nil)

	seqIsOld, _ := c.Check(0x0002, 0x000011, false, nil)
	if seqIsOld {
		t.Fatal("advancing seq must be accepted")
	}
}

func TestReplayCacheNewerIVIndexResets(t *testing.T) {
	c := NewReplayCache(16)
	c.Check(0x0002, 0x000010, false, nil)

	seqIsOld, _ := c.Check(0x0002, 0x000001, true, nil)
	if seqIsOld {
		t.Fatal("a new IV-index must reset the replay window, even for a smaller seq")
	}
}

func TestReplayCacheSeqZeroIsOldOncePerMessage(t *testing.T) {
	c := NewReplayCache(16)
	sz := mesh.SeqZero(0x0100)

	_, seqZeroIsOld := c.Check(0x0005, 0x000001, false, &sz)
	if seqZeroIsOld {
		t.Fatal("first segment of a new message must not be seq_zero_is_old")
	}

	_, seqZeroIsOld = c.Check(0x0005, 0x000002, false, &sz)
	if !seqZeroIsOld {
		t.Fatal("a second segment sharing seq_zero must be reported seq_zero_is_old")
	}
}
