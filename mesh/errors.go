package mesh

import "fmt"

// ErrQueueClosed names the structural, stack-shutting-down condition;
// everything else per §7 is contained to a single PDU or send and
// never propagates here. stack.Run reports queue closure with its own
// stack.ErrQueueClosed, not with this value.
var ErrQueueClosed = fmt.Errorf("mesh: network PDU queue closed")
