package stack

import "github.com/agrinman/btmesh/mesh"

// Config bundles the tunables a Stack is built from: profile-defined
// timeouts plus the queue capacities the concurrency model depends
// on. Tests shrink Timeouts to keep the per-scenario wall-clock
// short; production code uses mesh.DefaultTimeouts.
type Config struct {
	Timeouts         mesh.Timeouts
	RetransmitBudget mesh.RetransmitBudget
	ReplayCacheSize  int
	// OutboundQueueCapacity bounds the lower-transport queue between
	// the segmenter/reassembler ack path and the encrypt-and-fan-out
	// pump.
	OutboundQueueCapacity int
}

// DefaultConfig matches the Bluetooth Mesh profile's own defaults.
func DefaultConfig() Config {
	return Config{
		Timeouts:              mesh.DefaultTimeouts(),
		RetransmitBudget:      mesh.DefaultRetransmitBudget(),
		ReplayCacheSize:       defaultReplayCacheSize,
		OutboundQueueCapacity: 32,
	}
}
