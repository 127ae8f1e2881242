package stack

import (
	"github.com/agrinman/btmesh/internal/meshcrypto"
	"github.com/agrinman/btmesh/mesh"
)

// handleControlOpcode dispatches an unsegmented control PDU that is
// not an Ack. Friend/heartbeat handling lives above this core (no
// Friend/Low-Power feature here, per scope); these are logged and
// dropped rather than silently ignored so a future access-layer
// collaborator has something to hook into.
func (s *Stack) handleControlOpcode(opcode mesh.ControlOpcode, decrypted meshcrypto.Decrypted, payload []byte) {
	switch opcode {
	case mesh.OpcodeFriendPoll, mesh.OpcodeFriendUpdate, mesh.OpcodeFriendRequest,
		mesh.OpcodeFriendOffer, mesh.OpcodeFriendClear, mesh.OpcodeFriendClearConfirm:
		s.log.Debugf("control: dropping Friend opcode %#02x from %s (Friend feature out of scope)", opcode, decrypted.Header.Src)
	case mesh.OpcodeHeartbeat:
		s.log.Debugf("control: heartbeat from %s (beacon handling out of scope)", decrypted.Header.Src)
	default:
		s.log.Debugf("control: unhandled opcode %#02x from %s, %d byte payload", opcode, decrypted.Header.Src, len(payload))
	}
}
