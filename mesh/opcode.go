package mesh

// ControlOpcode identifies an unsegmented or segmented lower-transport
// control message.
type ControlOpcode uint8

const (
	OpcodeAck               ControlOpcode = 0x00
	OpcodeFriendPoll        ControlOpcode = 0x01
	OpcodeFriendUpdate      ControlOpcode = 0x02
	OpcodeFriendRequest     ControlOpcode = 0x03
	OpcodeFriendOffer       ControlOpcode = 0x04
	OpcodeFriendClear       ControlOpcode = 0x05
	OpcodeFriendClearConfirm ControlOpcode = 0x06
	OpcodeHeartbeat         ControlOpcode = 0x0A
)
