package protocol

import "fmt"

// Login server opcodes.
const (
	OpHeartBeatNot        uint16 = 0x0000 // keepalive, both directions
	OpAcceptConnectionNot uint16 = 0x0001 // server -> client: new SPI and keys
	OpVerifyAccountReq    uint16 = 0x0002 // client -> server: credentials
	OpVerifyAccountAck    uint16 = 0x0003 // server -> client: verification result
	OpWaitTimeNot         uint16 = 0x0005 // server -> client: queue position
)

var opcodeNames = map[uint16]string{
	OpHeartBeatNot:        "EVENT_HEART_BIT_NOT",
	OpAcceptConnectionNot: "EVENT_ACCEPT_CONNECTION_NOT",
	OpVerifyAccountReq:    "ENU_VERIFY_ACCOUNT_REQ",
	OpVerifyAccountAck:    "ENU_VERIFY_ACCOUNT_ACK",
	OpWaitTimeNot:         "ENU_WAIT_TIME_NOT",
}

// OpcodeName returns the protocol name of op, or a hex placeholder.
func OpcodeName(op uint16) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%04X", op)
}
