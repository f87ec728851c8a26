package typedb

const (
	packetLengthBytes = 5
	packetHeaderCode  = 0xce
	requestIdBytes    = 16
)

// Envelope map keys.
const (
	KeyRequestId = 0x00
	KeyPayload   = 0x01
	KeyError     = 0x02
	KeyIsFinal   = 0x03
)

// Envelope error map keys.
const (
	KeyErrorCode    = 0x00
	KeyErrorMessage = 0x01
)

const (
	RLimitDrop = 1
	RLimitWait = 2
)
