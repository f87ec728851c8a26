package typedb

import (
	"github.com/google/uuid"
)

// RequestId correlates a request with its replies on one connection.
// uuid.Nil is reserved for the handshake.
type RequestId = uuid.UUID

// Header is a response header.
type Header struct {
	// RequestId is an id of a corresponding request.
	RequestId RequestId
	// IsFinal is set on the last envelope of a streamed reply.
	IsFinal bool
}

func newRequestId() RequestId {
	return uuid.New()
}
