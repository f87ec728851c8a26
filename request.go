package typedb

import (
	"context"
)

// Request is an interface that provides the necessary data to create a
// request envelope.
type Request interface {
	// Payload returns an opaque body of the request.
	Payload() ([]byte, error)
	// Ctx returns a context of the request.
	Ctx() context.Context
}

type baseRequest struct {
	ctx context.Context
}

// Ctx returns a context of the request.
func (req *baseRequest) Ctx() context.Context {
	return req.ctx
}

// RawRequest sends an already encoded payload.
type RawRequest struct {
	baseRequest
	payload []byte
}

// NewRawRequest returns a new empty RawRequest.
func NewRawRequest(payload []byte) *RawRequest {
	if payload == nil {
		payload = []byte{}
	}
	return &RawRequest{payload: payload}
}

// Payload returns the payload as is.
func (req *RawRequest) Payload() ([]byte, error) {
	return req.payload, nil
}

// Context sets a passed context to the request.
//
// Pay attention that when using context with request objects,
// the timeout option for Connection does not affect the lifetime
// of the request. For those purposes use context.WithTimeout() as
// the root context.
func (req *RawRequest) Context(ctx context.Context) *RawRequest {
	req.ctx = ctx
	return req
}

// MsgpackRequest encodes an arbitrary value with msgpack on send.
type MsgpackRequest struct {
	baseRequest
	value interface{}
}

// NewMsgpackRequest returns a new MsgpackRequest for the value.
func NewMsgpackRequest(value interface{}) *MsgpackRequest {
	return &MsgpackRequest{value: value}
}

// Payload encodes the value.
func (req *MsgpackRequest) Payload() ([]byte, error) {
	return MarshalPayload(req.value)
}

// Context sets a passed context to the request.
func (req *MsgpackRequest) Context(ctx context.Context) *MsgpackRequest {
	req.ctx = ctx
	return req
}
