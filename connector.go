package typedb

import (
	"context"
	"time"
)

// Doer is an interface that performs requests asynchronously.
type Doer interface {
	// Do performs a request asynchronously.
	Do(req Request) *Future
}

// Connector is a channel requests are sent through, a plain Connection or
// a Transaction.
type Connector interface {
	Doer
	Close() error
}

// Caller waits for replies. Connection implements it.
type Caller interface {
	Connector
	Call(ctx context.Context, req Request) (*Response, error)
	CallStreamed(ctx context.Context, req Request) *ResponseStream
	ConnectedNow() bool
	ConfiguredTimeout() time.Duration
}

var (
	_ Caller    = (*Connection)(nil)
	_ Connector = (*Transaction)(nil)
)
