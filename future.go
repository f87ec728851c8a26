package typedb

import (
	"sync"
)

// Future is a handle for asynchronous request.
type Future struct {
	requestId RequestId
	once      sync.Once
	resp      *Response
	err       error
	ready     chan struct{}
}

// NewFuture creates a new empty Future.
func NewFuture() *Future {
	return &Future{ready: make(chan struct{})}
}

// NewErrorFuture returns new set empty Future with filled error field.
func NewErrorFuture(err error) *Future {
	fut := NewFuture()
	fut.SetError(err)
	return fut
}

// RequestId returns an id assigned to the request. It is uuid.Nil for a
// request that has never been sent.
func (fut *Future) RequestId() RequestId {
	return fut.requestId
}

// SetResponse sets a response for the future and finishes the future.
// It reports false if the future has been already finished.
func (fut *Future) SetResponse(resp *Response) bool {
	set := false
	fut.once.Do(func() {
		fut.resp = resp
		close(fut.ready)
		set = true
	})
	return set
}

// SetError sets an error for the future and finishes the future.
// It reports false if the future has been already finished.
func (fut *Future) SetError(err error) bool {
	set := false
	fut.once.Do(func() {
		fut.err = err
		close(fut.ready)
		set = true
	})
	return set
}

// Get waits for Future to be filled and returns Response and error.
//
// "error" could be Error, if it is error returned by a server,
// or ClientError, if something bad happens in a client process.
func (fut *Future) Get() (*Response, error) {
	<-fut.ready
	return fut.resp, fut.err
}

// GetTyped waits for Future and decodes the response payload into result.
func (fut *Future) GetTyped(result interface{}) error {
	resp, err := fut.Get()
	if err != nil {
		return err
	}
	return resp.DecodeTyped(result)
}

// WaitChan returns channel which becomes closed when response arrived or error occured.
func (fut *Future) WaitChan() <-chan struct{} {
	return fut.ready
}

// Err returns error set on Future.
// It waits for future to be set.
// Note: it doesn't decode payload, therefore decoding error are not set here.
func (fut *Future) Err() error {
	<-fut.ready
	return fut.err
}
