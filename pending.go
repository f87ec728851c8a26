package typedb

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// abandonedCallsSize bounds the number of remembered ids of calls that were
// given up locally, so that their late replies can be told apart from
// replies to ids that were never sent.
const abandonedCallsSize = 4096

type callKind int

const (
	callSingle callKind = iota
	callStreamed
)

func (k callKind) String() string {
	if k == callStreamed {
		return "streamed"
	}
	return "single"
}

// pendingCall is an entry of the pending-call table.
type pendingCall struct {
	id       RequestId
	kind     callKind
	fut      *Future
	stream   *ResponseStream
	deadline time.Time
	// limited is set when the call holds a rate limit slot.
	limited bool
	// registered is set once the call has been added to a table.
	registered bool
}

func newPendingCall(kind callKind) *pendingCall {
	call := &pendingCall{kind: kind}
	switch kind {
	case callSingle:
		call.fut = NewFuture()
	case callStreamed:
		call.stream = newResponseStream()
	}
	return call
}

func (call *pendingCall) setId(id RequestId) {
	call.id = id
	if call.fut != nil {
		call.fut.requestId = id
	}
	if call.stream != nil {
		call.stream.requestId = id
	}
}

func (call *pendingCall) done() <-chan struct{} {
	if call.kind == callStreamed {
		return call.stream.done
	}
	return call.fut.ready
}

func (call *pendingCall) fail(err error) {
	if call.kind == callStreamed {
		call.stream.finish(err)
	} else {
		call.fut.SetError(err)
	}
}

// callTable maps request ids to the calls waiting for replies.
//
// A call is removed exactly once: by its reply, by its cancellation or by a
// drain on connection close. Whoever removes a call resolves it.
type callTable struct {
	mutex     sync.Mutex
	calls     map[RequestId]*pendingCall
	abandoned *lru.Cache
	closed    bool
	closeErr  error
}

func newCallTable() *callTable {
	abandoned, err := lru.New(abandonedCallsSize)
	if err != nil {
		panic(err)
	}
	return &callTable{
		calls:     make(map[RequestId]*pendingCall),
		abandoned: abandoned,
	}
}

// add registers a call. It fails with the drain reason on a drained table
// and refuses an id that is already pending.
func (t *callTable) add(call *pendingCall) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return t.closeErr
	}
	if _, ok := t.calls[call.id]; ok {
		return fmt.Errorf("request id %s is already pending", call.id)
	}
	t.calls[call.id] = call
	call.registered = true
	pendingCalls.Inc()
	return nil
}

func (t *callTable) closedNow() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.closed
}

// get returns a pending call without removing it. A positive timeout moves
// the call deadline.
func (t *callTable) get(id RequestId, timeout time.Duration) (*pendingCall, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	call, ok := t.calls[id]
	if ok && timeout > 0 {
		call.deadline = time.Now().Add(timeout)
	}
	return call, ok
}

// remove removes a pending call and returns it, or nil if it is not
// pending.
func (t *callTable) remove(id RequestId) *pendingCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return call
}

// abandon removes a pending call that is given up locally. Replies that
// arrive for it later are dropped by forget.
func (t *callTable) abandon(id RequestId) *pendingCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	t.abandoned.Add(id, call.kind)
	return call
}

// forget reports whether id belongs to an abandoned call. The id is
// forgotten after the last reply the call could receive.
func (t *callTable) forget(id RequestId, last bool) bool {
	v, ok := t.abandoned.Get(id)
	if !ok {
		return false
	}
	if kind := v.(callKind); kind == callSingle || last {
		t.abandoned.Remove(id)
	}
	return true
}

// expired removes and returns calls with a deadline before now.
func (t *callTable) expired(now time.Time) []*pendingCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var calls []*pendingCall
	for id, call := range t.calls {
		if !call.deadline.IsZero() && call.deadline.Before(now) {
			delete(t.calls, id)
			t.abandoned.Add(id, call.kind)
			calls = append(calls, call)
		}
	}
	return calls
}

// drain closes the table and returns all pending calls. Every following
// add fails with err.
func (t *callTable) drain(err error) []*pendingCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.closed {
		t.closed = true
		t.closeErr = err
	}
	calls := make([]*pendingCall, 0, len(t.calls))
	for id, call := range t.calls {
		delete(t.calls, id)
		calls = append(calls, call)
	}
	return calls
}

func (t *callTable) len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.calls)
}
