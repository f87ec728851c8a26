// Package typedb implements a client connection to a TypeDB server: a
// request multiplexer over one duplex socket and transactions on top of it.
package typedb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// outQueueSize is a capacity of the queue between callers and the writer
// goroutine.
const outQueueSize = 512

// maxIdAttempts bounds id regeneration on a collision with a pending call.
const maxIdAttempts = 3

type connState uint32

const (
	connClosed connState = iota
	connOpening
	connOpen
	connClosing
)

func (s *connState) set(news connState) {
	atomic.StoreUint32((*uint32)(s), uint32(news))
}

func (s *connState) get() connState {
	return connState(atomic.LoadUint32((*uint32)(s)))
}

func (s *connState) String() string {
	switch s.get() {
	case connClosed:
		return "closed"
	case connOpening:
		return "opening"
	case connOpen:
		return "open"
	case connClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnEventKind is a kind of a connection status change.
type ConnEventKind int

const (
	// Connected signals that connection is established.
	Connected ConnEventKind = iota + 1
	// Disconnected signals that connection is broken by a transport or
	// protocol fault.
	Disconnected
	// Closed signals that connection is closed and every pending call is
	// resolved.
	Closed
)

// ConnEvent is sent throw Notify channel specified in Opts.
type ConnEvent struct {
	Conn *Connection
	Kind ConnEventKind
	When time.Time
	Err  error
}

// Opts is a way to configure Connection
type Opts struct {
	// Timeout for response to a particular request. The timeout is reset
	// when a part of a streamed reply is received. If Timeout is zero, any
	// request can be blocked infinitely.
	//
	// Pay attention, when using contexts with request objects,
	// the timeout option for Connection does not affect the lifetime
	// of the request. For those purposes use context.WithTimeout() as
	// the root context.
	Timeout time.Duration
	// RateLimit limits number of 'in-fly' request, i.e. already put into
	// requests queue, but not yet answered by server or timeouted.
	// It is disabled by default.
	// See RLimitAction for possible actions when RateLimit.reached.
	RateLimit uint
	// RLimitAction tells what to do when RateLimit reached:
	//   RLimitDrop - immediately abort request,
	//   RLimitWait - wait until some request is answered or the request
	//                context is done.
	// It is required if RateLimit is specified.
	RLimitAction uint
	// Notify is a channel which receives notifications about Connection status
	// changes.
	Notify chan<- ConnEvent
	// OnClose callbacks are called once after the connection is closed and
	// every pending call is resolved. err is the close reason.
	OnClose []func(conn *Connection, err error)
	// Handle is user specified value, that could be retrivied with
	// Handle() method.
	Handle interface{}
	// Logger is user specified logger used for error messages.
	Logger Logger
	// DialOpts are passed to the Dialer.
	DialOpts DialOpts
}

// Clone returns a copy of the Opts object.
func (opts Opts) Clone() Opts {
	optsCopy := opts
	optsCopy.OnClose = append(([]func(*Connection, error))(nil), opts.OnClose...)
	return optsCopy
}

// Connection is a handle with a single duplex connection to a server.
//
// Any number of goroutines may issue calls concurrently. Each call gets a
// fresh request id and the reader goroutine routes every reply to its call
// by the id, so replies may arrive in any order.
//
// Connection is single-use: Open may succeed at most once and a closed
// connection can not be reopened.
type Connection struct {
	addr   string
	dialer Dialer
	c      Conn
	mutex  sync.Mutex
	state  connState
	opened bool
	closed bool
	reason error

	calls   *callTable
	out     chan []byte
	control chan struct{}
	rlimit  chan struct{}
	opts    Opts
}

// NewConnection creates a closed Connection. Call Open to connect it. A nil
// dialer means NetDialer.
func NewConnection(address string, dialer Dialer, opts Opts) *Connection {
	if dialer == nil {
		dialer = NetDialer{}
	}
	conn := &Connection{
		addr:    address,
		dialer:  dialer,
		calls:   newCallTable(),
		out:     make(chan []byte, outQueueSize),
		control: make(chan struct{}),
		opts:    opts.Clone(),
	}
	if conn.opts.Logger == nil {
		conn.opts.Logger = NewSlogLogger(nil)
	}
	if conn.opts.RateLimit > 0 {
		conn.rlimit = make(chan struct{}, conn.opts.RateLimit)
	}
	return conn
}

// Connect creates a new Connection and opens it.
//
// Address could be specified in following ways:
//
// - TCP connections (tcp://192.168.1.1:1729, tcp://my.host:1729,
// tcp:192.168.1.1:1729, tcp:my.host:1729, 192.168.1.1:1729, my.host:1729)
//
// - Unix socket, first '/' or '.' indicates Unix socket
// (unix:///abs/path/typedb.sock, unix:path/typedb.sock, /abs/path/typedb.sock,
// ./rel/path/typedb.sock, unix/:path/typedb.sock)
func Connect(ctx context.Context, address string, dialer Dialer, opts Opts) (*Connection, error) {
	conn := NewConnection(address, dialer, opts)
	if err := conn.Open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Open dials the server and starts serving calls. A failure is reported as
// ClientError with ErrConnectionError code and leaves the connection
// closed for good.
func (conn *Connection) Open(ctx context.Context) error {
	if conn.opts.RateLimit > 0 &&
		conn.opts.RLimitAction != RLimitDrop && conn.opts.RLimitAction != RLimitWait {
		return errors.New("RLimitAction should be specified to RLimitDrop nor RLimitWait")
	}

	conn.mutex.Lock()
	if conn.closed {
		conn.mutex.Unlock()
		return ClientError{ErrChannelClosed, "using closed connection"}
	}
	if conn.opened {
		conn.mutex.Unlock()
		return ClientError{ErrConnectionError, "connection is already opened"}
	}
	conn.opened = true
	conn.state.set(connOpening)
	conn.mutex.Unlock()

	c, err := conn.dialer.Dial(ctx, conn.addr, conn.opts.DialOpts)
	if err != nil {
		err = ClientError{
			ErrConnectionError,
			fmt.Sprintf("unable to connect to %s: %s", conn.addr, err),
		}
		conn.opts.Logger.Report(ConnectionFailedEvent{
			baseEvent: newBaseEvent(conn.addr),
			Error:     err,
		}, conn)
		conn.shutdown(err)
		return err
	}

	conn.mutex.Lock()
	if conn.closed {
		reason := conn.reason
		conn.mutex.Unlock()
		c.Close()
		return reason
	}
	conn.c = c
	conn.state.set(connOpen)
	conn.mutex.Unlock()

	go conn.writer(c)
	go conn.reader(c)
	if conn.opts.Timeout > 0 {
		go conn.timeouts()
	}

	conn.opts.Logger.Report(ConnectedEvent{baseEvent: newBaseEvent(conn.addr)}, conn)
	conn.notify(Connected, nil)
	return nil
}

// ConnectedNow reports if connection is established at the moment.
func (conn *Connection) ConnectedNow() bool {
	return conn.state.get() == connOpen
}

// ClosedNow reports if connection is closed.
func (conn *Connection) ClosedNow() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.closed
}

// CloseReason returns an error the connection has been closed with, or nil
// for a connection that is not closed.
func (conn *Connection) CloseReason() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.reason
}

// Close closes Connection. Every pending call is resolved with ClientError
// with ErrChannelClosed code. It is safe to call Close more than once.
// After this method called, there is no way to reopen this Connection.
func (conn *Connection) Close() error {
	return conn.shutdown(ClientError{ErrChannelClosed, "connection closed by client"})
}

// CloseWithError closes Connection resolving every pending call with err.
func (conn *Connection) CloseWithError(err error) error {
	return conn.shutdown(err)
}

// Addr returns a configured address of the server.
func (conn *Connection) Addr() string {
	return conn.addr
}

// RemoteAddr returns an address of the server socket.
func (conn *Connection) RemoteAddr() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.c == nil || conn.c.RemoteAddr() == nil {
		return ""
	}
	return conn.c.RemoteAddr().String()
}

// LocalAddr returns an address of outgoing socket.
func (conn *Connection) LocalAddr() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.c == nil || conn.c.LocalAddr() == nil {
		return ""
	}
	return conn.c.LocalAddr().String()
}

// Handle returns a user-specified handle from Opts.
func (conn *Connection) Handle() interface{} {
	return conn.opts.Handle
}

// ConfiguredTimeout returns a timeout from connection config.
func (conn *Connection) ConfiguredTimeout() time.Duration {
	return conn.opts.Timeout
}

// Do performs a request asynchronously on the connection. The request
// context, if any, cancels the call.
func (conn *Connection) Do(req Request) *Future {
	return conn.send(req.Ctx(), req, callSingle).fut
}

// Call performs a request and waits for its reply.
//
// A server error reported for the request is returned as Error and the
// connection stays usable.
func (conn *Connection) Call(ctx context.Context, req Request) (*Response, error) {
	return conn.send(ctx, req, callSingle).fut.Get()
}

// DoStreamed performs a request which reply is a sequence of parts.
func (conn *Connection) DoStreamed(req Request) *ResponseStream {
	return conn.send(req.Ctx(), req, callStreamed).stream
}

// CallStreamed performs a request which reply is a sequence of parts. ctx
// cancels the whole call.
func (conn *Connection) CallStreamed(ctx context.Context, req Request) *ResponseStream {
	return conn.send(ctx, req, callStreamed).stream
}

func (conn *Connection) send(ctx context.Context, req Request, kind callKind) *pendingCall {
	call := newPendingCall(kind)

	if ctx != nil {
		select {
		case <-ctx.Done():
			conn.failLocal(call, fmt.Errorf("context is done: %w", ctx.Err()))
			return call
		default:
		}
	}

	if conn.rlimit != nil {
		if err := conn.acquire(ctx); err != nil {
			conn.failLocal(call, err)
			return call
		}
		call.limited = true
	}

	switch conn.state.get() {
	case connOpen:
	case connOpening:
		conn.failLocal(call, ClientError{ErrConnectionNotReady, "client connection is not ready"})
		return call
	default:
		conn.failLocal(call, conn.closedError())
		return call
	}

	payload, err := req.Payload()
	if err != nil {
		conn.failLocal(call, fmt.Errorf("payload error: %w", err))
		return call
	}
	if payload == nil {
		payload = []byte{}
	}
	if conn.opts.Timeout > 0 {
		call.deadline = time.Now().Add(conn.opts.Timeout)
	}

	for attempt := 0; ; attempt++ {
		call.setId(newRequestId())
		if err = conn.calls.add(call); err == nil {
			break
		}
		if conn.calls.closedNow() || attempt+1 >= maxIdAttempts {
			conn.failLocal(call, err)
			return call
		}
	}
	callsTotal.WithLabelValues(kind.String()).Inc()

	packet, err := EncodeEnvelope(Envelope{RequestId: call.id, Payload: payload})
	if err != nil {
		if conn.calls.remove(call.id) == call {
			call.fail(fmt.Errorf("pack error: %w", err))
			conn.release(call)
		}
		return call
	}

	select {
	case conn.out <- packet:
	case <-conn.control:
		// The call has been drained by shutdown.
		return call
	}

	if ctx != nil && ctx.Done() != nil {
		go conn.contextWatchdog(call, ctx)
	}
	return call
}

// failLocal resolves a call that has never been registered.
func (conn *Connection) failLocal(call *pendingCall, err error) {
	call.fail(err)
	countFailure(err)
	conn.release(call)
}

func (conn *Connection) acquire(ctx context.Context) error {
	switch conn.opts.RLimitAction {
	case RLimitDrop:
		select {
		case conn.rlimit <- struct{}{}:
			return nil
		default:
			return ClientError{ErrRateLimited, "Request is rate limited on client"}
		}
	default:
		var done <-chan struct{}
		if ctx != nil {
			done = ctx.Done()
		}
		select {
		case conn.rlimit <- struct{}{}:
			return nil
		case <-done:
			return fmt.Errorf("context is done: %w", ctx.Err())
		case <-conn.control:
			return conn.closedError()
		}
	}
}

// release frees resources of a resolved call.
func (conn *Connection) release(call *pendingCall) {
	if call.limited {
		call.limited = false
		<-conn.rlimit
	}
	if call.registered {
		call.registered = false
		pendingCalls.Dec()
	}
}

func (conn *Connection) closedError() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.reason != nil {
		return conn.reason
	}
	return ClientError{ErrChannelClosed, "using closed connection"}
}

// This method removes a call from the table if the context is "done"
// before the reply has come. Such select logic is inspired from this
// thread: https://groups.google.com/g/golang-dev/c/jX4oQEls3uk
func (conn *Connection) contextWatchdog(call *pendingCall, ctx context.Context) {
	select {
	case <-call.done():
	default:
		select {
		case <-ctx.Done():
			conn.cancelCall(call, ctx)
		default:
			select {
			case <-call.done():
			case <-ctx.Done():
				conn.cancelCall(call, ctx)
			}
		}
	}
}

func (conn *Connection) cancelCall(call *pendingCall, ctx context.Context) {
	if conn.calls.abandon(call.id) == call {
		call.fail(fmt.Errorf("context is done: %w", ctx.Err()))
		conn.release(call)
	}
}

func (conn *Connection) notify(kind ConnEventKind, err error) {
	if conn.opts.Notify != nil {
		select {
		case conn.opts.Notify <- ConnEvent{Kind: kind, Conn: conn, When: time.Now(), Err: err}:
		default:
		}
	}
}

func (conn *Connection) writer(w Conn) {
	for {
		var packet []byte
		select {
		case packet = <-conn.out:
		default:
			if err := w.Flush(); err != nil {
				conn.fault(err)
				return
			}
			select {
			case packet = <-conn.out:
			case <-conn.control:
				return
			}
		}
		if err := write(w, packet); err != nil {
			conn.fault(err)
			return
		}
	}
}

func (conn *Connection) reader(r Conn) {
	for {
		env, err := ReadEnvelope(r)
		if err != nil {
			var malformed MalformedError
			if errors.As(err, &malformed) {
				conn.violation(ClientError{
					ErrProtocolError,
					fmt.Sprintf("malformed reply from %s: %s", conn.addr, malformed.Err),
				})
				return
			}
			conn.fault(err)
			return
		}
		envelopesReceivedTotal.Inc()
		if err = conn.dispatch(env); err != nil {
			conn.violation(err)
			return
		}
	}
}

// dispatch routes one reply to its pending call. A reply to an id that has
// never been pending is a protocol violation.
func (conn *Connection) dispatch(env Envelope) error {
	call, ok := conn.calls.get(env.RequestId, conn.opts.Timeout)
	if !ok {
		if conn.calls.forget(env.RequestId, env.IsFinal || env.Error != nil) {
			lateRepliesTotal.Inc()
			conn.opts.Logger.Report(UnexpectedResultIdEvent{
				baseEvent: newBaseEvent(conn.addr),
				RequestId: env.RequestId,
			}, conn)
			return nil
		}
		return ClientError{
			ErrProtocolError,
			fmt.Sprintf("received response for unknown request %s", env.RequestId),
		}
	}

	switch call.kind {
	case callSingle:
		if conn.calls.remove(call.id) != call {
			return nil
		}
		if env.Error != nil {
			call.fut.SetError(*env.Error)
		} else {
			call.fut.SetResponse(&Response{Header: env.Header(), Payload: env.Payload})
		}
		conn.release(call)
	case callStreamed:
		if env.Error != nil {
			if conn.calls.remove(call.id) == call {
				call.stream.finish(*env.Error)
				conn.release(call)
			}
			return nil
		}
		if len(env.Payload) > 0 {
			call.stream.push(env.Payload)
		}
		if env.IsFinal && conn.calls.remove(call.id) == call {
			call.stream.finish(io.EOF)
			conn.release(call)
		}
	}
	return nil
}

// fault closes the connection after a transport failure.
// violation closes the connection after the server broke the protocol.
func (conn *Connection) violation(err error) {
	connectionFaultsTotal.Inc()
	conn.opts.Logger.Report(ProtocolViolationEvent{
		baseEvent: newBaseEvent(conn.addr),
		Error:     err,
	}, conn)
	conn.shutdown(err)
}

func (conn *Connection) fault(err error) {
	if conn.state.get() != connOpen {
		return
	}
	connectionFaultsTotal.Inc()
	conn.shutdown(ClientError{
		ErrConnectionError,
		fmt.Sprintf("connection to %s lost: %s", conn.addr, err),
	})
}

// shutdown moves the connection to the closed state and resolves every
// pending call with reason. Only the first call has an effect.
func (conn *Connection) shutdown(reason error) (err error) {
	conn.mutex.Lock()
	if conn.closed {
		conn.mutex.Unlock()
		return nil
	}
	conn.closed = true
	conn.opened = true
	conn.reason = reason
	conn.state.set(connClosing)
	close(conn.control)
	calls := conn.calls.drain(reason)
	if conn.c != nil {
		err = conn.c.Close()
		conn.c = nil
	}
	conn.state.set(connClosed)
	conn.mutex.Unlock()

	for _, call := range calls {
		call.fail(reason)
		countFailure(reason)
		conn.release(call)
	}

	if !IsClosed(reason) {
		conn.opts.Logger.Report(DisconnectedEvent{
			baseEvent: newBaseEvent(conn.addr),
			Reason:    reason,
		}, conn)
		conn.notify(Disconnected, reason)
	}
	conn.opts.Logger.Report(ClosedEvent{
		baseEvent: newBaseEvent(conn.addr),
		Pending:   len(calls),
	}, conn)
	conn.notify(Closed, reason)

	for _, f := range conn.opts.OnClose {
		f(conn, reason)
	}
	return err
}

func (conn *Connection) timeouts() {
	timeout := conn.opts.Timeout
	interval := timeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-conn.control:
			return
		case now := <-t.C:
			for _, call := range conn.calls.expired(now) {
				err := ClientError{
					Code: ErrTimeouted,
					Msg:  fmt.Sprintf("client timeout for request %s", call.id),
				}
				call.fail(err)
				countFailure(err)
				conn.release(call)
				conn.opts.Logger.Report(TimeoutEvent{
					baseEvent: newBaseEvent(conn.addr),
					RequestId: call.id,
					Timeout:   timeout,
				}, conn)
			}
		}
	}
}

func countFailure(err error) {
	var clierr ClientError
	if errors.As(err, &clierr) {
		callFailuresTotal.WithLabelValues("0x" + strconv.FormatUint(uint64(clierr.Code), 16)).Inc()
	}
}
