// Package test_helpers provides an in-process server to test a client
// without a running TypeDB instance.
package test_helpers

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ice-blockchain/go-typedb"
)

// Handler serves one accepted connection. The connection is closed when
// the handler returns.
type Handler func(sc *ServerConn)

// ServerConn is a server side of a mock connection.
type ServerConn struct {
	Address string
	// User is a user name passed by the client on connect.
	User string

	conn  net.Conn
	rw    typedb.Conn
	wlock sync.Mutex
}

// Recv reads the next request envelope.
func (sc *ServerConn) Recv() (typedb.Envelope, error) {
	return typedb.ReadEnvelope(sc.rw)
}

// Send writes an envelope. It is safe to call Send concurrently.
func (sc *ServerConn) Send(env typedb.Envelope) error {
	sc.wlock.Lock()
	defer sc.wlock.Unlock()
	return typedb.WriteEnvelope(sc.rw, env)
}

// SendRaw writes bytes to the connection as is.
func (sc *ServerConn) SendRaw(b []byte) error {
	sc.wlock.Lock()
	defer sc.wlock.Unlock()
	if _, err := sc.rw.Write(b); err != nil {
		return err
	}
	return sc.rw.Flush()
}

// Reply sends a successful reply to a single call.
func (sc *ServerConn) Reply(id typedb.RequestId, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	return sc.Send(typedb.Envelope{RequestId: id, Payload: payload})
}

// ReplyValue sends a msgpack encoded value as a reply.
func (sc *ServerConn) ReplyValue(id typedb.RequestId, value interface{}) error {
	payload, err := typedb.MarshalPayload(value)
	if err != nil {
		return err
	}
	return sc.Reply(id, payload)
}

// ReplyError sends a server error for a call.
func (sc *ServerConn) ReplyError(id typedb.RequestId, code uint32, msg string) error {
	return sc.Send(typedb.Envelope{
		RequestId: id,
		Error:     &typedb.Error{Code: code, Msg: msg},
	})
}

// SendPart sends a non final part of a streamed reply.
func (sc *ServerConn) SendPart(id typedb.RequestId, payload []byte) error {
	return sc.Send(typedb.Envelope{RequestId: id, Payload: payload})
}

// Finish sends the final part of a streamed reply. payload may be nil.
func (sc *ServerConn) Finish(id typedb.RequestId, payload []byte) error {
	return sc.Send(typedb.Envelope{RequestId: id, Payload: payload, IsFinal: true})
}

// Close closes the server side of the connection.
func (sc *ServerConn) Close() error {
	return sc.conn.Close()
}

// Loop returns a Handler that calls f for every received request until the
// connection breaks.
func Loop(f func(sc *ServerConn, env typedb.Envelope)) Handler {
	return func(sc *ServerConn) {
		for {
			env, err := sc.Recv()
			if err != nil {
				return
			}
			f(sc, env)
		}
	}
}

// EchoHandler replies to every request with its own payload.
var EchoHandler = Loop(func(sc *ServerConn, env typedb.Envelope) {
	sc.Reply(env.RequestId, env.Payload)
})

// SilentHandler reads requests and never replies.
var SilentHandler = Loop(func(sc *ServerConn, env typedb.Envelope) {})

// MockDialer is an implementation of the typedb.Dialer interface that
// connects to in-process handlers over net.Pipe.
type MockDialer struct {
	// Authenticate checks credentials of a handshake. All credentials are
	// accepted if it is nil.
	Authenticate func(user, password string) *typedb.Error

	mutex    sync.Mutex
	handlers map[string]Handler
	down     map[string]bool
	dials    map[string]int
	conns    map[string][]*ServerConn
}

// NewMockDialer creates a MockDialer without handlers.
func NewMockDialer() *MockDialer {
	return &MockDialer{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
		dials:    make(map[string]int),
		conns:    make(map[string][]*ServerConn),
	}
}

// Handle sets a handler for connections to the address.
func (d *MockDialer) Handle(address string, h Handler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handlers[address] = h
}

// SetDown makes the address unreachable. Established connections are
// closed.
func (d *MockDialer) SetDown(address string, down bool) {
	d.mutex.Lock()
	d.down[address] = down
	var conns []*ServerConn
	if down {
		conns = d.conns[address]
		delete(d.conns, address)
	}
	d.mutex.Unlock()

	for _, sc := range conns {
		sc.Close()
	}
}

// Dials returns the number of dial attempts to the address.
func (d *MockDialer) Dials(address string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.dials[address]
}

// Conns returns the server sides of the connections to the address.
func (d *MockDialer) Conns(address string) []*ServerConn {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]*ServerConn(nil), d.conns[address]...)
}

// Dial makes a connection to the handler of the address.
func (d *MockDialer) Dial(ctx context.Context, address string, opts typedb.DialOpts) (typedb.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mutex.Lock()
	d.dials[address]++
	h, ok := d.handlers[address]
	if !ok || d.down[address] {
		d.mutex.Unlock()
		return nil, fmt.Errorf("dial tcp %s: connect: connection refused", address)
	}
	client, server := net.Pipe()
	sc := &ServerConn{
		Address: address,
		User:    opts.User,
		conn:    server,
		rw:      typedb.WrapConn(server, 0),
	}
	d.conns[address] = append(d.conns[address], sc)
	authenticate := d.Authenticate
	d.mutex.Unlock()

	go func() {
		defer sc.Close()
		if opts.User != "" && !serveHandshake(sc, authenticate) {
			return
		}
		h(sc)
	}()

	c := typedb.WrapConn(client, 0)
	if err := typedb.Authenticate(c, opts); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

type credentials struct {
	User     string `msgpack:"user"`
	Password string `msgpack:"password"`
}

func serveHandshake(sc *ServerConn, authenticate func(user, password string) *typedb.Error) bool {
	env, err := sc.Recv()
	if err != nil {
		return false
	}
	if env.RequestId != (typedb.RequestId{}) {
		return false
	}
	var creds credentials
	if err = typedb.UnmarshalPayload(env.Payload, &creds); err != nil {
		sc.ReplyError(env.RequestId, typedb.ServerErrAuthentication, err.Error())
		return false
	}
	if authenticate != nil {
		if srverr := authenticate(creds.User, creds.Password); srverr != nil {
			sc.ReplyError(env.RequestId, srverr.Code, srverr.Msg)
			return false
		}
	}
	return sc.Reply(env.RequestId, nil) == nil
}
