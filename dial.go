package typedb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	dialTransportNone = ""
	dialTransportSsl  = "ssl"
)

const bufferSize = 128 * 1024

// writeFlusher is the interface that groups the basic Write and Flush methods.
type writeFlusher interface {
	io.Writer
	Flush() error
}

// Conn is a generic stream-oriented network connection to a TypeDB server.
type Conn interface {
	// Read reads data from the connection.
	Read(b []byte) (int, error)
	// Write writes data to the connection. There may be an internal buffer for
	// better performance control from a client side.
	Write(b []byte) (int, error)
	// Flush writes any buffered data.
	Flush() error
	// Close closes the connection.
	// Any blocked Read or Flush operations will be unblocked and return
	// errors.
	Close() error
	// LocalAddr returns the local network address, if known.
	LocalAddr() net.Addr
	// RemoteAddr returns the remote network address, if known.
	RemoteAddr() net.Addr
}

// DialOpts is a way to configure a Dial method to create a new Conn.
type DialOpts struct {
	// DialTimeout is a timeout for an initial network dial.
	DialTimeout time.Duration
	// IoTimeout is a timeout per a network read/write.
	IoTimeout time.Duration
	// Transport is a connect transport type.
	Transport string
	// Ssl configures "ssl" transport.
	Ssl SslOpts
	// User name passed to the server on connect. No handshake is made if
	// it is empty.
	User string
	// Password passed along with User.
	Password string
}

// SslOpts is a way to configure ssl transport.
type SslOpts struct {
	// KeyFile is a path to a private SSL key file.
	KeyFile string
	// CertFile is a path to an SSL certificate file.
	CertFile string
	// CaFile is a path to a trusted certificate authorities (CA) file.
	CaFile string
	// Ciphers is a colon-separated (:) list of SSL cipher suites the connection
	// can use.
	Ciphers string
}

// Dialer is the interface that wraps a method to connect to a server. The
// main idea is to provide a ready-to-work connection with basic preparation
// and the handshake done.
type Dialer interface {
	// Dial connects to a server at the address with specified options.
	Dial(ctx context.Context, address string, opts DialOpts) (Conn, error)
}

type netConn struct {
	net    net.Conn
	reader io.Reader
	writer writeFlusher
}

// NetDialer is a default implementation of the Dialer interface which is
// used by the connector.
type NetDialer struct{}

// Dial connects to a server at the address with specified options.
func (d NetDialer) Dial(ctx context.Context, address string, opts DialOpts) (Conn, error) {
	c, err := dial(ctx, address, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	conn := WrapConn(c, opts.IoTimeout)
	if err = Authenticate(conn, opts); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// WrapConn makes a Conn with buffered io over a network connection.
func WrapConn(c net.Conn, ioTimeout time.Duration) Conn {
	dc := &deadlineIO{to: ioTimeout, c: c}
	return &netConn{
		net:    c,
		reader: bufio.NewReaderSize(dc, bufferSize),
		writer: bufio.NewWriterSize(dc, bufferSize),
	}
}

// Read makes netConn satisfy the Conn interface.
func (c *netConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write makes netConn satisfy the Conn interface.
func (c *netConn) Write(p []byte) (int, error) {
	if l, err := c.writer.Write(p); err != nil {
		return l, err
	} else if l != len(p) {
		return l, errors.New("wrong length written")
	} else {
		return l, nil
	}
}

// Flush makes netConn satisfy the Conn interface.
func (c *netConn) Flush() error {
	return c.writer.Flush()
}

// Close makes netConn satisfy the Conn interface.
func (c *netConn) Close() error {
	return c.net.Close()
}

// RemoteAddr makes netConn satisfy the Conn interface.
func (c *netConn) RemoteAddr() net.Addr {
	return c.net.RemoteAddr()
}

// LocalAddr makes netConn satisfy the Conn interface.
func (c *netConn) LocalAddr() net.Addr {
	return c.net.LocalAddr()
}

// dial connects to a server.
func dial(ctx context.Context, address string, opts DialOpts) (net.Conn, error) {
	network, address := parseAddress(address)
	switch opts.Transport {
	case dialTransportNone:
		dialer := net.Dialer{Timeout: opts.DialTimeout}
		return dialer.DialContext(ctx, network, address)
	case dialTransportSsl:
		timeout := opts.DialTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); timeout == 0 || left < timeout {
				timeout = left
			}
		}
		return sslDialTimeout(network, address, timeout, opts.Ssl)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", opts.Transport)
	}
}

// parseAddress split address into network and address parts.
func parseAddress(address string) (string, string) {
	network := "tcp"
	addrLen := len(address)

	if addrLen > 0 && (address[0] == '.' || address[0] == '/') {
		network = "unix"
	} else if addrLen >= 7 && address[0:7] == "unix://" {
		network = "unix"
		address = address[7:]
	} else if addrLen >= 5 && address[0:5] == "unix:" {
		network = "unix"
		address = address[5:]
	} else if addrLen >= 6 && address[0:6] == "unix/:" {
		network = "unix"
		address = address[6:]
	} else if addrLen >= 6 && address[0:6] == "tcp://" {
		address = address[6:]
	} else if addrLen >= 4 && address[0:4] == "tcp:" {
		address = address[4:]
	}

	return network, address
}

type credentials struct {
	User     string `msgpack:"user"`
	Password string `msgpack:"password"`
}

// Authenticate passes the credentials from opts to the server over a fresh
// connection. It does nothing if opts.User is empty.
func Authenticate(c Conn, opts DialOpts) error {
	if opts.User == "" {
		return nil
	}

	payload, err := MarshalPayload(credentials{User: opts.User, Password: opts.Password})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err = WriteEnvelope(c, Envelope{RequestId: RequestId{}, Payload: payload}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	env, err := ReadEnvelope(c)
	if err != nil {
		return fmt.Errorf("auth: read error: %w", err)
	}
	if env.RequestId != (RequestId{}) {
		return fmt.Errorf("auth: unexpected response id %s", env.RequestId)
	}
	if env.Error != nil {
		return fmt.Errorf("auth: %w", *env.Error)
	}
	return nil
}

// deadlineIO sets a deadline before every network read and write.
type deadlineIO struct {
	to time.Duration
	c  net.Conn
}

func (d *deadlineIO) Write(b []byte) (n int, err error) {
	if d.to > 0 {
		d.c.SetWriteDeadline(time.Now().Add(d.to))
	}
	n, err = d.c.Write(b)
	return
}

func (d *deadlineIO) Read(b []byte) (n int, err error) {
	if d.to > 0 {
		d.c.SetReadDeadline(time.Now().Add(d.to))
	}
	n, err = d.c.Read(b)
	return
}
