// Package cluster implements a client of a replicated TypeDB deployment.
//
// The client keeps a directory of database replicas and routes every
// operation to a replica that can serve it, failing over to other replicas
// when a replica is unreachable or is not the primary one.
package cluster

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/go-typedb"
)

var (
	ErrEmptyServers = errors.New("servers (first argument) should not be empty")
	ErrClosed       = errors.New("cluster client is closed")
)

// ClientOpts is a way to configure a Client.
type ClientOpts struct {
	// ConnOpts are used for every connection to a server.
	ConnOpts typedb.Opts
	// Dialer connects to servers, typedb.NetDialer by default.
	Dialer typedb.Dialer
	// Protocol builds control requests, typedb.MsgpackProtocol by default.
	Protocol typedb.Protocol
	// Directory configures the replica cache.
	Directory DirectoryOpts
	// Executor configures the failover policy.
	Executor Opts
}

// Client is a connection to a cluster of servers.
type Client struct {
	servers   []string
	opts      ClientOpts
	directory *Directory
	executor  *Executor
	state     state

	mutex sync.Mutex
	conns map[string]*typedb.Connection
	txs   map[*typedb.Transaction]struct{}
}

var _ Describer = (*Client)(nil)

// NewClient creates a Client and checks that at least one of the servers
// can be reached.
func NewClient(ctx context.Context, servers []string, opts ClientOpts) (*Client, error) {
	if len(servers) == 0 {
		return nil, ErrEmptyServers
	}
	for _, s := range servers {
		if s == "" {
			return nil, errors.New("server address should not be empty")
		}
	}
	if opts.Dialer == nil {
		opts.Dialer = typedb.NetDialer{}
	}
	if opts.Protocol == nil {
		opts.Protocol = typedb.MsgpackProtocol{}
	}
	if opts.Directory.Logger == nil {
		opts.Directory.Logger = opts.ConnOpts.Logger
	}
	if opts.Executor.Logger == nil {
		opts.Executor.Logger = opts.ConnOpts.Logger
	}

	c := &Client{
		servers: append([]string(nil), servers...),
		opts:    opts,
		conns:   make(map[string]*typedb.Connection),
		txs:     make(map[*typedb.Transaction]struct{}),
	}
	c.directory = NewDirectory(c, opts.Directory)
	c.executor = NewExecutor(c.directory, c.servers, opts.Executor)

	var errs *multierror.Error
	for _, server := range c.servers {
		if _, err := c.conn(ctx, server); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		c.state.set(connectedState)
		return c, nil
	}
	return nil, &typedb.ClusterUnavailableError{
		Addresses: c.directory.Members("", c.servers),
		Causes:    errs.ErrorOrNil(),
	}
}

// Servers returns the configured server addresses.
func (c *Client) Servers() []string {
	return append([]string(nil), c.servers...)
}

// Directory returns the replica cache of the client.
func (c *Client) Directory() *Directory {
	return c.directory
}

// Executor returns the failover executor of the client.
func (c *Client) Executor() *Executor {
	return c.executor
}

// conn returns a shared open connection to the server.
func (c *Client) conn(ctx context.Context, server string) (*typedb.Connection, error) {
	c.mutex.Lock()
	if conn, ok := c.conns[server]; ok && !conn.ClosedNow() {
		c.mutex.Unlock()
		return conn, nil
	}
	c.mutex.Unlock()

	opts := c.opts.ConnOpts.Clone()
	opts.OnClose = append(opts.OnClose, func(conn *typedb.Connection, _ error) {
		c.mutex.Lock()
		if c.conns[server] == conn {
			delete(c.conns, server)
		}
		c.mutex.Unlock()
	})
	conn, err := typedb.Connect(ctx, server, c.opts.Dialer, opts)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	if c.state.get() == closedState {
		c.mutex.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	if existing, ok := c.conns[server]; ok && !existing.ClosedNow() {
		c.mutex.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[server] = conn
	c.mutex.Unlock()
	return conn, nil
}

// Describe asks the server for the replicas of the database.
func (c *Client) Describe(ctx context.Context, server, database string) (typedb.ReplicaSet, error) {
	conn, err := c.conn(ctx, server)
	if err != nil {
		return typedb.ReplicaSet{}, err
	}
	payload, err := c.opts.Protocol.EncodeDescribe(database)
	if err != nil {
		return typedb.ReplicaSet{}, err
	}
	resp, err := conn.Call(ctx, typedb.NewRawRequest(payload))
	if err != nil {
		return typedb.ReplicaSet{}, err
	}
	return c.opts.Protocol.DecodeDescribe(database, server, resp.Payload)
}

// OpenTransaction opens a transaction on a replica chosen by the
// transaction kind. Write transactions and schema sessions always go to
// the primary replica. A read transaction with ReadAnyReplica set may be
// served by any replica.
func (c *Client) OpenTransaction(ctx context.Context, database string,
	txType typedb.TransactionType, txOpts typedb.TransactionOpts) (*typedb.Transaction, error) {
	if c.state.get() != connectedState {
		return nil, ErrClosed
	}

	mode := Primary
	if txType == typedb.Read && txOpts.ReadAnyReplica && txOpts.SessionType == typedb.DataSession {
		mode = Failsafe
	}
	if txOpts.Protocol == nil {
		txOpts.Protocol = c.opts.Protocol
	}
	txOpts.OnClose = append(append(([]func(*typedb.Transaction, error))(nil), txOpts.OnClose...),
		func(tx *typedb.Transaction, _ error) {
			c.mutex.Lock()
			delete(c.txs, tx)
			c.mutex.Unlock()
		})

	var tx *typedb.Transaction
	err := c.executor.Run(ctx, mode, database,
		func(ctx context.Context, replica typedb.Replica, _ bool) error {
			var err error
			tx, err = typedb.OpenTransaction(ctx, replica.Address, c.opts.Dialer,
				database, txType, txOpts, c.opts.ConnOpts)
			return err
		})
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	if c.state.get() == closedState {
		c.mutex.Unlock()
		tx.Close()
		return nil, ErrClosed
	}
	c.txs[tx] = struct{}{}
	c.mutex.Unlock()
	// The transaction may have been closed before it was registered.
	if !tx.IsOpen() {
		c.mutex.Lock()
		delete(c.txs, tx)
		c.mutex.Unlock()
	}
	return tx, nil
}

// Transactions returns the number of open transactions of the client.
func (c *Client) Transactions() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.txs)
}

// RunOnPrimary runs f with a connection to the primary replica of the
// database.
func (c *Client) RunOnPrimary(ctx context.Context, database string,
	f func(ctx context.Context, conn *typedb.Connection) error) error {
	return c.run(ctx, Primary, database, f)
}

// RunOnAny runs f with a connection to any replica of the database.
func (c *Client) RunOnAny(ctx context.Context, database string,
	f func(ctx context.Context, conn *typedb.Connection) error) error {
	return c.run(ctx, AnyReplica, database, f)
}

// RunFailsafe runs f with a connection to any replica of the database and
// falls back to the primary replica if needed.
func (c *Client) RunFailsafe(ctx context.Context, database string,
	f func(ctx context.Context, conn *typedb.Connection) error) error {
	return c.run(ctx, Failsafe, database, f)
}

func (c *Client) run(ctx context.Context, mode Mode, database string,
	f func(ctx context.Context, conn *typedb.Connection) error) error {
	if c.state.get() != connectedState {
		return ErrClosed
	}
	return c.executor.Run(ctx, mode, database,
		func(ctx context.Context, replica typedb.Replica, _ bool) error {
			conn, err := c.conn(ctx, replica.Address)
			if err != nil {
				return err
			}
			return f(ctx, conn)
		})
}

// DatabaseSchema returns the schema of the database.
func (c *Client) DatabaseSchema(ctx context.Context, database string) (string, error) {
	var schema string
	err := c.RunFailsafe(ctx, database, func(ctx context.Context, conn *typedb.Connection) error {
		payload, err := c.opts.Protocol.EncodeSchema(database)
		if err != nil {
			return err
		}
		resp, err := conn.Call(ctx, typedb.NewRawRequest(payload))
		if err != nil {
			return err
		}
		schema, err = c.opts.Protocol.DecodeSchema(resp.Payload)
		return err
	})
	return schema, err
}

// DeleteDatabase deletes the database on the primary replica and drops its
// cached replicas.
func (c *Client) DeleteDatabase(ctx context.Context, database string) error {
	err := c.RunOnPrimary(ctx, database, func(ctx context.Context, conn *typedb.Connection) error {
		payload, err := c.opts.Protocol.EncodeDelete(database)
		if err != nil {
			return err
		}
		_, err = conn.Call(ctx, typedb.NewRawRequest(payload))
		return err
	})
	if err != nil {
		return err
	}
	c.directory.Invalidate(database)
	return nil
}

// CreateDatabase creates the database through the first server that can
// be reached.
func (c *Client) CreateDatabase(ctx context.Context, database string) error {
	err := c.run(ctx, AnyServer, database, func(ctx context.Context, conn *typedb.Connection) error {
		payload, err := c.opts.Protocol.EncodeCreate(database)
		if err != nil {
			return err
		}
		_, err = conn.Call(ctx, typedb.NewRawRequest(payload))
		return err
	})
	if err != nil {
		return err
	}
	c.directory.Invalidate(database)
	return nil
}

// ContainsDatabase reports whether the database exists.
func (c *Client) ContainsDatabase(ctx context.Context, database string) (bool, error) {
	var contains bool
	err := c.run(ctx, AnyServer, database, func(ctx context.Context, conn *typedb.Connection) error {
		payload, err := c.opts.Protocol.EncodeContains(database)
		if err != nil {
			return err
		}
		resp, err := conn.Call(ctx, typedb.NewRawRequest(payload))
		if err != nil {
			return err
		}
		contains, err = c.opts.Protocol.DecodeContains(resp.Payload)
		return err
	})
	return contains, err
}

// Databases returns the names of all databases of the cluster.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	var names []string
	err := c.run(ctx, AnyServer, "", func(ctx context.Context, conn *typedb.Connection) error {
		payload, err := c.opts.Protocol.EncodeAll()
		if err != nil {
			return err
		}
		resp, err := conn.Call(ctx, typedb.NewRawRequest(payload))
		if err != nil {
			return err
		}
		names, err = c.opts.Protocol.DecodeAll(resp.Payload)
		return err
	})
	return names, err
}

// Replicas fetches the current replicas of the database.
func (c *Client) Replicas(ctx context.Context, database string) (typedb.ReplicaSet, error) {
	if c.state.get() != connectedState {
		return typedb.ReplicaSet{}, ErrClosed
	}
	return c.directory.Fetch(ctx, database, c.servers)
}

// Close closes all transactions and server connections of the client.
func (c *Client) Close() error {
	if !c.state.cas(connectedState, closedState) {
		return nil
	}

	c.mutex.Lock()
	txs := make([]*typedb.Transaction, 0, len(c.txs))
	for tx := range c.txs {
		txs = append(txs, tx)
	}
	conns := make([]*typedb.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mutex.Unlock()

	var errs *multierror.Error
	for _, tx := range txs {
		if err := tx.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
