package typedb

import (
	"context"
	"sync"
	"time"
)

// TransactionOpts is a way to configure a Transaction.
type TransactionOpts struct {
	// Protocol builds control requests. MsgpackProtocol is used if nil.
	Protocol Protocol
	// SessionType is a kind of the session, DataSession by default.
	SessionType SessionType
	Infer       bool
	Explain     bool
	Parallel    bool
	// PrefetchSize is a number of answers a server sends ahead.
	PrefetchSize int32
	// TransactionTimeout is a server side lifetime limit of the transaction.
	TransactionTimeout time.Duration
	// NetworkLatency is passed to the server with the open request.
	NetworkLatency time.Duration
	// ReadAnyReplica allows a read transaction on a secondary replica. It is
	// used by the cluster client.
	ReadAnyReplica bool
	// OnClose callbacks are called once when an opened transaction becomes
	// closed, either by the caller or by a connection fault.
	OnClose []func(tx *Transaction, err error)
}

// Transaction is a channel bound to one transaction on a server. It owns
// its Connection.
type Transaction struct {
	conn     *Connection
	address  string
	database string
	txType   TransactionType
	opts     TransactionOpts
	logger   Logger
	info     TransactionInfo
	rtt      time.Duration

	mutex  sync.Mutex
	state  connState
	reason error
}

// OpenTransaction connects to the server at address and opens a
// transaction. Any failure is returned as *TransactionOpenError and the
// connection is closed.
func OpenTransaction(ctx context.Context, address string, dialer Dialer,
	database string, txType TransactionType, txOpts TransactionOpts,
	opts Opts) (*Transaction, error) {
	if txOpts.Protocol == nil {
		txOpts.Protocol = MsgpackProtocol{}
	}
	tx := &Transaction{
		address:  address,
		database: database,
		txType:   txType,
		opts:     txOpts,
		state:    connOpening,
	}

	opts = opts.Clone()
	opts.OnClose = append(opts.OnClose, func(_ *Connection, err error) {
		tx.onConnClosed(err)
	})
	tx.conn = NewConnection(address, dialer, opts)
	tx.logger = tx.conn.opts.Logger

	if err := tx.open(ctx); err != nil {
		tx.conn.CloseWithError(ClientError{ErrTransactionClosed, "transaction failed to open"})
		return nil, &TransactionOpenError{Address: address, Database: database, Cause: err}
	}
	return tx, nil
}

func (tx *Transaction) open(ctx context.Context) error {
	if err := tx.conn.Open(ctx); err != nil {
		return err
	}

	payload, err := tx.opts.Protocol.EncodeOpen(OpenRequest{
		Database:       tx.database,
		SessionType:    tx.opts.SessionType,
		Type:           tx.txType,
		Infer:          tx.opts.Infer,
		Explain:        tx.opts.Explain,
		Parallel:       tx.opts.Parallel,
		PrefetchSize:   tx.opts.PrefetchSize,
		Timeout:        tx.opts.TransactionTimeout,
		NetworkLatency: tx.opts.NetworkLatency,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := tx.conn.Call(ctx, NewRawRequest(payload))
	if err != nil {
		return err
	}
	rtt := time.Since(start)
	info, err := tx.opts.Protocol.DecodeOpen(resp.Payload)
	if err != nil {
		return err
	}

	tx.mutex.Lock()
	if tx.state != connOpening {
		reason := tx.reason
		tx.mutex.Unlock()
		return reason
	}
	tx.info = info
	tx.rtt = rtt
	tx.state = connOpen
	tx.mutex.Unlock()

	openTransactions.Inc()
	tx.logger.Report(TransactionOpenedEvent{
		baseEvent:      newBaseEvent(tx.address),
		Database:       tx.database,
		Type:           tx.txType,
		ServerDuration: info.ServerDuration,
	}, tx.conn)
	return nil
}

func (tx *Transaction) onConnClosed(err error) {
	tx.mutex.Lock()
	wasOpen := tx.state == connOpen || tx.state == connClosing
	tx.state = connClosed
	tx.reason = err
	tx.mutex.Unlock()

	if !wasOpen {
		return
	}
	openTransactions.Dec()
	tx.logger.Report(TransactionClosedEvent{
		baseEvent: newBaseEvent(tx.address),
		Database:  tx.database,
		Reason:    err,
	}, tx.conn)
	for _, f := range tx.opts.OnClose {
		f(tx, err)
	}
}

func (tx *Transaction) closedError() error {
	return ClientError{ErrTransactionClosed, "transaction is closed"}
}

// IsOpen reports whether the transaction accepts requests.
func (tx *Transaction) IsOpen() bool {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()
	return tx.state == connOpen
}

// CloseReason returns an error the transaction has been closed with.
func (tx *Transaction) CloseReason() error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()
	return tx.reason
}

// Id returns the server side id of the transaction.
func (tx *Transaction) Id() []byte {
	return tx.info.Id
}

func (tx *Transaction) Database() string {
	return tx.database
}

func (tx *Transaction) Address() string {
	return tx.address
}

func (tx *Transaction) Type() TransactionType {
	return tx.txType
}

// ServerDuration returns the time the server spent opening the transaction.
func (tx *Transaction) ServerDuration() time.Duration {
	return tx.info.ServerDuration
}

// NetworkLatency returns the open request round trip without the server
// time.
func (tx *Transaction) NetworkLatency() time.Duration {
	return ComputeNetworkLatency(tx.rtt, tx.info.ServerDuration)
}

// Connection returns the connection owned by the transaction.
func (tx *Transaction) Connection() *Connection {
	return tx.conn
}

// Do sends a request within the transaction asynchronously.
func (tx *Transaction) Do(req Request) *Future {
	if !tx.IsOpen() {
		return NewErrorFuture(tx.closedError())
	}
	return tx.conn.Do(req)
}

// Execute sends a request within the transaction and waits for its reply.
func (tx *Transaction) Execute(ctx context.Context, req Request) (*Response, error) {
	if !tx.IsOpen() {
		return nil, tx.closedError()
	}
	return tx.conn.Call(ctx, req)
}

// Stream sends a request within the transaction which reply is a sequence
// of parts.
func (tx *Transaction) Stream(ctx context.Context, req Request) *ResponseStream {
	if !tx.IsOpen() {
		return NewErrorStream(tx.closedError())
	}
	return tx.conn.CallStreamed(ctx, req)
}

// Commit commits the transaction. The transaction is closed afterwards
// even if the commit fails.
func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.finish(ctx, tx.opts.Protocol.EncodeCommit)
}

// Rollback rolls the transaction back. The transaction is closed
// afterwards even if the rollback fails.
func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.finish(ctx, tx.opts.Protocol.EncodeRollback)
}

func (tx *Transaction) finish(ctx context.Context, encode func() ([]byte, error)) error {
	if !tx.IsOpen() {
		return tx.closedError()
	}
	payload, err := encode()
	if err == nil {
		_, err = tx.conn.Call(ctx, NewRawRequest(payload))
	}
	closeErr := tx.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the transaction and its connection. Every pending request
// is resolved with ClientError with ErrTransactionClosed code. It is safe
// to call Close more than once.
func (tx *Transaction) Close() error {
	tx.mutex.Lock()
	if tx.state != connOpen {
		tx.mutex.Unlock()
		return nil
	}
	tx.state = connClosing
	tx.mutex.Unlock()

	return tx.conn.CloseWithError(tx.closedError())
}

// ComputeNetworkLatency returns the network part of a round trip. It is
// never less than a millisecond.
func ComputeNetworkLatency(rtt, serverDuration time.Duration) time.Duration {
	latency := rtt - serverDuration
	if latency < time.Millisecond {
		return time.Millisecond
	}
	return latency
}
