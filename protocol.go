package typedb

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// TransactionType is a kind of a transaction.
type TransactionType int32

const (
	Read TransactionType = iota
	Write
)

func (t TransactionType) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("TransactionType(%d)", int32(t))
	}
}

// SessionType is a kind of a session a transaction is opened in.
type SessionType int32

const (
	DataSession SessionType = iota
	SchemaSession
)

func (t SessionType) String() string {
	switch t {
	case DataSession:
		return "data"
	case SchemaSession:
		return "schema"
	default:
		return fmt.Sprintf("SessionType(%d)", int32(t))
	}
}

// OpenRequest is everything a server needs to open a transaction.
type OpenRequest struct {
	Database       string
	SessionType    SessionType
	Type           TransactionType
	Infer          bool
	Explain        bool
	Parallel       bool
	PrefetchSize   int32
	Timeout        time.Duration
	NetworkLatency time.Duration
}

// TransactionInfo is the server reply to a transaction open request.
type TransactionInfo struct {
	Id             []byte
	ServerDuration time.Duration
}

// Protocol builds and parses the payloads of the control requests. The
// payloads of queries are opaque to the driver.
type Protocol interface {
	EncodeOpen(req OpenRequest) ([]byte, error)
	DecodeOpen(payload []byte) (TransactionInfo, error)
	EncodeCommit() ([]byte, error)
	EncodeRollback() ([]byte, error)
	EncodeDescribe(database string) ([]byte, error)
	// DecodeDescribe parses the replica list of a database. server is the
	// address the reply came from.
	DecodeDescribe(database, server string, payload []byte) (ReplicaSet, error)
	EncodeSchema(database string) ([]byte, error)
	DecodeSchema(payload []byte) (string, error)
	EncodeDelete(database string) ([]byte, error)
	EncodeCreate(database string) ([]byte, error)
	EncodeContains(database string) ([]byte, error)
	DecodeContains(payload []byte) (bool, error)
	EncodeAll() ([]byte, error)
	// DecodeAll parses the names of all databases of a server.
	DecodeAll(payload []byte) ([]string, error)
}

// Control operations of MsgpackProtocol.
const (
	OpOpen     = "open"
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpDescribe = "describe"
	OpSchema   = "schema"
	OpDelete   = "delete"
	OpCreate   = "create"
	OpContains = "contains"
	OpAll      = "all"
)

// Message is a control request of MsgpackProtocol.
type Message struct {
	Op                   string          `msgpack:"op"`
	Database             string          `msgpack:"database,omitempty"`
	SessionType          SessionType     `msgpack:"session_type,omitempty"`
	TransactionType      TransactionType `msgpack:"transaction_type,omitempty"`
	Infer                bool            `msgpack:"infer,omitempty"`
	Explain              bool            `msgpack:"explain,omitempty"`
	Parallel             bool            `msgpack:"parallel,omitempty"`
	PrefetchSize         int32           `msgpack:"prefetch_size,omitempty"`
	TimeoutMillis        int64           `msgpack:"timeout_millis,omitempty"`
	NetworkLatencyMillis int64           `msgpack:"network_latency_millis,omitempty"`
}

// OpenResult is a reply to OpOpen.
type OpenResult struct {
	TransactionId        []byte `msgpack:"transaction_id"`
	ServerDurationMillis int64  `msgpack:"server_duration_millis"`
}

// ReplicaInfo is one replica in a reply to OpDescribe.
type ReplicaInfo struct {
	Address   string `msgpack:"address"`
	Primary   bool   `msgpack:"primary"`
	Preferred bool   `msgpack:"preferred"`
	Term      int64  `msgpack:"term"`
}

// DescribeResult is a reply to OpDescribe.
type DescribeResult struct {
	Replicas []ReplicaInfo `msgpack:"replicas"`
}

// SchemaResult is a reply to OpSchema.
type SchemaResult struct {
	Schema string `msgpack:"schema"`
}

// ContainsResult is a reply to OpContains.
type ContainsResult struct {
	Contains bool `msgpack:"contains"`
}

// AllResult is a reply to OpAll.
type AllResult struct {
	Databases []string `msgpack:"databases"`
}

// MsgpackProtocol is the default Protocol. Control requests are msgpack
// encoded Message values.
type MsgpackProtocol struct{}

var _ Protocol = MsgpackProtocol{}

func (MsgpackProtocol) EncodeOpen(req OpenRequest) ([]byte, error) {
	return MarshalPayload(Message{
		Op:                   OpOpen,
		Database:             req.Database,
		SessionType:          req.SessionType,
		TransactionType:      req.Type,
		Infer:                req.Infer,
		Explain:              req.Explain,
		Parallel:             req.Parallel,
		PrefetchSize:         req.PrefetchSize,
		TimeoutMillis:        req.Timeout.Milliseconds(),
		NetworkLatencyMillis: req.NetworkLatency.Milliseconds(),
	})
}

func (MsgpackProtocol) DecodeOpen(payload []byte) (TransactionInfo, error) {
	var res OpenResult
	if err := UnmarshalPayload(payload, &res); err != nil {
		return TransactionInfo{}, err
	}
	return TransactionInfo{
		Id:             res.TransactionId,
		ServerDuration: time.Duration(res.ServerDurationMillis) * time.Millisecond,
	}, nil
}

func (MsgpackProtocol) EncodeCommit() ([]byte, error) {
	return MarshalPayload(Message{Op: OpCommit})
}

func (MsgpackProtocol) EncodeRollback() ([]byte, error) {
	return MarshalPayload(Message{Op: OpRollback})
}

func (MsgpackProtocol) EncodeDescribe(database string) ([]byte, error) {
	return MarshalPayload(Message{Op: OpDescribe, Database: database})
}

func (MsgpackProtocol) DecodeDescribe(database, server string, payload []byte) (ReplicaSet, error) {
	var res DescribeResult
	if err := UnmarshalPayload(payload, &res); err != nil {
		return ReplicaSet{}, err
	}
	if len(res.Replicas) == 0 {
		return ReplicaSet{}, errors.New("empty replica list")
	}
	replicas := make([]Replica, 0, len(res.Replicas))
	for _, info := range res.Replicas {
		replicas = append(replicas, Replica{
			Address:     info.Address,
			Database:    database,
			Term:        info.Term,
			IsPrimary:   info.Primary,
			IsPreferred: info.Preferred,
		})
	}
	return NewReplicaSet(database, replicas), nil
}

func (MsgpackProtocol) EncodeSchema(database string) ([]byte, error) {
	return MarshalPayload(Message{Op: OpSchema, Database: database})
}

func (MsgpackProtocol) DecodeSchema(payload []byte) (string, error) {
	var res SchemaResult
	if err := UnmarshalPayload(payload, &res); err != nil {
		return "", err
	}
	return res.Schema, nil
}

func (MsgpackProtocol) EncodeDelete(database string) ([]byte, error) {
	return MarshalPayload(Message{Op: OpDelete, Database: database})
}

func (MsgpackProtocol) EncodeCreate(database string) ([]byte, error) {
	return MarshalPayload(Message{Op: OpCreate, Database: database})
}

func (MsgpackProtocol) EncodeContains(database string) ([]byte, error) {
	return MarshalPayload(Message{Op: OpContains, Database: database})
}

func (MsgpackProtocol) DecodeContains(payload []byte) (bool, error) {
	var res ContainsResult
	if err := UnmarshalPayload(payload, &res); err != nil {
		return false, err
	}
	return res.Contains, nil
}

func (MsgpackProtocol) EncodeAll() ([]byte, error) {
	return MarshalPayload(Message{Op: OpAll})
}

func (MsgpackProtocol) DecodeAll(payload []byte) ([]string, error) {
	var res AllResult
	if err := UnmarshalPayload(payload, &res); err != nil {
		return nil, err
	}
	sort.Strings(res.Databases)
	return res.Databases, nil
}
