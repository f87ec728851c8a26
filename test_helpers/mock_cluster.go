package test_helpers

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ice-blockchain/go-typedb"
)

// MockCluster is a set of in-process servers speaking the
// typedb.MsgpackProtocol. Every server knows every database, as servers of
// a real cluster do.
//
// Requests other than control ones are echoed back.
type MockCluster struct {
	Dialer *MockDialer

	mutex     sync.Mutex
	addresses []string
	databases map[string][]typedb.ReplicaInfo
	schemas   map[string]string
	describes map[string]int
	opens     map[string]int
	commits   int
	rollbacks int
}

// NewMockCluster creates a cluster of servers with the addresses.
func NewMockCluster(addresses ...string) *MockCluster {
	mc := &MockCluster{
		Dialer:    NewMockDialer(),
		addresses: append([]string(nil), addresses...),
		databases: make(map[string][]typedb.ReplicaInfo),
		schemas:   make(map[string]string),
		describes: make(map[string]int),
		opens:     make(map[string]int),
	}
	for _, addr := range addresses {
		address := addr
		mc.Dialer.Handle(address, Loop(func(sc *ServerConn, env typedb.Envelope) {
			mc.serve(address, sc, env)
		}))
	}
	return mc
}

// SetReplicas sets the replicas of a database, creating it if needed.
func (mc *MockCluster) SetReplicas(database string, replicas ...typedb.ReplicaInfo) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.databases[database] = append([]typedb.ReplicaInfo(nil), replicas...)
}

// SetSchema sets the schema returned for a database.
func (mc *MockCluster) SetSchema(database, schema string) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.schemas[database] = schema
}

// Failover makes address the only primary replica of the database with a
// term greater than any known one.
func (mc *MockCluster) Failover(database, address string) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	var term int64
	replicas := mc.databases[database]
	for _, r := range replicas {
		if r.Term > term {
			term = r.Term
		}
	}
	for i := range replicas {
		replicas[i].Primary = replicas[i].Address == address
		if replicas[i].Primary {
			replicas[i].Term = term + 1
		}
	}
}

// HasDatabase reports whether the database exists.
func (mc *MockCluster) HasDatabase(database string) bool {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	_, ok := mc.databases[database]
	return ok
}

// Describes returns the number of describe requests served by the address.
func (mc *MockCluster) Describes(address string) int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return mc.describes[address]
}

// TotalDescribes returns the number of describe requests served by all
// servers.
func (mc *MockCluster) TotalDescribes() int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	total := 0
	for _, n := range mc.describes {
		total += n
	}
	return total
}

// Opens returns the number of transaction open requests served by the
// address.
func (mc *MockCluster) Opens(address string) int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return mc.opens[address]
}

// Commits returns the number of served commit requests.
func (mc *MockCluster) Commits() int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return mc.commits
}

// Rollbacks returns the number of served rollback requests.
func (mc *MockCluster) Rollbacks() int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	return mc.rollbacks
}

// newReplicas places a new database on every server. The first server is
// the primary replica.
func (mc *MockCluster) newReplicas() []typedb.ReplicaInfo {
	replicas := make([]typedb.ReplicaInfo, 0, len(mc.addresses))
	for i, addr := range mc.addresses {
		replicas = append(replicas, typedb.ReplicaInfo{Address: addr, Primary: i == 0, Term: 1})
	}
	return replicas
}

func (mc *MockCluster) isPrimary(database, address string) bool {
	for _, r := range mc.databases[database] {
		if r.Address == address {
			return r.Primary
		}
	}
	return false
}

func (mc *MockCluster) serve(address string, sc *ServerConn, env typedb.Envelope) {
	var msg typedb.Message
	if err := typedb.UnmarshalPayload(env.Payload, &msg); err != nil || msg.Op == "" {
		sc.Reply(env.RequestId, env.Payload)
		return
	}

	mc.mutex.Lock()
	replicas, exists := mc.databases[msg.Database]
	primary := mc.isPrimary(msg.Database, address)
	schema := mc.schemas[msg.Database]
	names := make([]string, 0, len(mc.databases))
	for name := range mc.databases {
		names = append(names, name)
	}
	switch msg.Op {
	case typedb.OpCreate:
		if !exists {
			mc.databases[msg.Database] = mc.newReplicas()
		}
	case typedb.OpDescribe:
		mc.describes[address]++
	case typedb.OpOpen:
		mc.opens[address]++
	case typedb.OpCommit:
		mc.commits++
	case typedb.OpRollback:
		mc.rollbacks++
	case typedb.OpDelete:
		if exists && primary {
			delete(mc.databases, msg.Database)
		}
	}
	infos := append([]typedb.ReplicaInfo(nil), replicas...)
	mc.mutex.Unlock()

	notFound := func() {
		sc.ReplyError(env.RequestId, typedb.ServerErrDatabaseNotFound,
			fmt.Sprintf("database '%s' does not exist", msg.Database))
	}
	notPrimary := func() {
		sc.ReplyError(env.RequestId, typedb.ServerErrReplicaNotPrimary,
			fmt.Sprintf("%s is not the primary replica of '%s'", address, msg.Database))
	}

	switch msg.Op {
	case typedb.OpDescribe:
		if !exists {
			notFound()
			return
		}
		sc.ReplyValue(env.RequestId, typedb.DescribeResult{Replicas: infos})
	case typedb.OpOpen:
		if !exists {
			notFound()
			return
		}
		needsPrimary := msg.TransactionType == typedb.Write || msg.SessionType == typedb.SchemaSession
		if needsPrimary && !primary {
			notPrimary()
			return
		}
		id := uuid.New()
		sc.ReplyValue(env.RequestId, typedb.OpenResult{
			TransactionId:        id[:],
			ServerDurationMillis: 1,
		})
	case typedb.OpCommit, typedb.OpRollback:
		sc.Reply(env.RequestId, nil)
	case typedb.OpCreate:
		if exists {
			sc.ReplyError(env.RequestId, typedb.ServerErrUnknown,
				fmt.Sprintf("database '%s' already exists", msg.Database))
			return
		}
		sc.Reply(env.RequestId, nil)
	case typedb.OpContains:
		sc.ReplyValue(env.RequestId, typedb.ContainsResult{Contains: exists})
	case typedb.OpAll:
		sc.ReplyValue(env.RequestId, typedb.AllResult{Databases: names})
	case typedb.OpSchema:
		if !exists {
			notFound()
			return
		}
		sc.ReplyValue(env.RequestId, typedb.SchemaResult{Schema: schema})
	case typedb.OpDelete:
		if !exists {
			notFound()
			return
		}
		if !primary {
			notPrimary()
			return
		}
		sc.Reply(env.RequestId, nil)
	default:
		sc.Reply(env.RequestId, env.Payload)
	}
}
