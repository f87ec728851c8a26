package cluster

import (
	"fmt"
	"time"
)

/*
Default mode for each operation table:

	  Operation          Default mode
	------------------ ----------------
	| write tx        | Primary       |
	| schema session  | Primary       |
	| read tx         | Primary       |
	| read tx, any    | Failsafe      |
	| database schema | Failsafe      |
	| delete database | Primary       |
	| create database | AnyServer     |
	| contains / all  | AnyServer     |
*/
type Mode uint32

const (
	Primary    Mode = iota // The operation can only be executed on the primary replica.
	AnyReplica             // The operation can be executed on any replica, preferred one first.
	Failsafe               // Any replica first, the primary one if a secondary refuses.
	AnyServer              // Any configured server in order, the primary replica if a server refuses.
)

func (m Mode) String() string {
	switch m {
	case Primary:
		return "primary"
	case AnyReplica:
		return "any"
	case Failsafe:
		return "failsafe"
	case AnyServer:
		return "any_server"
	default:
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
}

const (
	DefaultPrimaryReplicaMaxRetries = 10
	DefaultFetchReplicasMaxRetries  = 10
	DefaultWaitForPrimarySelection  = 2 * time.Second
	DefaultDirectorySize            = 1024
	DefaultDescribeTimeout          = 10 * time.Second
)
