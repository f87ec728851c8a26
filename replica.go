package typedb

import (
	"fmt"
	"sort"
	"time"
)

// Replica is one server hosting a copy of a database.
type Replica struct {
	Address     string
	Database    string
	Term        int64
	IsPrimary   bool
	IsPreferred bool
}

func (r Replica) String() string {
	role := "secondary"
	if r.IsPrimary {
		role = "primary"
	}
	return fmt.Sprintf("%s/%s (%s, term %d)", r.Address, r.Database, role, r.Term)
}

// ReplicaSet is an immutable snapshot of the replicas of one database.
// Replicas are kept in lexical order of their addresses.
type ReplicaSet struct {
	Database  string
	FetchedAt time.Time
	replicas  []Replica
}

// NewReplicaSet makes a snapshot of replicas.
func NewReplicaSet(database string, replicas []Replica) ReplicaSet {
	sorted := make([]Replica, len(replicas))
	copy(sorted, replicas)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})
	return ReplicaSet{
		Database:  database,
		FetchedAt: time.Now(),
		replicas:  sorted,
	}
}

// Replicas returns a copy of the replica list.
func (s ReplicaSet) Replicas() []Replica {
	replicas := make([]Replica, len(s.replicas))
	copy(replicas, s.replicas)
	return replicas
}

func (s ReplicaSet) Len() int {
	return len(s.replicas)
}

func (s ReplicaSet) Empty() bool {
	return len(s.replicas) == 0
}

// Primary returns the primary replica with the highest term. Of primaries
// with equal terms the first by address wins.
func (s ReplicaSet) Primary() (Replica, bool) {
	var primary Replica
	found := false
	for _, r := range s.replicas {
		if r.IsPrimary && (!found || r.Term > primary.Term) {
			primary = r
			found = true
		}
	}
	return primary, found
}

// Preferred returns the preferred replica, or the first one if no replica
// is preferred.
func (s ReplicaSet) Preferred() (Replica, bool) {
	for _, r := range s.replicas {
		if r.IsPreferred {
			return r, true
		}
	}
	if len(s.replicas) > 0 {
		return s.replicas[0], true
	}
	return Replica{}, false
}

// Candidates returns the preferred replica first and then the others in
// address order.
func (s ReplicaSet) Candidates() []Replica {
	preferred, ok := s.Preferred()
	if !ok {
		return nil
	}
	candidates := make([]Replica, 0, len(s.replicas))
	candidates = append(candidates, preferred)
	for _, r := range s.replicas {
		if r.Address != preferred.Address {
			candidates = append(candidates, r)
		}
	}
	return candidates
}

// Addresses returns the addresses of the replicas.
func (s ReplicaSet) Addresses() []string {
	addrs := make([]string, 0, len(s.replicas))
	for _, r := range s.replicas {
		addrs = append(addrs, r.Address)
	}
	return addrs
}
