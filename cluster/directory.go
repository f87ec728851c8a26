package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/ice-blockchain/go-typedb"
)

// Describer asks one server for the replicas of a database.
type Describer interface {
	Describe(ctx context.Context, server, database string) (typedb.ReplicaSet, error)
}

// DirectoryOpts is a way to configure a Directory.
type DirectoryOpts struct {
	// Size bounds the number of cached databases, DefaultDirectorySize by
	// default.
	Size int
	// TTL of a cached replica set. Zero means no expiration.
	TTL time.Duration
	// DescribeTimeout bounds a describe request shared by concurrent
	// refreshes, DefaultDescribeTimeout by default.
	DescribeTimeout time.Duration
	// Logger receives refresh events. Nothing is logged if it is nil.
	Logger typedb.Logger
}

// Directory caches the replica sets of databases. A cached set is only
// ever replaced as a whole.
type Directory struct {
	describer Describer
	cache     *lru.Cache
	ttl       time.Duration
	timeout   time.Duration
	logger    typedb.Logger
	group     singleflight.Group
	// mutex orders cache additions against removals of expired sets.
	mutex sync.Mutex
}

type cachedSet struct {
	set typedb.ReplicaSet
	at  time.Time
}

var timeNow = time.Now

// NewDirectory returns an empty Directory.
func NewDirectory(describer Describer, opts DirectoryOpts) *Directory {
	size := opts.Size
	if size <= 0 {
		size = DefaultDirectorySize
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	timeout := opts.DescribeTimeout
	if timeout <= 0 {
		timeout = DefaultDescribeTimeout
	}
	return &Directory{
		describer: describer,
		cache:     cache,
		ttl:       opts.TTL,
		timeout:   timeout,
		logger:    opts.Logger,
	}
}

// Refresh describes the database on server and caches the result.
// Concurrent refreshes of one database on one server share a single describe
// request. The shared request is bounded by DescribeTimeout rather than by a
// caller's ctx, so other callers still get its result.
func (d *Directory) Refresh(ctx context.Context, database, server string) (typedb.ReplicaSet, error) {
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(database+"\x00"+server, func() (interface{}, error) {
		describeCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		set, err := d.describer.Describe(describeCtx, server, database)
		if err != nil {
			directoryRefreshesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if set.Empty() {
			directoryRefreshesTotal.WithLabelValues("error").Inc()
			return nil, typedb.ClientError{
				Code: typedb.ErrProtocolError,
				Msg:  fmt.Sprintf("server %s reported no replicas for database '%s'", server, database),
			}
		}
		d.mutex.Lock()
		d.cache.Add(database, &cachedSet{set: set, at: timeNow()})
		d.mutex.Unlock()
		directoryRefreshesTotal.WithLabelValues("ok").Inc()
		return set, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return typedb.ReplicaSet{}, ctx.Err()
	}
	if res.Shared {
		directorySharedRefreshesTotal.Inc()
	}
	if res.Err != nil {
		d.report(RefreshFailedEvent{
			baseEvent: newBaseEvent(database),
			Server:    server,
			Error:     res.Err,
		})
		return typedb.ReplicaSet{}, res.Err
	}
	set := res.Val.(typedb.ReplicaSet)
	d.report(ReplicasRefreshedEvent{
		baseEvent: newBaseEvent(database),
		Server:    server,
		Replicas:  set.Replicas(),
	})
	return set, nil
}

// Fetch refreshes the database from the first server that answers.
// Servers that can not be reached are skipped, any other failure is
// returned as is.
func (d *Directory) Fetch(ctx context.Context, database string, servers []string) (typedb.ReplicaSet, error) {
	var errs *multierror.Error
	for _, server := range servers {
		set, err := d.Refresh(ctx, database, server)
		if err == nil {
			return set, nil
		}
		if !typedb.IsUnableToConnect(err) {
			return typedb.ReplicaSet{}, err
		}
		errs = multierror.Append(errs, err)
		if ctx.Err() != nil {
			return typedb.ReplicaSet{}, ctx.Err()
		}
	}
	return typedb.ReplicaSet{}, &typedb.ClusterUnavailableError{
		Database:  database,
		Addresses: d.Members(database, servers),
		Causes:    errs.ErrorOrNil(),
	}
}

// Get returns the cached replica set of the database. An expired set is
// dropped unless a refresh has replaced it meanwhile.
func (d *Directory) Get(database string) (typedb.ReplicaSet, bool) {
	v, ok := d.cache.Get(database)
	if !ok {
		return typedb.ReplicaSet{}, false
	}
	cs := v.(*cachedSet)
	if d.ttl > 0 && cs.at.Add(d.ttl).Before(timeNow()) {
		d.mutex.Lock()
		if cur, ok := d.cache.Peek(database); ok && cur.(*cachedSet) == cs {
			d.cache.Remove(database)
		}
		d.mutex.Unlock()
		return typedb.ReplicaSet{}, false
	}
	return cs.set, true
}

// Primary returns the cached primary replica of the database.
func (d *Directory) Primary(database string) (typedb.Replica, bool) {
	set, ok := d.Get(database)
	if !ok {
		return typedb.Replica{}, false
	}
	return set.Primary()
}

// Preferred returns the cached preferred replica of the database.
func (d *Directory) Preferred(database string) (typedb.Replica, bool) {
	set, ok := d.Get(database)
	if !ok {
		return typedb.Replica{}, false
	}
	return set.Preferred()
}

// Invalidate drops the cached replica set of the database.
func (d *Directory) Invalidate(database string) {
	d.cache.Remove(database)
}

// Databases returns the names of the cached databases.
func (d *Directory) Databases() []string {
	keys := d.cache.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.(string))
	}
	sort.Strings(names)
	return names
}

// Members returns servers together with the cached replica addresses of the
// database, sorted and without duplicates.
func (d *Directory) Members(database string, servers []string) []string {
	seen := make(map[string]bool, len(servers))
	members := make([]string, 0, len(servers))
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			members = append(members, addr)
		}
	}
	for _, s := range servers {
		add(s)
	}
	if v, ok := d.cache.Peek(database); ok {
		for _, addr := range v.(*cachedSet).set.Addresses() {
			add(addr)
		}
	}
	sort.Strings(members)
	return members
}

func (d *Directory) report(event typedb.LogEvent) {
	if d.logger != nil {
		d.logger.Report(event, nil)
	}
}
