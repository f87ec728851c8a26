package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/go-typedb"
)

// Task is an operation run against one replica. isFirstRun is false when
// the operation is retried after a failure, so it may refresh the state it
// depends on.
type Task func(ctx context.Context, replica typedb.Replica, isFirstRun bool) error

// Opts is a way to configure an Executor.
type Opts struct {
	// PrimaryReplicaMaxRetries is a number of task executions on the primary
	// replica before giving up, DefaultPrimaryReplicaMaxRetries by default.
	PrimaryReplicaMaxRetries int
	// FetchReplicasMaxRetries is a number of replica list fetches while
	// waiting for a primary replica to be elected,
	// DefaultFetchReplicasMaxRetries by default.
	FetchReplicasMaxRetries int
	// WaitForPrimarySelection is a pause between retries,
	// DefaultWaitForPrimarySelection by default. It is ignored if Backoff is
	// set.
	WaitForPrimarySelection time.Duration
	// Backoff makes a policy of pauses between retries for a single run.
	// backoff.Stop ends the run with ClusterUnavailableError.
	Backoff func() backoff.BackOff
	// Logger receives failover events. Nothing is logged if it is nil.
	Logger typedb.Logger
}

// Executor runs tasks on the replicas of a database, failing over to
// other replicas when a replica can not serve a task.
//
// An Executor keeps no state between runs beyond the Directory cache.
type Executor struct {
	directory *Directory
	servers   []string
	opts      Opts
}

// NewExecutor returns an Executor that discovers replicas through the
// servers.
func NewExecutor(directory *Directory, servers []string, opts Opts) *Executor {
	if opts.PrimaryReplicaMaxRetries <= 0 {
		opts.PrimaryReplicaMaxRetries = DefaultPrimaryReplicaMaxRetries
	}
	if opts.FetchReplicasMaxRetries <= 0 {
		opts.FetchReplicasMaxRetries = DefaultFetchReplicasMaxRetries
	}
	if opts.WaitForPrimarySelection <= 0 {
		opts.WaitForPrimarySelection = DefaultWaitForPrimarySelection
	}
	if opts.Backoff == nil {
		wait := opts.WaitForPrimarySelection
		opts.Backoff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(wait)
		}
	}
	return &Executor{
		directory: directory,
		servers:   append([]string(nil), servers...),
		opts:      opts,
	}
}

// Run runs the task in the given mode.
func (e *Executor) Run(ctx context.Context, mode Mode, database string, task Task) error {
	switch mode {
	case Primary:
		return e.RunOnPrimaryReplica(ctx, database, task)
	case AnyReplica:
		return e.RunOnAnyReplica(ctx, database, task)
	case Failsafe:
		return e.RunFailsafe(ctx, database, task)
	case AnyServer:
		return e.RunOnAnyServer(ctx, database, task)
	default:
		return fmt.Errorf("unexpected mode %s", mode)
	}
}

type runState int

const (
	stateSeekPrimary runState = iota
	stateRun
	stateWait
)

// RunOnPrimaryReplica runs the task on the primary replica. When the
// replica can not be reached or is no longer the primary one, it waits for
// an election, finds the new primary replica and runs the task again.
// Other errors are returned at once.
func (e *Executor) RunOnPrimaryReplica(ctx context.Context, database string, task Task) error {
	b := backoff.WithContext(e.opts.Backoff(), ctx)

	var (
		replica  typedb.Replica
		attempts int
		errs     *multierror.Error
	)

	st := stateSeekPrimary
	if r, ok := e.directory.Primary(database); ok {
		replica, st = r, stateRun
	}

	for {
		switch st {
		case stateSeekPrimary:
			r, err := e.seekPrimary(ctx, database, b)
			if err != nil {
				return err
			}
			replica, st = r, stateRun
		case stateRun:
			err := task(ctx, replica, attempts == 0)
			attempts++
			failsafeAttemptsTotal.WithLabelValues(Primary.String()).Inc()
			if err == nil {
				return nil
			}
			if !typedb.IsReplicaNotPrimary(err) && !typedb.IsUnableToConnect(err) {
				return err
			}
			errs = multierror.Append(errs, err)
			if attempts >= e.opts.PrimaryReplicaMaxRetries {
				return e.unavailable(database, errs)
			}
			failsafeRetriesTotal.WithLabelValues(Primary.String()).Inc()
			e.report(FailoverEvent{
				baseEvent: newBaseEvent(database),
				Mode:      Primary,
				Replica:   replica.Address,
				Attempt:   attempts,
				Error:     err,
			})
			st = stateWait
		case stateWait:
			if err := e.wait(ctx, database, b, errs); err != nil {
				return err
			}
			st = stateSeekPrimary
		}
	}
}

// seekPrimary fetches the replica list until a primary replica shows up.
func (e *Executor) seekPrimary(ctx context.Context, database string, b backoff.BackOff) (typedb.Replica, error) {
	for retry := 0; retry < e.opts.FetchReplicasMaxRetries; retry++ {
		set, err := e.directory.Fetch(ctx, database, e.servers)
		if err != nil {
			return typedb.Replica{}, err
		}
		if primary, ok := set.Primary(); ok {
			return primary, nil
		}
		if retry+1 < e.opts.FetchReplicasMaxRetries {
			if err = e.wait(ctx, database, b, nil); err != nil {
				return typedb.Replica{}, err
			}
		}
	}
	return typedb.Replica{}, e.unavailable(database, nil)
}

// RunOnAnyReplica runs the task on the preferred replica and then on the
// others in order until one of them can be reached. Other errors are
// returned at once.
func (e *Executor) RunOnAnyReplica(ctx context.Context, database string, task Task) error {
	set, ok := e.directory.Get(database)
	if !ok {
		var err error
		if set, err = e.directory.Fetch(ctx, database, e.servers); err != nil {
			return err
		}
	}

	var errs *multierror.Error
	for i, replica := range set.Candidates() {
		err := task(ctx, replica, i == 0)
		failsafeAttemptsTotal.WithLabelValues(AnyReplica.String()).Inc()
		if err == nil {
			return nil
		}
		if !typedb.IsUnableToConnect(err) {
			return err
		}
		errs = multierror.Append(errs, err)
		failsafeRetriesTotal.WithLabelValues(AnyReplica.String()).Inc()
		e.report(FailoverEvent{
			baseEvent: newBaseEvent(database),
			Mode:      AnyReplica,
			Replica:   replica.Address,
			Attempt:   i + 1,
			Error:     err,
		})
	}
	return e.unavailable(database, errs)
}

// RunFailsafe runs the task on any replica and falls back to the primary
// one if a replica reports that it is not the primary.
func (e *Executor) RunFailsafe(ctx context.Context, database string, task Task) error {
	err := e.RunOnAnyReplica(ctx, database, task)
	if err != nil && typedb.IsReplicaNotPrimary(err) {
		e.report(FailoverEvent{
			baseEvent: newBaseEvent(database),
			Mode:      Failsafe,
			Error:     err,
		})
		return e.RunOnPrimaryReplica(ctx, database, task)
	}
	return err
}

// RunOnAnyServer runs the task on the configured servers in order until
// one of them can be reached. It serves requests which need no replica
// list, such as creating a database. A server that is not the primary
// replica of the database hands the task over to RunOnPrimaryReplica.
func (e *Executor) RunOnAnyServer(ctx context.Context, database string, task Task) error {
	var errs *multierror.Error
	for i, server := range e.servers {
		replica := typedb.Replica{Address: server, Database: database}
		err := task(ctx, replica, i == 0)
		failsafeAttemptsTotal.WithLabelValues(AnyServer.String()).Inc()
		if err == nil {
			return nil
		}
		notPrimary := typedb.IsReplicaNotPrimary(err)
		if !notPrimary && !typedb.IsUnableToConnect(err) {
			return err
		}
		e.report(FailoverEvent{
			baseEvent: newBaseEvent(database),
			Mode:      AnyServer,
			Replica:   server,
			Attempt:   i + 1,
			Error:     err,
		})
		if notPrimary {
			return e.RunOnPrimaryReplica(ctx, database, task)
		}
		errs = multierror.Append(errs, err)
		failsafeRetriesTotal.WithLabelValues(AnyServer.String()).Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return e.unavailable(database, errs)
}

func (e *Executor) wait(ctx context.Context, database string, b backoff.BackOff, errs *multierror.Error) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return e.unavailable(database, errs)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) unavailable(database string, errs *multierror.Error) error {
	err := &typedb.ClusterUnavailableError{
		Database:  database,
		Addresses: e.directory.Members(database, e.servers),
		Causes:    errs.ErrorOrNil(),
	}
	clusterUnavailableTotal.Inc()
	e.report(ClusterUnavailableEvent{
		baseEvent: newBaseEvent(database),
		Error:     err,
	})
	return err
}

func (e *Executor) report(event typedb.LogEvent) {
	if e.opts.Logger != nil {
		e.opts.Logger.Report(event, nil)
	}
}
