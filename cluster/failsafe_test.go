package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-typedb"
)

var testServers = []string{"a:1729", "b:1729", "c:1729"}

func zeroBackoff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

// taskRecorder records the replicas a task was run on.
type taskRecorder struct {
	mutex     sync.Mutex
	replicas  []string
	firstRuns []bool
	result    func(replica typedb.Replica, attempt int) error
}

func (r *taskRecorder) task(_ context.Context, replica typedb.Replica, isFirstRun bool) error {
	r.mutex.Lock()
	attempt := len(r.replicas)
	r.replicas = append(r.replicas, replica.Address)
	r.firstRuns = append(r.firstRuns, isFirstRun)
	r.mutex.Unlock()
	return r.result(replica, attempt)
}

func newTestExecutor(describer Describer, opts Opts) (*Executor, *Directory) {
	if opts.Backoff == nil {
		opts.Backoff = zeroBackoff
	}
	dir := NewDirectory(describer, DirectoryOpts{})
	return NewExecutor(dir, testServers, opts), dir
}

func TestExecutor_PrimaryRetriesOnNotPrimary(t *testing.T) {
	describer := constDescriber(replicaSet("b:1729", testServers...))
	executor, dir := newTestExecutor(describer, Opts{})

	_, err := dir.Refresh(context.Background(), testDatabase, "a:1729")
	require.NoError(t, err)
	describer.Reset()

	rec := &taskRecorder{result: func(replica typedb.Replica, attempt int) error {
		if attempt < 2 {
			return notPrimary(replica.Address)
		}
		return nil
	}}
	err = executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)
	require.NoError(t, err)

	require.Equal(t, []bool{true, false, false}, rec.firstRuns)
	require.Equal(t, []string{"b:1729", "b:1729", "b:1729"}, rec.replicas)
	require.Len(t, describer.Calls(), 2)
}

func TestExecutor_PrimaryFollowsNewPrimary(t *testing.T) {
	var mutex sync.Mutex
	primary := "a:1729"
	describer := &fakeDescriber{
		describe: func(string, string) (typedb.ReplicaSet, error) {
			mutex.Lock()
			defer mutex.Unlock()
			return replicaSet(primary, testServers...), nil
		},
	}
	executor, _ := newTestExecutor(describer, Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		if replica.Address == "a:1729" {
			mutex.Lock()
			primary = "c:1729"
			mutex.Unlock()
			return unreachable(replica.Address)
		}
		return nil
	}}
	err := executor.Run(context.Background(), Primary, testDatabase, rec.task)
	require.NoError(t, err)
	require.Equal(t, []string{"a:1729", "c:1729"}, rec.replicas)
}

func TestExecutor_PrimaryGivesUp(t *testing.T) {
	describer := constDescriber(replicaSet("d:1729", "d:1729", "e:1729"))
	executor, _ := newTestExecutor(describer, Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		return unreachable(replica.Address)
	}}
	err := executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)

	var cuerr *typedb.ClusterUnavailableError
	require.ErrorAs(t, err, &cuerr)
	require.Equal(t, testDatabase, cuerr.Database)
	require.Equal(t, []string{"a:1729", "b:1729", "c:1729", "d:1729", "e:1729"}, cuerr.Addresses)
	require.Len(t, rec.replicas, DefaultPrimaryReplicaMaxRetries)
	require.Len(t, describer.Calls(), DefaultPrimaryReplicaMaxRetries)
}

func TestExecutor_PrimaryMaxRetries(t *testing.T) {
	describer := constDescriber(replicaSet("a:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{PrimaryReplicaMaxRetries: 3})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		return notPrimary(replica.Address)
	}}
	err := executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)
	require.True(t, typedb.IsClusterUnavailable(err))
	require.Len(t, rec.replicas, 3)
}

func TestExecutor_PrimaryOtherError(t *testing.T) {
	describer := constDescriber(replicaSet("a:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{})

	appErr := typedb.Error{Code: 100, Msg: "syntax error"}
	rec := &taskRecorder{result: func(typedb.Replica, int) error {
		return appErr
	}}
	err := executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)
	require.Equal(t, appErr, err)
	require.Len(t, rec.replicas, 1)
}

func TestExecutor_SeekPrimaryGivesUp(t *testing.T) {
	describer := constDescriber(replicaSet("", testServers...))
	executor, _ := newTestExecutor(describer, Opts{FetchReplicasMaxRetries: 3})

	rec := &taskRecorder{result: func(typedb.Replica, int) error { return nil }}
	err := executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)
	require.True(t, typedb.IsClusterUnavailable(err))
	require.Empty(t, rec.replicas)
	require.Len(t, describer.Calls(), 3)
}

func TestExecutor_SeekPrimaryClusterDown(t *testing.T) {
	describer := &fakeDescriber{
		describe: func(server, _ string) (typedb.ReplicaSet, error) {
			return typedb.ReplicaSet{}, unreachable(server)
		},
	}
	executor, _ := newTestExecutor(describer, Opts{})

	rec := &taskRecorder{result: func(typedb.Replica, int) error { return nil }}
	err := executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)
	require.True(t, typedb.IsClusterUnavailable(err))
	require.Empty(t, rec.replicas)
	require.Equal(t, testServers, describer.Calls())
}

func TestExecutor_PrimaryContextCancel(t *testing.T) {
	describer := constDescriber(replicaSet("a:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{
		Backoff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		return unreachable(replica.Address)
	}}

	done := make(chan error, 1)
	go func() {
		done <- executor.RunOnPrimaryReplica(ctx, testDatabase, rec.task)
	}()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("executor has not noticed the context cancel")
	}
	require.Len(t, rec.replicas, 1)
}

func TestExecutor_BackoffStop(t *testing.T) {
	describer := constDescriber(replicaSet("a:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{
		Backoff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		return unreachable(replica.Address)
	}}
	err := executor.RunOnPrimaryReplica(context.Background(), testDatabase, rec.task)

	var cuerr *typedb.ClusterUnavailableError
	require.ErrorAs(t, err, &cuerr)
	require.ErrorContains(t, cuerr.Causes, "unable to connect to a:1729")
	require.Len(t, rec.replicas, 1)
}

func TestExecutor_AnyReplicaOrder(t *testing.T) {
	set := typedb.NewReplicaSet(testDatabase, []typedb.Replica{
		{Address: "a:1729", IsPrimary: true, Term: 1},
		{Address: "b:1729", IsPreferred: true},
		{Address: "c:1729"},
	})
	executor, _ := newTestExecutor(constDescriber(set), Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		if replica.Address != "c:1729" {
			return unreachable(replica.Address)
		}
		return nil
	}}
	err := executor.Run(context.Background(), AnyReplica, testDatabase, rec.task)
	require.NoError(t, err)
	require.Equal(t, []string{"b:1729", "a:1729", "c:1729"}, rec.replicas)
	require.Equal(t, []bool{true, false, false}, rec.firstRuns)
}

func TestExecutor_AnyReplicaUsesCache(t *testing.T) {
	describer := constDescriber(replicaSet("a:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{})

	rec := &taskRecorder{result: func(typedb.Replica, int) error { return nil }}
	for i := 0; i < 3; i++ {
		require.NoError(t, executor.RunOnAnyReplica(context.Background(), testDatabase, rec.task))
	}
	require.Len(t, describer.Calls(), 1)
}

func TestExecutor_AnyReplicaExhausted(t *testing.T) {
	executor, _ := newTestExecutor(constDescriber(replicaSet("a:1729", testServers...)), Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		return unreachable(replica.Address)
	}}
	err := executor.RunOnAnyReplica(context.Background(), testDatabase, rec.task)

	var cuerr *typedb.ClusterUnavailableError
	require.ErrorAs(t, err, &cuerr)
	require.Equal(t, testServers, cuerr.Addresses)
	require.Len(t, rec.replicas, len(testServers))
}

func TestExecutor_AnyReplicaOtherError(t *testing.T) {
	executor, _ := newTestExecutor(constDescriber(replicaSet("a:1729", testServers...)), Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		return notPrimary(replica.Address)
	}}
	err := executor.RunOnAnyReplica(context.Background(), testDatabase, rec.task)
	require.True(t, typedb.IsReplicaNotPrimary(err))
	require.Len(t, rec.replicas, 1)
}

func TestExecutor_FailsafeFallsBackToPrimary(t *testing.T) {
	set := typedb.NewReplicaSet(testDatabase, []typedb.Replica{
		{Address: "a:1729", IsPrimary: true, Term: 2},
		{Address: "b:1729", IsPreferred: true, Term: 2},
	})
	executor, _ := newTestExecutor(constDescriber(set), Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		if !replica.IsPrimary {
			return notPrimary(replica.Address)
		}
		return nil
	}}
	err := executor.Run(context.Background(), Failsafe, testDatabase, rec.task)
	require.NoError(t, err)
	require.Equal(t, []string{"b:1729", "a:1729"}, rec.replicas)
}

func TestExecutor_FailsafeOnSecondary(t *testing.T) {
	set := typedb.NewReplicaSet(testDatabase, []typedb.Replica{
		{Address: "a:1729", IsPrimary: true, Term: 2},
		{Address: "b:1729", IsPreferred: true, Term: 2},
	})
	executor, _ := newTestExecutor(constDescriber(set), Opts{})

	rec := &taskRecorder{result: func(typedb.Replica, int) error { return nil }}
	require.NoError(t, executor.RunFailsafe(context.Background(), testDatabase, rec.task))
	require.Equal(t, []string{"b:1729"}, rec.replicas)
}

func TestExecutor_AnyServerOrder(t *testing.T) {
	describer := constDescriber(replicaSet("a:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		if replica.Address == "c:1729" {
			return nil
		}
		return unreachable(replica.Address)
	}}
	err := executor.Run(context.Background(), AnyServer, testDatabase, rec.task)
	require.NoError(t, err)
	require.Equal(t, testServers, rec.replicas)
	require.Equal(t, []bool{true, false, false}, rec.firstRuns)
	require.Empty(t, describer.Calls())
}

func TestExecutor_AnyServerFallsBackToPrimary(t *testing.T) {
	describer := constDescriber(replicaSet("c:1729", testServers...))
	executor, _ := newTestExecutor(describer, Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		if replica.Address != "c:1729" {
			return notPrimary(replica.Address)
		}
		return nil
	}}
	err := executor.RunOnAnyServer(context.Background(), testDatabase, rec.task)
	require.NoError(t, err)
	require.Equal(t, []string{"a:1729", "c:1729"}, rec.replicas)
	require.Len(t, describer.Calls(), 1)
}

func TestExecutor_AnyServerOtherError(t *testing.T) {
	executor, _ := newTestExecutor(constDescriber(replicaSet("a:1729", testServers...)), Opts{})

	appErr := typedb.Error{Code: 100, Msg: "database 'social' already exists"}
	rec := &taskRecorder{result: func(typedb.Replica, int) error { return appErr }}
	err := executor.RunOnAnyServer(context.Background(), testDatabase, rec.task)
	require.Equal(t, appErr, err)
	require.Equal(t, []string{"a:1729"}, rec.replicas)
}

func TestExecutor_AnyServerExhausted(t *testing.T) {
	executor, _ := newTestExecutor(constDescriber(replicaSet("a:1729", testServers...)), Opts{})

	rec := &taskRecorder{result: func(replica typedb.Replica, _ int) error {
		return unreachable(replica.Address)
	}}
	err := executor.RunOnAnyServer(context.Background(), testDatabase, rec.task)
	var cuerr *typedb.ClusterUnavailableError
	require.ErrorAs(t, err, &cuerr)
	require.Equal(t, testServers, cuerr.Addresses)
	require.Equal(t, testServers, rec.replicas)
}

func TestExecutor_UnknownMode(t *testing.T) {
	executor, _ := newTestExecutor(constDescriber(replicaSet("a:1729", "a:1729")), Opts{})

	err := executor.Run(context.Background(), Mode(42), testDatabase,
		func(context.Context, typedb.Replica, bool) error { return nil })
	require.ErrorContains(t, err, "Mode(42)")
}

func TestNewExecutor_Defaults(t *testing.T) {
	executor := NewExecutor(nil, testServers, Opts{})

	require.Equal(t, DefaultPrimaryReplicaMaxRetries, executor.opts.PrimaryReplicaMaxRetries)
	require.Equal(t, DefaultFetchReplicasMaxRetries, executor.opts.FetchReplicasMaxRetries)
	require.Equal(t, DefaultWaitForPrimarySelection, executor.opts.WaitForPrimarySelection)
	require.Equal(t, DefaultWaitForPrimarySelection, executor.opts.Backoff().NextBackOff())
}
