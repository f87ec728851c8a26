package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-typedb"
	"github.com/ice-blockchain/go-typedb/cluster"
	"github.com/ice-blockchain/go-typedb/test_helpers"
)

const (
	server1  = "10.0.0.1:1729"
	server2  = "10.0.0.2:1729"
	server3  = "10.0.0.3:1729"
	database = "social"
)

var servers = []string{server1, server2, server3}

type discardLogger struct{}

func (discardLogger) Report(typedb.LogEvent, *typedb.Connection) {}

func newMockCluster() *test_helpers.MockCluster {
	mc := test_helpers.NewMockCluster(servers...)
	mc.SetReplicas(database,
		typedb.ReplicaInfo{Address: server1, Primary: true, Term: 1},
		typedb.ReplicaInfo{Address: server2, Preferred: true, Term: 1},
		typedb.ReplicaInfo{Address: server3, Term: 1},
	)
	return mc
}

func newClient(t testing.TB, mc *test_helpers.MockCluster) *cluster.Client {
	t.Helper()
	client, err := cluster.NewClient(context.Background(), servers, cluster.ClientOpts{
		ConnOpts: typedb.Opts{Logger: discardLogger{}},
		Dialer:   mc.Dialer,
		Executor: cluster.Opts{
			Backoff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		},
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_EmptyServers(t *testing.T) {
	_, err := cluster.NewClient(context.Background(), nil, cluster.ClientOpts{})
	require.ErrorIs(t, err, cluster.ErrEmptyServers)

	_, err = cluster.NewClient(context.Background(), []string{""}, cluster.ClientOpts{})
	require.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	mc := newMockCluster()
	for _, s := range servers {
		mc.Dialer.SetDown(s, true)
	}

	_, err := cluster.NewClient(context.Background(), servers, cluster.ClientOpts{
		ConnOpts: typedb.Opts{Logger: discardLogger{}},
		Dialer:   mc.Dialer,
	})
	var cuerr *typedb.ClusterUnavailableError
	require.ErrorAs(t, err, &cuerr)
	require.Equal(t, servers, cuerr.Addresses)
	for _, s := range servers {
		require.Equal(t, 1, mc.Dialer.Dials(s))
	}
}

func TestNewClient_FirstServerDown(t *testing.T) {
	mc := newMockCluster()
	mc.Dialer.SetDown(server1, true)

	client := newClient(t, mc)
	defer client.Close()
	require.Equal(t, servers, client.Servers())
	require.Equal(t, 1, mc.Dialer.Dials(server2))
	require.Equal(t, 0, mc.Dialer.Dials(server3))
}

func TestClient_WriteOnPrimary(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	ctx := context.Background()
	tx, err := client.OpenTransaction(ctx, database, typedb.Write, typedb.TransactionOpts{})
	require.NoError(t, err)
	require.Equal(t, server1, tx.Address())
	require.Equal(t, 1, mc.Opens(server1))
	require.Equal(t, 1, client.Transactions())

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, 1, mc.Commits())
	require.Equal(t, 0, client.Transactions())
}

func TestClient_OpenTransactionKeepsCallerCallbacks(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	closed := make(chan struct{}, 1)
	callbacks := make([]func(*typedb.Transaction, error), 1, 2)
	callbacks[0] = func(*typedb.Transaction, error) { closed <- struct{}{} }
	txOpts := typedb.TransactionOpts{OnClose: callbacks}

	tx, err := client.OpenTransaction(context.Background(), database, typedb.Write, txOpts)
	require.NoError(t, err)
	require.Len(t, txOpts.OnClose, 1)
	require.Nil(t, callbacks[:2][1])

	require.NoError(t, tx.Close())
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose callback has not been called")
	}
	require.Eventually(t, func() bool {
		return client.Transactions() == 0
	}, time.Second, time.Millisecond)
}

func TestClient_ReadOnPrimaryByDefault(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	tx, err := client.OpenTransaction(context.Background(), database, typedb.Read, typedb.TransactionOpts{})
	require.NoError(t, err)
	defer tx.Close()
	require.Equal(t, server1, tx.Address())
}

func TestClient_ReadAnyReplica(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	closed := make(chan struct{}, 1)
	tx, err := client.OpenTransaction(context.Background(), database, typedb.Read,
		typedb.TransactionOpts{
			ReadAnyReplica: true,
			OnClose: []func(*typedb.Transaction, error){
				func(*typedb.Transaction, error) { closed <- struct{}{} },
			},
		})
	require.NoError(t, err)
	require.Equal(t, server2, tx.Address())
	require.Equal(t, 0, mc.Opens(server1))

	require.NoError(t, tx.Close())
	require.Len(t, closed, 1)
	require.Equal(t, 0, client.Transactions())
}

func TestClient_SchemaSessionOnPrimary(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	tx, err := client.OpenTransaction(context.Background(), database, typedb.Read,
		typedb.TransactionOpts{ReadAnyReplica: true, SessionType: typedb.SchemaSession})
	require.NoError(t, err)
	defer tx.Close()
	require.Equal(t, server1, tx.Address())
}

func TestClient_Failover(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	ctx := context.Background()
	tx, err := client.OpenTransaction(ctx, database, typedb.Write, typedb.TransactionOpts{})
	require.NoError(t, err)
	require.Equal(t, server1, tx.Address())
	require.NoError(t, tx.Commit(ctx))

	mc.Dialer.SetDown(server1, true)
	mc.Failover(database, server3)

	tx, err = client.OpenTransaction(ctx, database, typedb.Write, typedb.TransactionOpts{})
	require.NoError(t, err)
	defer tx.Close()
	require.Equal(t, server3, tx.Address())

	primary, ok := client.Directory().Primary(database)
	require.True(t, ok)
	require.Equal(t, server3, primary.Address)
	require.Equal(t, int64(2), primary.Term)
}

func TestClient_NotPrimaryRefreshesDirectory(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	ctx := context.Background()
	_, err := client.Replicas(ctx, database)
	require.NoError(t, err)
	describes := mc.TotalDescribes()

	mc.Failover(database, server2)

	tx, err := client.OpenTransaction(ctx, database, typedb.Write, typedb.TransactionOpts{})
	require.NoError(t, err)
	defer tx.Close()
	require.Equal(t, server2, tx.Address())
	require.Equal(t, describes+1, mc.TotalDescribes())
}

func TestClient_UnknownDatabase(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	_, err := client.OpenTransaction(context.Background(), "unknown", typedb.Write, typedb.TransactionOpts{})
	require.True(t, typedb.IsDatabaseNotFound(err))
}

func TestClient_Replicas(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	set, err := client.Replicas(context.Background(), database)
	require.NoError(t, err)
	require.Equal(t, servers, set.Addresses())

	primary, ok := set.Primary()
	require.True(t, ok)
	require.Equal(t, server1, primary.Address)
	require.Equal(t, []string{database}, client.Directory().Databases())
}

func TestClient_DatabaseSchema(t *testing.T) {
	mc := newMockCluster()
	mc.SetSchema(database, "define person sub entity;")
	client := newClient(t, mc)
	defer client.Close()

	schema, err := client.DatabaseSchema(context.Background(), database)
	require.NoError(t, err)
	require.Equal(t, "define person sub entity;", schema)
}

func TestClient_DeleteDatabase(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	ctx := context.Background()
	_, err := client.Replicas(ctx, database)
	require.NoError(t, err)

	require.NoError(t, client.DeleteDatabase(ctx, database))
	require.False(t, mc.HasDatabase(database))
	_, ok := client.Directory().Get(database)
	require.False(t, ok)

	err = client.DeleteDatabase(ctx, database)
	require.True(t, typedb.IsDatabaseNotFound(err))
}

func TestClient_CreateDatabase(t *testing.T) {
	mc := newMockCluster()
	mc.Dialer.SetDown(server1, true)
	client := newClient(t, mc)
	defer client.Close()

	ctx := context.Background()
	contains, err := client.ContainsDatabase(ctx, "iam")
	require.NoError(t, err)
	require.False(t, contains)

	require.NoError(t, client.CreateDatabase(ctx, "iam"))
	require.True(t, mc.HasDatabase("iam"))

	contains, err = client.ContainsDatabase(ctx, "iam")
	require.NoError(t, err)
	require.True(t, contains)

	err = client.CreateDatabase(ctx, "iam")
	require.ErrorContains(t, err, "already exists")
}

func TestClient_Databases(t *testing.T) {
	mc := newMockCluster()
	mc.SetReplicas("iam", typedb.ReplicaInfo{Address: server1, Primary: true, Term: 1})
	client := newClient(t, mc)
	defer client.Close()

	names, err := client.Databases(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"iam", database}, names)
}

func TestClient_DatabasesClusterDown(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)
	defer client.Close()

	for _, s := range servers {
		mc.Dialer.SetDown(s, true)
	}
	_, err := client.Databases(context.Background())
	var cuerr *typedb.ClusterUnavailableError
	require.ErrorAs(t, err, &cuerr)
}

func TestClient_RunOnAny(t *testing.T) {
	mc := newMockCluster()
	mc.Dialer.SetDown(server2, true)
	client := newClient(t, mc)
	defer client.Close()

	var addrs []string
	err := client.RunOnAny(context.Background(), database,
		func(ctx context.Context, conn *typedb.Connection) error {
			addrs = append(addrs, conn.Addr())
			resp, err := conn.Call(ctx, typedb.NewRawRequest([]byte("ping")))
			if err != nil {
				return err
			}
			require.Equal(t, []byte("ping"), resp.Payload)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []string{server1}, addrs)
}

func TestClient_Close(t *testing.T) {
	mc := newMockCluster()
	client := newClient(t, mc)

	ctx := context.Background()
	first, err := client.OpenTransaction(ctx, database, typedb.Write, typedb.TransactionOpts{})
	require.NoError(t, err)
	second, err := client.OpenTransaction(ctx, database, typedb.Read, typedb.TransactionOpts{})
	require.NoError(t, err)
	require.Equal(t, 2, client.Transactions())

	require.NoError(t, client.Close())
	require.False(t, first.IsOpen())
	require.False(t, second.IsOpen())
	require.Equal(t, 0, client.Transactions())
	require.NoError(t, client.Close())

	_, err = client.OpenTransaction(ctx, database, typedb.Write, typedb.TransactionOpts{})
	require.ErrorIs(t, err, cluster.ErrClosed)
	_, err = client.Replicas(ctx, database)
	require.ErrorIs(t, err, cluster.ErrClosed)
	err = client.RunOnPrimary(ctx, database, func(context.Context, *typedb.Connection) error { return nil })
	require.ErrorIs(t, err, cluster.ErrClosed)
}
