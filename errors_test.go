package typedb_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ice-blockchain/go-typedb"
)

func TestErrorClassification(t *testing.T) {
	unreachable := ClientError{ErrConnectionError, "unable to connect to a:1729"}
	notPrimary := Error{Code: ServerErrReplicaNotPrimary, Msg: "not primary"}
	notFound := Error{Code: ServerErrDatabaseNotFound, Msg: "no database"}

	tests := []struct {
		name        string
		err         error
		unreachable bool
		notPrimary  bool
		notFound    bool
		closed      bool
	}{
		{"unreachable", unreachable, true, false, false, false},
		{"wrapped unreachable", fmt.Errorf("dial: %w", unreachable), true, false, false, false},
		{"open on unreachable", &TransactionOpenError{Address: "a", Cause: unreachable},
			true, false, false, false},
		{"not primary", notPrimary, false, true, false, false},
		{"open on not primary", &TransactionOpenError{Address: "a", Cause: notPrimary},
			false, true, false, false},
		{"not found", notFound, false, false, true, false},
		{"channel closed", ClientError{ErrChannelClosed, "closed"}, false, false, false, true},
		{"transaction closed", ClientError{ErrTransactionClosed, "closed"},
			false, false, false, true},
		{"application error", Error{Code: 100, Msg: "syntax"}, false, false, false, false},
		{"timeout", ClientError{ErrTimeouted, "timeout"}, false, false, false, false},
		{"context", context.Canceled, false, false, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.unreachable, IsUnableToConnect(tc.err))
			assert.Equal(t, tc.notPrimary, IsReplicaNotPrimary(tc.err))
			assert.Equal(t, tc.notFound, IsDatabaseNotFound(tc.err))
			assert.Equal(t, tc.closed, IsClosed(tc.err))
		})
	}
}

func TestClientError_Temporary(t *testing.T) {
	require.True(t, ClientError{Code: ErrConnectionNotReady}.Temporary())
	require.True(t, ClientError{Code: ErrConnectionError}.Temporary())
	require.True(t, ClientError{Code: ErrTimeouted}.Temporary())
	require.True(t, ClientError{Code: ErrRateLimited}.Temporary())
	require.False(t, ClientError{Code: ErrChannelClosed}.Temporary())
	require.False(t, ClientError{Code: ErrProtocolError}.Temporary())
}

func TestClusterUnavailableError(t *testing.T) {
	var causes *multierror.Error
	causes = multierror.Append(causes, ClientError{ErrConnectionError, "a is down"})
	causes = multierror.Append(causes, ClientError{ErrConnectionError, "b is down"})

	err := fmt.Errorf("open: %w", &ClusterUnavailableError{
		Database:  "db",
		Addresses: []string{"a:1729", "b:1729"},
		Causes:    causes,
	})

	require.True(t, IsClusterUnavailable(err))
	require.False(t, IsClusterUnavailable(errors.New("other")))

	var cuerr *ClusterUnavailableError
	require.True(t, errors.As(err, &cuerr))
	require.Equal(t, []string{"a:1729", "b:1729"}, cuerr.Addresses)
	require.Contains(t, err.Error(), "a:1729,b:1729")
	require.Contains(t, err.Error(), "b is down")
}

func TestErrorString(t *testing.T) {
	require.Equal(t, "not primary (0x2)", Error{Code: 2, Msg: "not primary"}.Error())
	require.Equal(t, "closed (0x4002)", ClientError{Code: ErrChannelClosed, Msg: "closed"}.Error())
}
