package typedb

import (
	"errors"
	"fmt"
	"strings"
)

// Error is wrapper around error returned by a server inside a response
// envelope. It is the resolved value of the failed call and never faults
// the connection.
type Error struct {
	Code uint32
	Msg  string
}

// Error converts an Error to a string.
func (srverr Error) Error() string {
	return fmt.Sprintf("%s (0x%x)", srverr.Msg, srverr.Code)
}

// ClientError is connection error produced by this client,
// i.e. connection failures, closed channels or timeouts.
type ClientError struct {
	Code uint32
	Msg  string
}

// Error converts a ClientError to a string.
func (clierr ClientError) Error() string {
	return fmt.Sprintf("%s (0x%x)", clierr.Msg, clierr.Code)
}

// Temporary returns true if next attempt to perform request may succeeded.
//
// Currently it returns true when:
//
// - Connection is not connected at the moment
//
// - server could not be reached
//
// - request is timeouted
//
// - request is aborted due to rate limit
func (clierr ClientError) Temporary() bool {
	switch clierr.Code {
	case ErrConnectionNotReady, ErrConnectionError, ErrTimeouted, ErrRateLimited:
		return true
	default:
		return false
	}
}

// Client error codes.
const (
	ErrConnectionNotReady = 0x4000 + iota
	ErrConnectionError    = 0x4000 + iota
	ErrChannelClosed      = 0x4000 + iota
	ErrTransactionClosed  = 0x4000 + iota
	ErrProtocolError      = 0x4000 + iota
	ErrTimeouted          = 0x4000 + iota
	ErrRateLimited        = 0x4000 + iota
)

// Server error codes the client has to understand. Every other code is an
// application error and is passed to the caller verbatim.
const (
	ServerErrUnknown           = 0
	ServerErrDatabaseNotFound  = 1
	ServerErrReplicaNotPrimary = 2
	ServerErrAuthentication    = 3
)

// TransactionOpenError is returned when a transaction can not be opened.
// The transaction is left closed.
type TransactionOpenError struct {
	Address  string
	Database string
	Cause    error
}

func (e *TransactionOpenError) Error() string {
	return fmt.Sprintf("failed to open transaction on %s for database '%s': %s",
		e.Address, e.Database, e.Cause)
}

func (e *TransactionOpenError) Unwrap() error {
	return e.Cause
}

// ClusterUnavailableError is returned when every retry or every candidate
// replica has been exhausted.
type ClusterUnavailableError struct {
	Database string
	// Addresses are all cluster members known at the moment of failure.
	Addresses []string
	// Causes keeps the per-attempt errors, it may be nil.
	Causes error
}

func (e *ClusterUnavailableError) Error() string {
	msg := fmt.Sprintf("unable to connect to the cluster for database '%s', attempted: %s",
		e.Database, strings.Join(e.Addresses, ","))
	if e.Causes != nil {
		msg += ": " + e.Causes.Error()
	}
	return msg
}

func hasClientCode(err error, code uint32) bool {
	var clierr ClientError
	return errors.As(err, &clierr) && clierr.Code == code
}

func hasServerCode(err error, code uint32) bool {
	var srverr Error
	return errors.As(err, &srverr) && srverr.Code == code
}

// IsUnableToConnect reports whether err means that a server could not be
// reached, so another replica may be tried.
func IsUnableToConnect(err error) bool {
	return hasClientCode(err, ErrConnectionError)
}

// IsReplicaNotPrimary reports whether a replica refused a request because it
// is not the primary one.
func IsReplicaNotPrimary(err error) bool {
	return hasServerCode(err, ServerErrReplicaNotPrimary)
}

// IsDatabaseNotFound reports whether a server does not know the database.
func IsDatabaseNotFound(err error) bool {
	return hasServerCode(err, ServerErrDatabaseNotFound)
}

// IsClosed reports whether err was caused by a local close of a connection
// or a transaction.
func IsClosed(err error) bool {
	return hasClientCode(err, ErrChannelClosed) ||
		hasClientCode(err, ErrTransactionClosed)
}

// IsClusterUnavailable reports whether err is a ClusterUnavailableError.
func IsClusterUnavailable(err error) bool {
	var cuerr *ClusterUnavailableError
	return errors.As(err, &cuerr)
}
