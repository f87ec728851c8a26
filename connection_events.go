package typedb

import (
	"fmt"
	"log/slog"
	"time"
)

type LogEvent interface {
	EventName() string
	Message() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

type baseEvent struct {
	addr      string
	EventTime time.Time
}

func newBaseEvent(addr string) baseEvent {
	return baseEvent{
		addr:      addr,
		EventTime: time.Now(),
	}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("component", "typedb.connection"),
		slog.Time("event_time", e.EventTime),
	}
	if e.addr != "" {
		attrs = append(attrs, slog.String("addr", e.addr))
	}
	return attrs
}

type ConnectionFailedEvent struct {
	baseEvent
	Error error
}

func (e ConnectionFailedEvent) EventName() string    { return "connection_failed" }
func (e ConnectionFailedEvent) Message() string      { return "Connection failed" }
func (e ConnectionFailedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ConnectionFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

// UnexpectedResultIdEvent is reported when a reply for a call that was
// cancelled or timed out arrives. The reply is dropped.
type UnexpectedResultIdEvent struct {
	baseEvent
	RequestId RequestId
}

func (e UnexpectedResultIdEvent) EventName() string { return "unexpected_result_id" }
func (e UnexpectedResultIdEvent) Message() string {
	return fmt.Sprintf("Dropped late response for abandoned request %s", e.RequestId)
}
func (e UnexpectedResultIdEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e UnexpectedResultIdEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("request_id", e.RequestId.String()),
	)
	return attrs
}

type ProtocolViolationEvent struct {
	baseEvent
	Error error
}

func (e ProtocolViolationEvent) EventName() string { return "protocol_violation" }
func (e ProtocolViolationEvent) Message() string {
	return fmt.Sprintf("Protocol violation, closing connection: %s", e.Error)
}
func (e ProtocolViolationEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ProtocolViolationEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("error", e.Error.Error()),
	)
	return attrs
}

type ConnectedEvent struct {
	baseEvent
}

func (e ConnectedEvent) EventName() string    { return "connected" }
func (e ConnectedEvent) Message() string      { return "Connected to TypeDB" }
func (e ConnectedEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e ConnectedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
	)
	return attrs
}

type DisconnectedEvent struct {
	baseEvent
	Reason error
}

func (e DisconnectedEvent) EventName() string { return "disconnected" }
func (e DisconnectedEvent) Message() string {
	if e.Reason != nil {
		return fmt.Sprintf("Disconnected from TypeDB: %s", e.Reason)
	}
	return "Disconnected from TypeDB"
}
func (e DisconnectedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e DisconnectedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Reason != nil {
		attrs = append(attrs, slog.String("reason", e.Reason.Error()))
	}
	return attrs
}

type ClosedEvent struct {
	baseEvent
	Pending int
}

func (e ClosedEvent) EventName() string    { return "closed" }
func (e ClosedEvent) Message() string      { return "Connection closed" }
func (e ClosedEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e ClosedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.Int("pending_calls", e.Pending),
	)
	return attrs
}

type TimeoutEvent struct {
	baseEvent
	RequestId RequestId
	Timeout   time.Duration
}

func (e TimeoutEvent) EventName() string { return "timeout" }
func (e TimeoutEvent) Message() string {
	return fmt.Sprintf("Request %s timed out after %s", e.RequestId, e.Timeout)
}
func (e TimeoutEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e TimeoutEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("request_id", e.RequestId.String()),
		slog.String("timeout", e.Timeout.String()),
	)
	return attrs
}

type TransactionOpenedEvent struct {
	baseEvent
	Database       string
	Type           TransactionType
	ServerDuration time.Duration
}

func (e TransactionOpenedEvent) EventName() string { return "transaction_opened" }
func (e TransactionOpenedEvent) Message() string {
	return fmt.Sprintf("Opened %s transaction for database '%s'", e.Type, e.Database)
}
func (e TransactionOpenedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e TransactionOpenedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("database", e.Database),
		slog.String("transaction_type", e.Type.String()),
		slog.String("server_duration", e.ServerDuration.String()),
	)
	return attrs
}

type TransactionClosedEvent struct {
	baseEvent
	Database string
	Reason   error
}

func (e TransactionClosedEvent) EventName() string { return "transaction_closed" }
func (e TransactionClosedEvent) Message() string {
	return fmt.Sprintf("Closed transaction for database '%s'", e.Database)
}
func (e TransactionClosedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e TransactionClosedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("database", e.Database),
	)
	if e.Reason != nil {
		attrs = append(attrs, slog.String("reason", e.Reason.Error()))
	}
	return attrs
}
