package cluster

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ice-blockchain/go-typedb"
)

type baseEvent struct {
	database  string
	EventTime time.Time
}

func newBaseEvent(database string) baseEvent {
	return baseEvent{
		database:  database,
		EventTime: time.Now(),
	}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("component", "typedb.cluster"),
		slog.Time("event_time", e.EventTime),
		slog.String("database", e.database),
	}
}

type ReplicasRefreshedEvent struct {
	baseEvent
	Server   string
	Replicas []typedb.Replica
}

func (e ReplicasRefreshedEvent) EventName() string { return "replicas_refreshed" }
func (e ReplicasRefreshedEvent) Message() string {
	return fmt.Sprintf("Fetched %d replicas of database '%s' from %s",
		len(e.Replicas), e.database, e.Server)
}
func (e ReplicasRefreshedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e ReplicasRefreshedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	replicas := make([]string, 0, len(e.Replicas))
	for _, r := range e.Replicas {
		replicas = append(replicas, r.String())
	}
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("server", e.Server),
		slog.Any("replicas", replicas),
	)
	return attrs
}

type RefreshFailedEvent struct {
	baseEvent
	Server string
	Error  error
}

func (e RefreshFailedEvent) EventName() string { return "refresh_failed" }
func (e RefreshFailedEvent) Message() string {
	return fmt.Sprintf("Failed to fetch replicas of database '%s' from %s. Attempting next server.",
		e.database, e.Server)
}
func (e RefreshFailedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e RefreshFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("server", e.Server),
		slog.String("error", e.Error.Error()),
	)
	return attrs
}

// FailoverEvent is reported when a task fails on a replica and is going to
// be retried.
type FailoverEvent struct {
	baseEvent
	Mode    Mode
	Replica string
	Attempt int
	Error   error
}

func (e FailoverEvent) EventName() string { return "failover" }
func (e FailoverEvent) Message() string {
	if e.Mode == Primary {
		return fmt.Sprintf("Primary replica %s failed, retrying in a while", e.Replica)
	}
	return fmt.Sprintf("Unable to reach replica %s, attempting next replica", e.Replica)
}
func (e FailoverEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e FailoverEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("mode", e.Mode.String()),
		slog.String("replica", e.Replica),
		slog.Int("attempt", e.Attempt),
		slog.String("error", e.Error.Error()),
	)
	return attrs
}

type ClusterUnavailableEvent struct {
	baseEvent
	Error error
}

func (e ClusterUnavailableEvent) EventName() string { return "cluster_unavailable" }
func (e ClusterUnavailableEvent) Message() string {
	return fmt.Sprintf("Giving up on database '%s': %s", e.database, e.Error)
}
func (e ClusterUnavailableEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ClusterUnavailableEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	attrs = append(attrs,
		slog.String("event", e.EventName()),
		slog.String("error", e.Error.Error()),
	)
	return attrs
}
