package typedb

import (
	"context"
	"log"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// Logger is a receiver of connection events.
type Logger interface {
	Report(event LogEvent, conn *Connection)
}

// SlogLogger reports events through a slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

func NewSlogLogger(logger *slog.Logger) SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{
		logger: logger,
		ctx:    context.Background(),
	}
}

// WithContext returns a copy of the logger passing ctx to the slog handler.
func (l SlogLogger) WithContext(ctx context.Context) SlogLogger {
	return SlogLogger{
		logger: l.logger,
		ctx:    ctx,
	}
}

func (l SlogLogger) Report(event LogEvent, conn *Connection) {
	attrs := event.LogAttrs()

	if conn != nil {
		keys := make(map[string]bool, len(attrs))
		for _, a := range attrs {
			keys[a.Key] = true
		}

		if !keys["connection_state"] {
			attrs = append(attrs, slog.String("connection_state", conn.state.String()))
		}
		if !keys["address"] {
			attrs = append(attrs, slog.String("address", conn.addr))
		}
		if conn.opts.Timeout > 0 && !keys["request_timeout"] {
			attrs = append(attrs, slog.String("request_timeout", conn.opts.Timeout.String()))
		}
		if conn.opts.RateLimit > 0 && !keys["rate_limit"] {
			attrs = append(attrs, slog.Uint64("rate_limit", uint64(conn.opts.RateLimit)))
		}
	}

	l.logger.LogAttrs(l.ctx, event.LogLevel(), event.Message(), attrs...)
}

// SimpleLogger prints events with the standard log package.
type SimpleLogger struct{}

func (l SimpleLogger) Report(event LogEvent, conn *Connection) {
	attrs := event.LogAttrs()

	log.Printf("[%s] %s [event=%s]", event.LogLevel(), event.Message(), event.EventName())

	for _, attr := range attrs {
		if attr.Key == "error" {
			log.Printf("  Error: %v", attr.Value.Any())
		} else if attr.Key == "request_id" {
			log.Printf("  Request ID: %v", attr.Value.Any())
		}
	}
}

// LogrusLogger reports events as logrus entries with the event attributes
// as fields.
type LogrusLogger struct {
	entry *logrus.Entry
}

func NewLogrusLogger(logger *logrus.Logger) LogrusLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return LogrusLogger{entry: logrus.NewEntry(logger)}
}

func (l LogrusLogger) Report(event LogEvent, conn *Connection) {
	fields := logrus.Fields{"event": event.EventName()}
	for _, attr := range event.LogAttrs() {
		fields[attr.Key] = attr.Value.Any()
	}
	if conn != nil {
		fields["address"] = conn.addr
		fields["connection_state"] = conn.state.String()
	}

	entry := l.entry.WithFields(fields)
	switch level := event.LogLevel(); {
	case level >= slog.LevelError:
		entry.Error(event.Message())
	case level >= slog.LevelWarn:
		entry.Warn(event.Message())
	case level >= slog.LevelInfo:
		entry.Info(event.Message())
	default:
		entry.Debug(event.Message())
	}
}
