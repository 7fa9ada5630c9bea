package tracing

import "log/slog"

// LogSink writes finished spans to a structured logger. It is the default
// sink for the binaries; deployments with a real trace backend plug in their
// own Sink instead.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at debug level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(span SpanData) {
	s.logger.Debug("span finished",
		"trace_id", span.TraceID,
		"span_id", span.SpanID,
		"parent_span_id", span.ParentSpanID,
		"name", span.Name,
		"duration_ms", span.EndTime.Sub(span.StartTime).Milliseconds(),
		"error", span.Error,
	)
}
