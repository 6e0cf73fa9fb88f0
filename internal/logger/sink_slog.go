package logger

import (
	"context"
	"log/slog"
)

// SlogSink writes each RequestLog entry as a structured slog line. This is
// the gateway's default sink, used whenever no ClickHouse address is
// configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink over the given logger.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}
