package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	ev := s.log.Info()
	if e.Kind == KindPostFailed {
		ev = s.log.Warn()
	}
	ev.Str("owner_id", e.OwnerID).
		Str("kind", string(e.Kind)).
		Fields(e.Details).
		Msg(e.Message)
	return nil
}
