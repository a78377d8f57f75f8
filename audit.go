package authflow

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent records one flow outcome or observer side effect.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Action    string            `json:"action,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	FlowKey   string            `json:"flow_key,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// LogSink writes audit events through a zerolog logger at info level, or
// warn level for failures.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) LogSink {
	return LogSink{log: log}
}

func (s LogSink) Emit(_ context.Context, event AuditEvent) {
	ev := s.log.Info()
	if !event.Success {
		ev = s.log.Warn()
	}
	ev = ev.Time("at", event.Timestamp).
		Str("event", event.EventType).
		Bool("success", event.Success)
	if event.Action != "" {
		ev = ev.Str("action", event.Action)
	}
	if event.UserID != "" {
		ev = ev.Str("uid", event.UserID)
	}
	if event.FlowKey != "" {
		ev = ev.Str("flow", event.FlowKey)
	}
	if event.Error != "" {
		ev = ev.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		dict := zerolog.Dict()
		for k, v := range event.Metadata {
			dict = dict.Str(k, v)
		}
		ev = ev.Dict("meta", dict)
	}
	ev.Msg("audit")
}
