// Package events implements the append-only turn event logger.
//
// Appends are fire-and-forget: a failed write is logged and dropped, it
// never fails the turn that produced the event.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/MikeRubio/botflow/internal/models"
)

// EventSink is the storage backend events are appended to.
type EventSink interface {
	AddEvent(ctx context.Context, event models.TurnEvent) error
}

// Logger forwards engine turn events to a sink.
type Logger struct {
	sink    EventSink
	timeout time.Duration
}

// NewLogger creates an event logger over the given sink.
func NewLogger(sink EventSink) *Logger {
	return &Logger{sink: sink, timeout: 5 * time.Second}
}

// LogEvent appends one event. The write runs under its own deadline,
// detached from the turn's context, so a cancelled turn still records its
// trailing events.
func (l *Logger) LogEvent(event models.TurnEvent) {
	if l.sink == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.sink.AddEvent(ctx, event); err != nil {
		slog.Warn("events.LogEvent: failed to append event", "error", err, "type", event.Type, "conversationID", event.ConversationID)
	}
}
