// Package events relays appended events to an external message bus.
//
// The relay is an ordinary engine subscription, so delivery is
// at-least-once and ordered by global position per relay. Subjects are
// "<prefix>.<bounded_context>.<event_type>".
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "libar"

// Header names set on every relayed message.
const (
	HeaderEventID       = "Libar-Event-Id"
	HeaderCorrelationID = "Libar-Correlation-Id"
	HeaderPosition      = "Libar-Global-Position"
	// HeaderMsgID lets a JetStream stream drop redelivered events.
	HeaderMsgID = "Nats-Msg-Id"
)

// Publisher delivers one event to the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, ev ir.StoredEvent) error
	Close() error
}

// Envelope is the message body.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	StreamType     string          `json:"stream_type"`
	StreamID       string          `json:"stream_id"`
	Version        int64           `json:"version"`
	GlobalPosition int64           `json:"global_position"`
	BoundedContext string          `json:"bounded_context"`
	SchemaVersion  int             `json:"schema_version"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	TimestampMs    int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope copies the wire-relevant fields of ev.
func NewEnvelope(ev ir.StoredEvent) Envelope {
	return Envelope{
		EventID:        ev.EventID,
		EventType:      ev.EventType,
		StreamType:     ev.StreamType,
		StreamID:       ev.StreamID,
		Version:        ev.Version,
		GlobalPosition: ev.GlobalPosition,
		BoundedContext: ev.BoundedContext,
		SchemaVersion:  ev.SchemaVersion,
		CorrelationID:  ev.CorrelationID,
		CausationID:    ev.CausationID,
		TimestampMs:    ev.Timestamp.UnixMilli(),
		Payload:        ev.Payload,
	}
}

// Subject builds the subject for ev. Characters that NATS treats as
// token separators or wildcards are replaced with '_'.
func Subject(prefix string, ev ir.StoredEvent) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	ctx := ev.BoundedContext
	if ctx == "" {
		ctx = "default"
	}
	return prefix + "." + subjectToken(ctx) + "." + subjectToken(ev.EventType)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
