package testutil

import (
	"encoding/json"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// Event builds a domain event with a JSON payload.
// An empty payload becomes {}.
func Event(eventID, eventType, payload string) ir.NewEvent {
	if payload == "" {
		payload = "{}"
	}
	return ir.NewEvent{
		EventID:   eventID,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
	}
}

// Append builds an append request for one stream in the "test" context.
func Append(streamType, streamID string, expectedVersion int64, events ...ir.NewEvent) ir.AppendRequest {
	return ir.AppendRequest{
		StreamType:      streamType,
		StreamID:        streamID,
		ExpectedVersion: expectedVersion,
		BoundedContext:  "test",
		CorrelationID:   "corr-" + streamType + "-" + streamID,
		Events:          events,
	}
}

// StoredEvent builds a stored event for code that consumes the feed
// without a store (pattern executor tests).
func StoredEvent(eventID, eventType string, position int64, payload string) ir.StoredEvent {
	if payload == "" {
		payload = "{}"
	}
	return ir.StoredEvent{
		EventID:        eventID,
		EventType:      eventType,
		StreamType:     "Test",
		StreamID:       eventID,
		Version:        1,
		GlobalPosition: position,
		BoundedContext: "test",
		Category:       ir.CategoryDomain,
		SchemaVersion:  1,
		Payload:        json.RawMessage(payload),
	}
}
