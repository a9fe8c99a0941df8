package events

import (
	"context"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// NoopPublisher discards events. It is used when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, ir.StoredEvent) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }
