package orders

import (
	"context"
	"encoding/json"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/contexts"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// RegisterCommands binds the order command handlers on bus.
func (s *Service) RegisterCommands(bus *commandbus.Bus) error {
	for typ, h := range map[string]commandbus.Handler{
		CommandCreateOrder:  handle(s.Create),
		CommandAddOrderItem: handle(s.AddItem),
		CommandSubmitOrder:  handle(s.Submit),
		CommandConfirmOrder: handle(s.Confirm),
		CommandCancelOrder:  handle(s.Cancel),
	} {
		if err := bus.Register(typ, BoundedContext, h); err != nil {
			return err
		}
	}
	return nil
}

// handle adapts a service method to a bus handler: decode the payload,
// run, and return the resulting order.
func handle[In any](fn func(context.Context, In, Meta) (Order, error)) commandbus.Handler {
	return func(ctx context.Context, cmd ir.Command) (json.RawMessage, error) {
		var in In
		if err := contexts.Decode(cmd, &in); err != nil {
			return nil, err
		}
		o, err := fn(ctx, in, Meta{CorrelationID: cmd.Metadata.CorrelationID, CausationID: cmd.CommandID})
		if err != nil {
			return nil, err
		}
		return json.Marshal(o)
	}
}
