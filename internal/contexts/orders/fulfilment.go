package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/engine"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// Inventory contract consumed by Fulfilment.
const (
	inventoryReserveStock       = "ReserveStock"
	inventoryReleaseReservation = "ReleaseReservation"
	inventoryReservationCreated = "ReservationCreated"
	inventoryReservationFailed  = "ReservationFailed"
)

// Fulfilment checkpoint identity.
const (
	FulfilmentAgentID        = "orders"
	FulfilmentSubscriptionID = "fulfilment"
)

// Dispatcher sends commands. *commandbus.Bus satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd ir.Command) (commandbus.Result, error)
}

// Fulfilment is the order process manager:
//
//	OrderSubmitted     -> ReserveStock
//	ReservationCreated -> ConfirmOrder
//	ReservationFailed  -> CancelOrder
//	OrderCancelled     -> ReleaseReservation (when the order held one)
//
// A reservation that arrives for an order cancelled in the meantime is
// released again.
//
// Command ids are derived from the order or reservation id, so
// redelivery of an event dispatches nothing new.
type Fulfilment struct {
	bus Dispatcher
}

// NewFulfilment creates the process manager.
func NewFulfilment(bus Dispatcher) *Fulfilment {
	return &Fulfilment{bus: bus}
}

// Subscription returns the engine subscription.
func (f *Fulfilment) Subscription() engine.Subscription {
	return engine.NewAction(FulfilmentAgentID, FulfilmentSubscriptionID, f.react,
		EventOrderSubmitted, EventOrderCancelled, inventoryReservationCreated, inventoryReservationFailed)
}

type reservationOutcome struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// react dispatches before the checkpoint moves, so a failed dispatch
// dead-letters the event instead of losing the step.
func (f *Fulfilment) react(ctx context.Context, ev ir.StoredEvent) (engine.Effect, error) {
	cmd, ok, err := f.next(ev)
	if err != nil || !ok {
		return engine.Effect{}, err
	}
	cmd.Metadata = ir.CommandMetadata{CorrelationID: ev.CorrelationID}
	res, err := f.bus.Dispatch(ctx, cmd)
	if err != nil {
		return engine.Effect{}, fmt.Errorf("%s for %s: %w", cmd.CommandType, ev.EventID, err)
	}
	slog.Info("fulfilment step dispatched", "event", "fulfilment_dispatched",
		"trigger", ev.EventType, "command", cmd.CommandType, "command_id", cmd.CommandID,
		"status", res.CommandStatus)

	switch {
	case res.CommandStatus == ir.CommandFailed:
		return engine.Effect{}, fmt.Errorf("%s %s previously failed: %s", cmd.CommandType, cmd.CommandID, res.Result)
	case ev.EventType == inventoryReservationCreated && res.CommandStatus == ir.CommandRejected:
		// The order was cancelled while stock was being reserved.
		return engine.Effect{}, f.release(ctx, ev)
	}
	return engine.Effect{}, nil
}

func (f *Fulfilment) release(ctx context.Context, ev ir.StoredEvent) error {
	var p reservationOutcome
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	cmd, _, err := command("release:"+p.ReservationID, inventoryReleaseReservation, map[string]any{
		"orderId": p.OrderID, "reservationId": p.ReservationID,
	})
	if err != nil {
		return err
	}
	cmd.Metadata = ir.CommandMetadata{CorrelationID: ev.CorrelationID}
	if _, err := f.bus.Dispatch(ctx, cmd); err != nil {
		return fmt.Errorf("release %s: %w", p.ReservationID, err)
	}
	slog.Info("orphaned reservation released", "event", "fulfilment_compensated",
		"order_id", p.OrderID, "reservation_id", p.ReservationID)
	return nil
}

func (f *Fulfilment) next(ev ir.StoredEvent) (ir.Command, bool, error) {
	switch ev.EventType {
	case EventOrderSubmitted:
		var p OrderSubmitted
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return ir.Command{}, false, err
		}
		items := make([]map[string]any, len(p.Items))
		for i, it := range p.Items {
			items[i] = map[string]any{"productId": it.ProductID, "quantity": it.Quantity}
		}
		return command("reserve:"+p.OrderID, inventoryReserveStock, map[string]any{
			"orderId": p.OrderID, "items": items,
		})

	case EventOrderCancelled:
		var p OrderCancelled
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return ir.Command{}, false, err
		}
		if p.ReservationID == "" {
			return ir.Command{}, false, nil
		}
		return command("release:"+p.ReservationID, inventoryReleaseReservation, map[string]any{
			"orderId": p.OrderID, "reservationId": p.ReservationID,
		})

	case inventoryReservationCreated:
		var p reservationOutcome
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return ir.Command{}, false, err
		}
		return command("confirm:"+p.OrderID, CommandConfirmOrder, ConfirmOrder{OrderID: p.OrderID, ReservationID: p.ReservationID})

	case inventoryReservationFailed:
		var p reservationOutcome
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return ir.Command{}, false, err
		}
		reason := "stock reservation failed: " + p.Code
		if p.Reason != "" {
			reason += ": " + p.Reason
		}
		return command("cancel:"+p.OrderID, CommandCancelOrder, CancelOrder{OrderID: p.OrderID, Reason: reason})
	}
	return ir.Command{}, false, nil
}

func command(id, typ string, payload any) (ir.Command, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ir.Command{}, false, err
	}
	return ir.Command{CommandID: id, CommandType: typ, Payload: raw}, true, nil
}
