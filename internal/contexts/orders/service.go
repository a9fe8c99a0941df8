package orders

import (
	"context"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/contexts"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/schema"
	"github.com/libar-dev/libar-platform/internal/store"
)

// Meta carries tracing ids from the command into the appended events.
type Meta struct {
	CorrelationID string
	CausationID   string
}

// Service executes order commands.
type Service struct {
	store   *store.Store
	schemas *schema.Registry
}

// New creates the service.
func New(st *store.Store, schemas *schema.Registry) *Service {
	return &Service{store: st, schemas: schemas}
}

// Get returns the current state of an order and its version.
func (s *Service) Get(ctx context.Context, orderID string) (Order, int64, error) {
	return contexts.Get[Order](ctx, s.store, BoundedContext, orderID)
}

// transition is one decided change: the new state and the event
// recording it.
type transition struct {
	order     Order
	eventType string
	payload   any
}

// mutate loads the order, lets decide produce a transition or a
// rejection, and dual-writes the result.
func (s *Service) mutate(ctx context.Context, orderID string, meta Meta, decide func(o Order, found bool) (transition, error)) (Order, error) {
	if orderID == "" {
		return Order{}, commandbus.Reject("INVALID_PAYLOAD", "orderId is required")
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = orderID
	}

	var out Order
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		o, version, found, err := contexts.Load[Order](ctx, tx, BoundedContext, orderID)
		if err != nil {
			return err
		}
		t, err := decide(o, found)
		if err != nil {
			return err
		}
		ev, err := s.schemas.NewEvent(t.eventType, t.payload)
		if err != nil {
			return commandbus.Reject(CodeInvalidEvent, err.Error())
		}
		if _, err := contexts.Commit(ctx, tx, contexts.Change{
			BoundedContext:  BoundedContext,
			StreamType:      OrderStream,
			StreamID:        orderID,
			ExpectedVersion: version,
			CorrelationID:   meta.CorrelationID,
			CausationID:     meta.CausationID,
			Events:          []ir.NewEvent{ev},
			State:           t.order,
		}); err != nil {
			return err
		}
		out = t.order
		return nil
	})
	if err != nil {
		return Order{}, contexts.AsRejection(err)
	}
	return out, nil
}

func notFound(orderID string) error {
	return commandbus.Reject(CodeOrderNotFound, fmt.Sprintf("order %s not found", orderID))
}

func invalidStatus(o Order, action string) error {
	return commandbus.Reject(CodeInvalidStatus, fmt.Sprintf("cannot %s order %s in status %s", action, o.OrderID, o.Status))
}

// CreateOrder is the payload of CommandCreateOrder.
type CreateOrder struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

// Create opens a draft order.
func (s *Service) Create(ctx context.Context, in CreateOrder, meta Meta) (Order, error) {
	return s.mutate(ctx, in.OrderID, meta, func(_ Order, found bool) (transition, error) {
		if found {
			return transition{}, commandbus.Reject(CodeOrderExists, fmt.Sprintf("order %s already exists", in.OrderID))
		}
		if in.CustomerID == "" {
			return transition{}, commandbus.Reject("INVALID_PAYLOAD", "customerId is required")
		}
		o := Order{OrderID: in.OrderID, CustomerID: in.CustomerID, Status: StatusDraft, Items: []Item{}}
		return transition{o, EventOrderCreated, OrderCreated{OrderID: o.OrderID, CustomerID: o.CustomerID}}, nil
	})
}

// AddOrderItem is the payload of CommandAddOrderItem.
type AddOrderItem struct {
	OrderID string `json:"orderId"`
	Item
}

// AddItem appends a line to a draft order. Adding a product already on
// the order increases its quantity.
func (s *Service) AddItem(ctx context.Context, in AddOrderItem, meta Meta) (Order, error) {
	return s.mutate(ctx, in.OrderID, meta, func(o Order, found bool) (transition, error) {
		switch {
		case !found:
			return transition{}, notFound(in.OrderID)
		case o.Status != StatusDraft:
			return transition{}, invalidStatus(o, "add items to")
		case in.ProductID == "":
			return transition{}, commandbus.Reject("INVALID_PAYLOAD", "productId is required")
		case in.Quantity <= 0:
			return transition{}, commandbus.Reject(CodeInvalidQuantity, fmt.Sprintf("quantity must be positive, got %d", in.Quantity))
		case in.UnitPriceCents < 0:
			return transition{}, commandbus.Reject(CodeInvalidQuantity, "unit price must not be negative")
		}
		merged := false
		for i := range o.Items {
			if o.Items[i].ProductID == in.ProductID {
				o.Items[i].Quantity += in.Quantity
				o.Items[i].UnitPriceCents = in.UnitPriceCents
				merged = true
			}
		}
		if !merged {
			o.Items = append(o.Items, in.Item)
		}
		o.TotalCents = o.total()
		return transition{o, EventOrderItemAdded, OrderItemAdded{OrderID: o.OrderID, Item: in.Item}}, nil
	})
}

// OrderRef is the payload of commands naming only an order.
type OrderRef struct {
	OrderID string `json:"orderId"`
}

// Submit closes a draft for fulfilment.
func (s *Service) Submit(ctx context.Context, in OrderRef, meta Meta) (Order, error) {
	return s.mutate(ctx, in.OrderID, meta, func(o Order, found bool) (transition, error) {
		switch {
		case !found:
			return transition{}, notFound(in.OrderID)
		case o.Status != StatusDraft:
			return transition{}, invalidStatus(o, "submit")
		case len(o.Items) == 0:
			return transition{}, commandbus.Reject(CodeEmptyOrder, fmt.Sprintf("order %s has no items", o.OrderID))
		}
		o.Status = StatusSubmitted
		return transition{o, EventOrderSubmitted, OrderSubmitted{
			OrderID: o.OrderID, CustomerID: o.CustomerID, Items: o.Items, TotalCents: o.TotalCents,
		}}, nil
	})
}

// ConfirmOrder is the payload of CommandConfirmOrder.
type ConfirmOrder struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
}

// Confirm marks a submitted order as fulfilled by a reservation.
func (s *Service) Confirm(ctx context.Context, in ConfirmOrder, meta Meta) (Order, error) {
	return s.mutate(ctx, in.OrderID, meta, func(o Order, found bool) (transition, error) {
		switch {
		case !found:
			return transition{}, notFound(in.OrderID)
		case o.Status != StatusSubmitted:
			return transition{}, invalidStatus(o, "confirm")
		case in.ReservationID == "":
			return transition{}, commandbus.Reject("INVALID_PAYLOAD", "reservationId is required")
		}
		o.Status = StatusConfirmed
		o.ReservationID = in.ReservationID
		return transition{o, EventOrderConfirmed, OrderConfirmed{OrderID: o.OrderID, ReservationID: o.ReservationID}}, nil
	})
}

// CancelOrder is the payload of CommandCancelOrder.
type CancelOrder struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Cancel cancels an order that is not already cancelled. A confirmed
// order carries its reservation id in the event so the stock can be
// released.
func (s *Service) Cancel(ctx context.Context, in CancelOrder, meta Meta) (Order, error) {
	return s.mutate(ctx, in.OrderID, meta, func(o Order, found bool) (transition, error) {
		switch {
		case !found:
			return transition{}, notFound(in.OrderID)
		case o.Status == StatusCancelled:
			return transition{}, invalidStatus(o, "cancel")
		}
		o.Status = StatusCancelled
		o.CancelReason = in.Reason
		return transition{o, EventOrderCancelled, OrderCancelled{
			OrderID: o.OrderID, CustomerID: o.CustomerID, Reason: in.Reason, ReservationID: o.ReservationID,
		}}, nil
	})
}
