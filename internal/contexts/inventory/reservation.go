package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/contexts"
	"github.com/libar-dev/libar-platform/internal/dcb"
	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/schema"
	"github.com/libar-dev/libar-platform/internal/store"
)

// Operation names on the dcb registry.
const (
	OperationReserve = "inventory.reserve"
	OperationRelease = "inventory.release"
)

// ReserveStock is the payload of CommandReserveStock and the args of
// OperationReserve. ReservationID is derived when empty and then fixed for
// every retry.
type ReserveStock struct {
	OrderID       string `json:"orderId"`
	Items         []Item `json:"items"`
	ReservationID string `json:"reservationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ReleaseReservation is the payload of CommandReleaseReservation.
type ReleaseReservation struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// RegisterOperations adds the scoped operations to reg.
func (s *Service) RegisterOperations(reg *dcb.Registry) error {
	if err := reg.Register(OperationReserve, dcb.ScopedOperation(s.store, s.reserveCommand), s.onReserveComplete); err != nil {
		return err
	}
	return reg.Register(OperationRelease, dcb.ScopedOperation(s.store, s.releaseCommand), nil)
}

// ScopeKey is the reservation scope of an order.
func (s *Service) ScopeKey(orderID string) (ir.ScopeKey, error) {
	return ir.NewScopeKey(s.tenant, ReservationScope, orderID)
}

// Reserve takes stock for every item of an order atomically. All products
// are decremented or none are. A conflict with a concurrent writer is
// retried through the dcb engine, so the result may be Deferred; the
// outcome is then visible as a ReservationCreated or ReservationFailed
// event.
func (s *Service) Reserve(ctx context.Context, in ReserveStock) (dcb.Result, error) {
	if in.OrderID == "" {
		return dcb.Rejected("INVALID_PAYLOAD", "orderId is required"), nil
	}
	items, err := normalizeItems(in.Items)
	if err != nil {
		return dcb.Rejected(CodeInvalidQuantity, err.Error()), nil
	}
	in.Items = items
	if in.ReservationID == "" {
		if in.ReservationID, err = idgen.ReservationID(s.strategy, in.OrderID, productIDs(items)); err != nil {
			return dcb.Result{}, err
		}
	}
	if in.CorrelationID == "" {
		in.CorrelationID = in.OrderID
	}
	return s.execute(ctx, OperationReserve, in.OrderID, in.CorrelationID, in)
}

// Release returns a reservation's stock to the products.
func (s *Service) Release(ctx context.Context, in ReleaseReservation) (dcb.Result, error) {
	if in.OrderID == "" || in.ReservationID == "" {
		return dcb.Rejected("INVALID_PAYLOAD", "orderId and reservationId are required"), nil
	}
	if in.CorrelationID == "" {
		in.CorrelationID = in.OrderID
	}
	return s.execute(ctx, OperationRelease, in.OrderID, in.CorrelationID, in)
}

func (s *Service) execute(ctx context.Context, op, orderID, correlationID string, args any) (dcb.Result, error) {
	if s.retry == nil {
		return dcb.Result{}, fmt.Errorf("inventory: %s needs a retry engine", op)
	}
	key, err := s.ScopeKey(orderID)
	if err != nil {
		return dcb.Result{}, err
	}
	handle, err := s.store.GetOrCreateScope(ctx, key)
	if err != nil {
		return dcb.Result{}, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return dcb.Result{}, err
	}
	return s.retry.Execute(ctx, dcb.Request{
		Operation:       op,
		ScopeKey:        key,
		ExpectedVersion: handle.CurrentVersion,
		Args:            raw,
		CorrelationID:   correlationID,
	})
}

// reservationState is what reserve and release decide on.
type reservationState struct {
	products     map[string]Product
	versions     map[string]int64
	reservation  *Reservation
	streamLength int64
}

func (s *Service) loadReservation(items []Item, reservationID string) func(context.Context, *store.Tx) (reservationState, error) {
	return func(ctx context.Context, tx *store.Tx) (reservationState, error) {
		st := reservationState{
			products: make(map[string]Product, len(items)),
			versions: make(map[string]int64, len(items)),
		}
		for _, it := range items {
			p, version, found, err := contexts.Load[Product](ctx, tx, BoundedContext, it.ProductID)
			if err != nil {
				return st, err
			}
			if found {
				st.products[it.ProductID] = p
				st.versions[it.ProductID] = version
			}
		}
		r, _, found, err := contexts.Load[Reservation](ctx, tx, BoundedContext, reservationID)
		if err != nil {
			return st, err
		}
		if found {
			st.reservation = &r
		}
		if st.streamLength, err = tx.StreamVersion(ctx, ReservationStream, reservationID); err != nil {
			return st, err
		}
		return st, nil
	}
}

func (s *Service) reserveCommand(args ReserveStock, _ int64) (dcb.Command[reservationState], error) {
	key, err := s.ScopeKey(args.OrderID)
	if err != nil {
		return dcb.Command[reservationState]{}, err
	}
	return dcb.Command[reservationState]{
		ScopeKey:       key,
		BoundedContext: BoundedContext,
		CorrelationID:  args.CorrelationID,
		Load:           s.loadReservation(args.Items, args.ReservationID),
		Decide:         func(st reservationState) dcb.Decision { return decideReserve(s.schemas, args, st) },
	}, nil
}

func decideReserve(schemas *schema.Registry, args ReserveStock, st reservationState) dcb.Decision {
	if r := st.reservation; r != nil {
		if r.Status == ReservationActive {
			return dcb.Decision{Data: r}
		}
		return dcb.Reject(CodeReservationNotActive, fmt.Sprintf("reservation %s is %s", r.ReservationID, r.Status))
	}

	var writes []dcb.Write
	for _, it := range args.Items {
		p, ok := st.products[it.ProductID]
		if !ok {
			return dcb.Reject(CodeProductNotFound, fmt.Sprintf("product %s not found", it.ProductID))
		}
		if p.Available < it.Quantity {
			return dcb.Reject(CodeInsufficientStock,
				fmt.Sprintf("product %s: requested %d, available %d", it.ProductID, it.Quantity, p.Available))
		}
		p.Available -= it.Quantity
		p.Reserved += it.Quantity
		w, err := productWrite(schemas, EventStockReserved, p, st.versions[p.ProductID], StockMovement{
			ProductID: p.ProductID, ReservationID: args.ReservationID, OrderID: args.OrderID, Quantity: it.Quantity,
		})
		if err != nil {
			return dcb.Reject(CodeInvalidEvent, err.Error())
		}
		writes = append(writes, w)
	}

	r := Reservation{ReservationID: args.ReservationID, OrderID: args.OrderID, Items: args.Items, Status: ReservationActive}
	w, err := reservationWrite(schemas, EventReservationCreated, r, st.streamLength, ReservationCreated{
		ReservationID: r.ReservationID, OrderID: r.OrderID, Items: r.Items,
	})
	if err != nil {
		return dcb.Reject(CodeInvalidEvent, err.Error())
	}
	return dcb.Decision{Writes: append(writes, w), Data: r}
}

func (s *Service) releaseCommand(args ReleaseReservation, _ int64) (dcb.Command[releaseState], error) {
	key, err := s.ScopeKey(args.OrderID)
	if err != nil {
		return dcb.Command[releaseState]{}, err
	}
	return dcb.Command[releaseState]{
		ScopeKey:       key,
		BoundedContext: BoundedContext,
		CorrelationID:  args.CorrelationID,
		Load: func(ctx context.Context, tx *store.Tx) (releaseState, error) {
			r, _, found, err := contexts.Load[Reservation](ctx, tx, BoundedContext, args.ReservationID)
			if err != nil || !found {
				return releaseState{}, err
			}
			st, err := s.loadReservation(r.Items, r.ReservationID)(ctx, tx)
			return releaseState{state: st, found: true}, err
		},
		Decide: func(in releaseState) dcb.Decision { return decideRelease(s.schemas, args, in) },
	}, nil
}

type releaseState struct {
	state reservationState
	found bool
}

func decideRelease(schemas *schema.Registry, args ReleaseReservation, in releaseState) dcb.Decision {
	if !in.found || in.state.reservation == nil {
		return dcb.Reject(CodeReservationNotFound, fmt.Sprintf("reservation %s not found", args.ReservationID))
	}
	r := *in.state.reservation
	if r.OrderID != args.OrderID {
		return dcb.Reject(CodeReservationNotFound, fmt.Sprintf("reservation %s does not belong to order %s", r.ReservationID, args.OrderID))
	}
	if r.Status != ReservationActive {
		return dcb.Reject(CodeReservationNotActive, fmt.Sprintf("reservation %s is %s", r.ReservationID, r.Status))
	}

	var writes []dcb.Write
	for _, it := range r.Items {
		p, ok := in.state.products[it.ProductID]
		if !ok {
			return dcb.Reject(CodeProductNotFound, fmt.Sprintf("product %s not found", it.ProductID))
		}
		p.Available += it.Quantity
		p.Reserved -= it.Quantity
		w, err := productWrite(schemas, EventStockReleased, p, in.state.versions[p.ProductID], StockMovement{
			ProductID: p.ProductID, ReservationID: r.ReservationID, OrderID: r.OrderID, Quantity: it.Quantity,
		})
		if err != nil {
			return dcb.Reject(CodeInvalidEvent, err.Error())
		}
		writes = append(writes, w)
	}

	r.Status = ReservationReleased
	w, err := reservationWrite(schemas, EventReservationReleased, r, in.state.streamLength, ReservationReleasedEvent{
		ReservationID: r.ReservationID, OrderID: r.OrderID,
	})
	if err != nil {
		return dcb.Reject(CodeInvalidEvent, err.Error())
	}
	return dcb.Decision{Writes: append(writes, w), Data: r}
}

func productWrite(schemas *schema.Registry, eventType string, p Product, version int64, payload StockMovement) (dcb.Write, error) {
	ev, err := schemas.NewEvent(eventType, payload)
	if err != nil {
		return dcb.Write{}, err
	}
	state, err := json.Marshal(p)
	if err != nil {
		return dcb.Write{}, err
	}
	return dcb.Write{StreamType: ProductStream, StreamID: p.ProductID, ExpectedVersion: version, Events: []ir.NewEvent{ev}, Snapshot: state}, nil
}

func reservationWrite(schemas *schema.Registry, eventType string, r Reservation, version int64, payload any) (dcb.Write, error) {
	ev, err := schemas.NewEvent(eventType, payload)
	if err != nil {
		return dcb.Write{}, err
	}
	state, err := json.Marshal(r)
	if err != nil {
		return dcb.Write{}, err
	}
	return dcb.Write{StreamType: ReservationStream, StreamID: r.ReservationID, ExpectedVersion: version, Events: []ir.NewEvent{ev}, Snapshot: state}, nil
}

// onReserveComplete records a terminal rejection as a ReservationFailed
// event so downstream process managers learn about deferred failures.
func (s *Service) onReserveComplete(ctx context.Context, req dcb.Request, res dcb.Result) {
	if res.Status != dcb.StatusRejected {
		return
	}
	var args ReserveStock
	if err := json.Unmarshal(req.Args, &args); err != nil {
		slog.Error("decode reservation args", "event", "reservation_failed_unrecorded", "error", err)
		return
	}
	if err := s.recordFailure(ctx, args, res); err != nil {
		slog.Error("record reservation failure", "event", "reservation_failed_unrecorded",
			"reservation_id", args.ReservationID, "order_id", args.OrderID, "error", err)
		return
	}
	slog.Info("reservation failed", "event", "reservation_failed",
		"reservation_id", args.ReservationID, "order_id", args.OrderID, "code", res.Code)
}

func (s *Service) recordFailure(ctx context.Context, args ReserveStock, res dcb.Result) error {
	ev, err := s.schemas.NewEvent(EventReservationFailed, ReservationFailed{
		ReservationID: args.ReservationID, OrderID: args.OrderID, Code: res.Code, Reason: res.Reason,
	}, schema.WithIdempotencyKey("reservation-failed:"+args.ReservationID))
	if err != nil {
		return err
	}
	version, err := s.store.StreamVersion(ctx, ReservationStream, args.ReservationID)
	if err != nil {
		return err
	}
	_, err = s.store.AppendIdempotent(ctx, ir.AppendRequest{
		StreamType:      ReservationStream,
		StreamID:        args.ReservationID,
		ExpectedVersion: version,
		BoundedContext:  BoundedContext,
		CorrelationID:   args.CorrelationID,
		Events:          []ir.NewEvent{ev},
	})
	return err
}

// rejection turns a rejected dcb result into a bus rejection.
func rejection(res dcb.Result) error {
	if res.Status == dcb.StatusRejected {
		return commandbus.Reject(res.Code, res.Reason)
	}
	return nil
}
