package inventory

import (
	"context"
	"fmt"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/contexts"
	"github.com/libar-dev/libar-platform/internal/dcb"
	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/schema"
	"github.com/libar-dev/libar-platform/internal/store"
)

// DefaultTenant is the scope tenant when none is configured.
const DefaultTenant = "default"

// Meta carries tracing ids from the command into the appended events.
type Meta struct {
	CorrelationID string
	CausationID   string
}

// Service executes inventory commands.
type Service struct {
	store    *store.Store
	schemas  *schema.Registry
	retry    *dcb.RetryEngine
	tenant   string
	strategy idgen.ReservationStrategy
}

// Option configures a Service.
type Option func(*Service)

// WithTenant sets the tenant of reservation scopes.
func WithTenant(id string) Option {
	return func(s *Service) {
		if id != "" {
			s.tenant = id
		}
	}
}

// WithReservationStrategy selects how reservation ids are derived.
func WithReservationStrategy(strategy idgen.ReservationStrategy) Option {
	return func(s *Service) { s.strategy = strategy }
}

// New creates the service. retry is needed only for Reserve and Release.
func New(st *store.Store, schemas *schema.Registry, retry *dcb.RetryEngine, opts ...Option) *Service {
	s := &Service{
		store:    st,
		schemas:  schemas,
		retry:    retry,
		tenant:   DefaultTenant,
		strategy: idgen.DefaultReservationStrategy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProduct is the payload of CommandCreateProduct.
type CreateProduct struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name"`
	InitialStock int    `json:"initialStock"`
}

// CreateProduct registers a product with its opening stock.
func (s *Service) CreateProduct(ctx context.Context, in CreateProduct, meta Meta) (Product, error) {
	if in.ProductID == "" {
		return Product{}, commandbus.Reject("INVALID_PAYLOAD", "productId is required")
	}
	if in.InitialStock < 0 {
		return Product{}, commandbus.Reject(CodeInvalidQuantity, fmt.Sprintf("initial stock must not be negative, got %d", in.InitialStock))
	}
	ev, err := s.schemas.NewEvent(EventProductCreated, ProductCreated(in))
	if err != nil {
		return Product{}, commandbus.Reject(CodeInvalidEvent, err.Error())
	}

	p := Product{ProductID: in.ProductID, Name: in.Name, Available: in.InitialStock}
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		_, _, found, err := contexts.Load[Product](ctx, tx, BoundedContext, in.ProductID)
		if err != nil {
			return err
		}
		if found {
			return commandbus.Reject(CodeProductExists, fmt.Sprintf("product %s already exists", in.ProductID))
		}
		_, err = contexts.Commit(ctx, tx, s.change(ProductStream, in.ProductID, 0, meta, p, ev))
		return err
	})
	if err != nil {
		return Product{}, contexts.AsRejection(err)
	}
	return p, nil
}

// AddStock is the payload of CommandAddStock.
type AddStock struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// AddStock increases a product's available quantity.
func (s *Service) AddStock(ctx context.Context, in AddStock, meta Meta) (Product, error) {
	if in.Quantity <= 0 {
		return Product{}, commandbus.Reject(CodeInvalidQuantity, fmt.Sprintf("quantity must be positive, got %d", in.Quantity))
	}

	var out Product
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		p, version, found, err := contexts.Load[Product](ctx, tx, BoundedContext, in.ProductID)
		if err != nil {
			return err
		}
		if !found {
			return commandbus.Reject(CodeProductNotFound, fmt.Sprintf("product %s not found", in.ProductID))
		}
		p.Available += in.Quantity
		ev, err := s.schemas.NewEvent(EventStockAdded, StockAdded{ProductID: p.ProductID, Quantity: in.Quantity, Available: p.Available})
		if err != nil {
			return commandbus.Reject(CodeInvalidEvent, err.Error())
		}
		if _, err := contexts.Commit(ctx, tx, s.change(ProductStream, p.ProductID, version, meta, p, ev)); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, contexts.AsRejection(err)
	}
	return out, nil
}

// Product returns the current state of a product and its version.
func (s *Service) Product(ctx context.Context, productID string) (Product, int64, error) {
	return contexts.Get[Product](ctx, s.store, BoundedContext, productID)
}

// Reservation returns the current state of a reservation.
func (s *Service) Reservation(ctx context.Context, reservationID string) (Reservation, error) {
	r, _, err := contexts.Get[Reservation](ctx, s.store, BoundedContext, reservationID)
	return r, err
}

func (s *Service) change(streamType, streamID string, expected int64, meta Meta, state any, events ...ir.NewEvent) contexts.Change {
	if meta.CorrelationID == "" {
		meta.CorrelationID = streamID
	}
	return contexts.Change{
		BoundedContext:  BoundedContext,
		StreamType:      streamType,
		StreamID:        streamID,
		ExpectedVersion: expected,
		CorrelationID:   meta.CorrelationID,
		CausationID:     meta.CausationID,
		Events:          events,
		State:           state,
	}
}
