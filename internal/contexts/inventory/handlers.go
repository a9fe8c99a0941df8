package inventory

import (
	"context"
	"encoding/json"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/contexts"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// RegisterCommands binds the inventory command handlers on bus.
func (s *Service) RegisterCommands(bus *commandbus.Bus) error {
	handlers := []struct {
		commandType string
		handler     commandbus.Handler
	}{
		{CommandCreateProduct, s.handleCreateProduct},
		{CommandAddStock, s.handleAddStock},
		{CommandReserveStock, s.handleReserveStock},
		{CommandReleaseReservation, s.handleReleaseReservation},
	}
	for _, h := range handlers {
		if err := bus.Register(h.commandType, BoundedContext, h.handler); err != nil {
			return err
		}
	}
	return nil
}

func metaOf(cmd ir.Command) Meta {
	return Meta{CorrelationID: cmd.Metadata.CorrelationID, CausationID: cmd.CommandID}
}

func (s *Service) handleCreateProduct(ctx context.Context, cmd ir.Command) (json.RawMessage, error) {
	var in CreateProduct
	if err := contexts.Decode(cmd, &in); err != nil {
		return nil, err
	}
	p, err := s.CreateProduct(ctx, in, metaOf(cmd))
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func (s *Service) handleAddStock(ctx context.Context, cmd ir.Command) (json.RawMessage, error) {
	var in AddStock
	if err := contexts.Decode(cmd, &in); err != nil {
		return nil, err
	}
	p, err := s.AddStock(ctx, in, metaOf(cmd))
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// handleReserveStock reports a deferred reservation as executed; its
// final outcome arrives as an event.
func (s *Service) handleReserveStock(ctx context.Context, cmd ir.Command) (json.RawMessage, error) {
	var in ReserveStock
	if err := contexts.Decode(cmd, &in); err != nil {
		return nil, err
	}
	if in.CorrelationID == "" {
		in.CorrelationID = cmd.Metadata.CorrelationID
	}
	res, err := s.Reserve(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := rejection(res); err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (s *Service) handleReleaseReservation(ctx context.Context, cmd ir.Command) (json.RawMessage, error) {
	var in ReleaseReservation
	if err := contexts.Decode(cmd, &in); err != nil {
		return nil, err
	}
	if in.CorrelationID == "" {
		in.CorrelationID = cmd.Metadata.CorrelationID
	}
	res, err := s.Release(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := rejection(res); err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
