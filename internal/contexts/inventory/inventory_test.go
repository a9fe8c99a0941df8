package inventory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/dcb"
	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/schema"
	"github.com/libar-dev/libar-platform/internal/store"
	"github.com/libar-dev/libar-platform/internal/workqueue"
)

type fixture struct {
	store *store.Store
	svc   *Service
	queue *workqueue.Queue
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	schemas := schema.NewRegistry(schema.WithStrict())
	require.NoError(t, RegisterSchemas(schemas))

	ops := dcb.NewRegistry()
	queue := workqueue.New()
	t.Cleanup(queue.Close)
	retry := dcb.NewRetryEngine(ops, queue, dcb.WithBackoff(dcb.BackoffOptions{Jitter: dcb.NoJitter}))
	require.NoError(t, retry.Register(queue))

	svc := New(st, schemas, retry, opts...)
	require.NoError(t, svc.RegisterOperations(ops))
	return &fixture{store: st, svc: svc, queue: queue}
}

func (f *fixture) product(t *testing.T, id string, stock int) {
	t.Helper()
	_, err := f.svc.CreateProduct(context.Background(), CreateProduct{ProductID: id, Name: "Product " + id, InitialStock: stock}, Meta{})
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, id string) Product {
	t.Helper()
	p, _, err := f.svc.Product(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) events(t *testing.T, streamType, streamID string) []ir.StoredEvent {
	t.Helper()
	evs, err := f.store.ReadStream(context.Background(), streamType, streamID, 1, 0)
	require.NoError(t, err)
	return evs
}

func requireRejection(t *testing.T, err error, code string) {
	t.Helper()
	var re *commandbus.RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, code, re.Code)
}

func TestCreateProduct_DualWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreateProduct(ctx, CreateProduct{ProductID: "p-1", Name: "Widget", InitialStock: 10}, Meta{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, Product{ProductID: "p-1", Name: "Widget", Available: 10}, p)

	snap, version, err := f.svc.Product(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, p, snap)
	assert.Equal(t, int64(1), version)

	evs := f.events(t, ProductStream, "p-1")
	require.Len(t, evs, 1)
	assert.Equal(t, EventProductCreated, evs[0].EventType)
	assert.Equal(t, BoundedContext, evs[0].BoundedContext)
	assert.Equal(t, "corr-1", evs[0].CorrelationID)
	assert.JSONEq(t, `{"productId":"p-1","name":"Widget","initialStock":10}`, string(evs[0].Payload))

	_, err = f.svc.CreateProduct(ctx, CreateProduct{ProductID: "p-1", Name: "Again"}, Meta{})
	requireRejection(t, err, CodeProductExists)
	assert.Len(t, f.events(t, ProductStream, "p-1"), 1, "a rejected command writes nothing")
}

func TestAddStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p-1", 2)

	p, err := f.svc.AddStock(ctx, AddStock{ProductID: "p-1", Quantity: 5}, Meta{})
	require.NoError(t, err)
	assert.Equal(t, 7, p.Available)

	_, version, err := f.svc.Product(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version, "snapshot version follows the stream")

	_, err = f.svc.AddStock(ctx, AddStock{ProductID: "p-1", Quantity: 0}, Meta{})
	requireRejection(t, err, CodeInvalidQuantity)
	_, err = f.svc.AddStock(ctx, AddStock{ProductID: "missing", Quantity: 1}, Meta{})
	requireRejection(t, err, CodeProductNotFound)
}

func TestReserve_AllProductsOrNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p-1", 5)
	f.product(t, "p-2", 1)

	res, err := f.svc.Reserve(ctx, ReserveStock{
		OrderID: "ord-1",
		Items:   []Item{{ProductID: "p-2", Quantity: 1}, {ProductID: "p-1", Quantity: 2}, {ProductID: "p-1", Quantity: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, dcb.StatusSuccess, res.Status)
	assert.Equal(t, int64(1), res.NewVersion)
	assert.Len(t, res.EventIDs, 3, "one event per product plus the reservation")

	var r Reservation
	require.NoError(t, json.Unmarshal(res.Data, &r))
	assert.Equal(t, []Item{{ProductID: "p-1", Quantity: 3}, {ProductID: "p-2", Quantity: 1}}, r.Items)
	assert.Equal(t, ReservationActive, r.Status)

	assert.Equal(t, Product{ProductID: "p-1", Name: "Product p-1", Available: 2, Reserved: 3}, f.stock(t, "p-1"))
	assert.Equal(t, 0, f.stock(t, "p-2").Available)

	key, err := f.svc.ScopeKey("ord-1")
	require.NoError(t, err)
	scope, err := f.store.GetScope(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"Product:p-1", "Product:p-2", "Reservation:" + r.ReservationID}, scope.StreamIDs)

	// p-2 is now empty, so a second order for both products changes nothing.
	res, err = f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-2", Items: []Item{{ProductID: "p-1", Quantity: 1}, {ProductID: "p-2", Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, dcb.StatusRejected, res.Status)
	assert.Equal(t, CodeInsufficientStock, res.Code)
	assert.Equal(t, 2, f.stock(t, "p-1").Available)
	assert.Len(t, f.events(t, ProductStream, "p-1"), 2)
}

func TestReserve_RejectionRecordsFailureEvent(t *testing.T) {
	f := newFixture(t, WithReservationStrategy(idgen.ReservationHash))
	ctx := context.Background()
	f.product(t, "p-1", 1)

	res, err := f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-1", Items: []Item{{ProductID: "p-1", Quantity: 4}}})
	require.NoError(t, err)
	require.Equal(t, dcb.StatusRejected, res.Status)

	id, err := idgen.ReservationID(idgen.ReservationHash, "ord-1", []string{"p-1"})
	require.NoError(t, err)
	evs := f.events(t, ReservationStream, id)
	require.Len(t, evs, 1)
	assert.Equal(t, EventReservationFailed, evs[0].EventType)
	var failed ReservationFailed
	require.NoError(t, json.Unmarshal(evs[0].Payload, &failed))
	assert.Equal(t, CodeInsufficientStock, failed.Code)
	assert.Equal(t, "ord-1", failed.OrderID)
	assert.Equal(t, "ord-1", evs[0].CorrelationID)

	// Same order, enough stock now: the reservation reuses the id.
	_, err = f.svc.AddStock(ctx, AddStock{ProductID: "p-1", Quantity: 3}, Meta{})
	require.NoError(t, err)
	res, err = f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-1", Items: []Item{{ProductID: "p-1", Quantity: 4}}})
	require.NoError(t, err)
	require.Equal(t, dcb.StatusSuccess, res.Status)
	assert.Len(t, f.events(t, ReservationStream, id), 2)
}

func TestReserve_HashStrategyIsIdempotent(t *testing.T) {
	f := newFixture(t, WithReservationStrategy(idgen.ReservationHash))
	ctx := context.Background()
	f.product(t, "p-1", 5)

	req := ReserveStock{OrderID: "ord-1", Items: []Item{{ProductID: "p-1", Quantity: 2}}}
	first, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, dcb.StatusSuccess, first.Status)

	again, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)
	require.Equal(t, dcb.StatusSuccess, again.Status)
	assert.Empty(t, again.EventIDs)
	assert.JSONEq(t, string(first.Data), string(again.Data))
	assert.Equal(t, 3, f.stock(t, "p-1").Available, "stock is taken once")
}

func TestReserve_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-1"})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidQuantity, res.Code)

	res, err = f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-1", Items: []Item{{ProductID: "p-1", Quantity: -1}}})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidQuantity, res.Code)

	res, err = f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-1", Items: []Item{{ProductID: "ghost", Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, CodeProductNotFound, res.Code)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, "p-1", 5)

	res, err := f.svc.Reserve(ctx, ReserveStock{OrderID: "ord-1", Items: []Item{{ProductID: "p-1", Quantity: 2}}})
	require.NoError(t, err)
	var r Reservation
	require.NoError(t, json.Unmarshal(res.Data, &r))

	rel, err := f.svc.Release(ctx, ReleaseReservation{OrderID: "ord-1", ReservationID: r.ReservationID})
	require.NoError(t, err)
	require.Equal(t, dcb.StatusSuccess, rel.Status)
	assert.Equal(t, int64(2), rel.NewVersion, "release runs in the same scope as the reservation")
	assert.Equal(t, Product{ProductID: "p-1", Name: "Product p-1", Available: 5}, f.stock(t, "p-1"))

	stored, err := f.svc.Reservation(ctx, r.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ReservationReleased, stored.Status)

	rel, err = f.svc.Release(ctx, ReleaseReservation{OrderID: "ord-1", ReservationID: r.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, CodeReservationNotActive, rel.Code)

	rel, err = f.svc.Release(ctx, ReleaseReservation{OrderID: "ord-2", ReservationID: r.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, CodeReservationNotFound, rel.Code)
}

func TestCommands_OnBus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := commandbus.New(f.store)
	require.NoError(t, f.svc.RegisterCommands(bus))

	dispatch := func(id, typ, payload string) commandbus.Result {
		t.Helper()
		res, err := bus.Dispatch(ctx, ir.Command{CommandID: id, CommandType: typ, Payload: json.RawMessage(payload)})
		require.NoError(t, err)
		return res
	}

	res := dispatch("cmd-1", CommandCreateProduct, `{"productId":"p-1","name":"Widget","initialStock":1}`)
	assert.Equal(t, ir.CommandExecuted, res.CommandStatus)

	res = dispatch("cmd-2", CommandReserveStock, `{"orderId":"ord-1","items":[{"productId":"p-1","quantity":2}]}`)
	assert.Equal(t, ir.CommandRejected, res.CommandStatus)
	assert.Contains(t, string(res.Result), CodeInsufficientStock)

	res = dispatch("cmd-3", CommandAddStock, `{"productId":"p-1","quantity":1}`)
	assert.Equal(t, ir.CommandExecuted, res.CommandStatus)

	res = dispatch("cmd-4", CommandReserveStock, `{"orderId":"ord-1","items":[{"productId":"p-1","quantity":2}]}`)
	assert.Equal(t, ir.CommandExecuted, res.CommandStatus)
	var out dcb.Result
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, dcb.StatusSuccess, out.Status)

	res = dispatch("cmd-5", CommandAddStock, `{"productId":7}`)
	assert.Equal(t, ir.CommandRejected, res.CommandStatus)
	assert.Contains(t, string(res.Result), "INVALID_PAYLOAD")
}
