package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func confirmOrder(id string) ir.Command {
	return ir.Command{
		CommandID:   id,
		CommandType: "ConfirmOrder",
		Payload:     json.RawMessage(`{"orderId":"ord-1"}`),
	}
}

func TestDispatch_RunsHandlerOnce(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, bus.Register("ConfirmOrder", "orders", func(_ context.Context, cmd ir.Command) (json.RawMessage, error) {
		calls.Add(1)
		assert.Equal(t, "orders", cmd.TargetContext, "context filled from the route")
		return json.RawMessage(`{"version":2}`), nil
	}))

	first, err := bus.Dispatch(ctx, confirmOrder("cmd-1"))
	require.NoError(t, err)
	assert.Equal(t, ir.RecordNew, first.Status)
	assert.Equal(t, ir.CommandExecuted, first.CommandStatus)

	again, err := bus.Dispatch(ctx, confirmOrder("cmd-1"))
	require.NoError(t, err)
	assert.Equal(t, ir.RecordDuplicate, again.Status)
	assert.Equal(t, ir.CommandExecuted, again.CommandStatus)
	assert.JSONEq(t, `{"version":2}`, string(again.Result))
	assert.Equal(t, int32(1), calls.Load())

	rec, err := bus.Get(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, ir.CommandExecuted, rec.Status)
	assert.NotEmpty(t, rec.CorrelationID)
}

func TestDispatch_Rejection(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Register("ConfirmOrder", "orders", func(context.Context, ir.Command) (json.RawMessage, error) {
		return nil, Reject("ORDER_NOT_DRAFT", "order already confirmed")
	}))

	res, err := bus.Dispatch(context.Background(), confirmOrder("cmd-1"))
	require.NoError(t, err, "a rejection is a result")
	assert.Equal(t, ir.CommandRejected, res.CommandStatus)
	assert.JSONEq(t, `{"code":"ORDER_NOT_DRAFT","reason":"order already confirmed"}`, string(res.Result))
}

func TestDispatch_HandlerFailureIsRecordedAndReturned(t *testing.T) {
	bus := newTestBus(t)
	boom := errors.New("inventory unavailable")
	require.NoError(t, bus.Register("ConfirmOrder", "orders", func(context.Context, ir.Command) (json.RawMessage, error) {
		return nil, boom
	}))

	res, err := bus.Dispatch(context.Background(), confirmOrder("cmd-1"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ir.CommandFailed, res.CommandStatus)

	dup, err := bus.Dispatch(context.Background(), confirmOrder("cmd-1"))
	require.NoError(t, err)
	assert.Equal(t, ir.RecordDuplicate, dup.Status)
	assert.Equal(t, ir.CommandFailed, dup.CommandStatus)
}

func TestDispatch_UnknownTypeRecordsNothing(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.Dispatch(context.Background(), confirmOrder("cmd-1"))
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = bus.Get(context.Background(), "cmd-1")
	assert.True(t, store.IsNotFound(err))
}

func TestDispatch_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	bus := newTestBus(t)
	var calls atomic.Int32
	require.NoError(t, bus.Register("ConfirmOrder", "orders", func(context.Context, ir.Command) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bus.Dispatch(context.Background(), confirmOrder("cmd-race"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegister_Validation(t *testing.T) {
	bus := newTestBus(t)
	h := func(context.Context, ir.Command) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, bus.Register("A", "ctx", h))
	assert.Error(t, bus.Register("A", "ctx", h))
	assert.Error(t, bus.Register("", "ctx", h))
	assert.Error(t, bus.Register("B", "", h))
}

func TestDispatch_GeneratesCommandID(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Register("ConfirmOrder", "orders", func(context.Context, ir.Command) (json.RawMessage, error) {
		return nil, nil
	}))
	res, err := bus.Dispatch(context.Background(), confirmOrder(""))
	require.NoError(t, err)
	assert.Equal(t, ir.RecordNew, res.Status)
}
