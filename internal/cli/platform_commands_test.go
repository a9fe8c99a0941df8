package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/agent"
	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/contexts/orders"
	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

const createWidget = `{"productId":"p-1","name":"Widget","initialStock":5}`

func TestDispatch_CreateProduct(t *testing.T) {
	db := tempDB(t)

	resp, err := executeJSON(t, db, "dispatch", "CreateProduct", "--id", "cmd-create-p-1", "--payload", createWidget)
	require.NoError(t, err)
	var res commandbus.Result
	decodeData(t, resp, &res)
	assert.Equal(t, ir.RecordNew, res.Status)
	assert.Equal(t, ir.CommandExecuted, res.CommandStatus)

	read, err := executeJSON(t, db, "read", "stream", "Product", "p-1")
	require.NoError(t, err)
	var events ReadResult
	decodeData(t, read, &events)
	require.Equal(t, 1, events.Count)
	assert.Equal(t, "ProductCreated", events.Events[0].EventType)

	// Same command id: the ledger answers without running the handler again.
	resp, err = executeJSON(t, db, "dispatch", "CreateProduct", "--id", "cmd-create-p-1", "--payload", createWidget)
	require.NoError(t, err)
	decodeData(t, resp, &res)
	assert.Equal(t, ir.RecordDuplicate, res.Status)
	assert.Equal(t, ir.CommandExecuted, res.CommandStatus)

	out, err := execute(t, db, "dispatch", "CreateProduct", "--id", "cmd-create-p-1", "--payload", createWidget)
	require.NoError(t, err)
	assert.Contains(t, out, "CreateProduct executed (duplicate)")
}

func TestDispatch_Rejected(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, db, "dispatch", "CreateProduct", "--payload", createWidget)
	require.NoError(t, err)

	resp, err := executeJSON(t, db, "dispatch", "CreateProduct", "--payload", createWidget)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeRejected, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "PRODUCT_ALREADY_EXISTS")
}

func TestDispatch_Errors(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, db, "dispatch", "LaunchRocket")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, commandbus.ErrNoHandler)

	_, err = execute(t, db, "dispatch", "CreateProduct", "--payload", "{")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDispatch_SettlesSaga(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, db, "dispatch", "CreateProduct", "--payload", createWidget)
	require.NoError(t, err)
	_, err = execute(t, db, "dispatch", "CreateOrder", "--payload", `{"orderId":"ord-1","customerId":"c-1"}`)
	require.NoError(t, err)
	_, err = execute(t, db, "dispatch", "AddOrderItem",
		"--payload", `{"orderId":"ord-1","productId":"p-1","quantity":2,"unitPriceCents":250}`)
	require.NoError(t, err)
	_, err = execute(t, db, "dispatch", "SubmitOrder", "--payload", `{"orderId":"ord-1"}`)
	require.NoError(t, err)

	// The fulfilment saga reserved stock and confirmed the order before exit.
	resp, err := executeJSON(t, db, "read", "stream", "Order", "ord-1")
	require.NoError(t, err)
	var events ReadResult
	decodeData(t, resp, &events)
	require.NotZero(t, events.Count)
	assert.Equal(t, "OrderConfirmed", events.Events[events.Count-1].EventType)

	subs, err := executeJSON(t, db, "subscriptions", "list")
	require.NoError(t, err)
	var cps []ir.Checkpoint
	decodeData(t, subs, &cps)
	var found bool
	for _, cp := range cps {
		if cp.AgentID == orders.FulfilmentAgentID && cp.SubscriptionID == orders.FulfilmentSubscriptionID {
			found = true
			assert.Equal(t, ir.CheckpointActive, cp.Status)
			assert.Positive(t, cp.LastProcessedPosition)
		}
	}
	assert.True(t, found, "fulfilment checkpoint recorded")
}

func seedApproval(t *testing.T, db, id string, expiresAt time.Time) {
	t.Helper()
	seedStore(t, db, func(ctx context.Context, st *store.Store) {
		status, err := st.CreateApproval(ctx, ir.Approval{
			ApprovalID: id,
			AgentID:    "restock",
			DecisionID: "dec-" + id,
			Action: ir.AgentAction{
				Type:    "CreateProduct",
				Payload: json.RawMessage(createWidget),
			},
			Confidence:         0.4,
			Reason:             "stock ran out twice",
			TriggeringEventIDs: []string{"evt-1"},
			ExpiresAt:          expiresAt,
		})
		require.NoError(t, err)
		require.Equal(t, store.Created, status)
	})
}

func TestApprovals_ListApprove(t *testing.T) {
	db := tempDB(t)
	seedApproval(t, db, "apr-1", time.Now().Add(time.Hour))

	resp, err := executeJSON(t, db, "approvals", "list", "--status", "pending")
	require.NoError(t, err)
	var list []ir.Approval
	decodeData(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "apr-1", list[0].ApprovalID)

	resp, err = executeJSON(t, db, "approvals", "approve", "apr-1", "--reviewer", "alice", "--note", "ok")
	require.NoError(t, err)
	var res agent.ApproveResult
	decodeData(t, resp, &res)
	require.NotNil(t, res.Review.Approval)
	assert.Equal(t, ir.ApprovalApproved, res.Review.Approval.Status)
	assert.Equal(t, "alice", res.Review.Approval.ReviewedBy)
	require.NotNil(t, res.Command, "the approved action is dispatched")
	assert.Equal(t, ir.CommandExecuted, res.Command.CommandStatus)

	read, err := executeJSON(t, db, "read", "stream", "Product", "p-1")
	require.NoError(t, err)
	var events ReadResult
	decodeData(t, read, &events)
	assert.Equal(t, 1, events.Count)

	// A reviewed approval cannot be reviewed again.
	resp, err = executeJSON(t, db, "approvals", "reject", "apr-1", "--reviewer", "bob")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeReview, resp.Error.Code)
}

func TestApprovals_RejectAndExpire(t *testing.T) {
	db := tempDB(t)
	seedApproval(t, db, "apr-keep", time.Now().Add(time.Hour))
	seedApproval(t, db, "apr-old", time.Now().Add(-time.Minute))

	out, err := execute(t, db, "approvals", "reject", "apr-keep", "--reviewer", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Approval apr-keep rejected by bob\n", out)

	resp, err := executeJSON(t, db, "approvals", "expire")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"expired": float64(1)}, resp.Data)

	resp, err = executeJSON(t, db, "approvals", "list", "--status", "expired")
	require.NoError(t, err)
	var list []ir.Approval
	decodeData(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "apr-old", list[0].ApprovalID)

	_, err = execute(t, db, "approvals", "list", "--status", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, db, "approvals", "approve", "apr-keep")
	require.Error(t, err, "--reviewer is required")
}

func seedDeadLetter(t *testing.T, db, agentID, subscriptionID, eventID string) {
	t.Helper()
	seedStore(t, db, func(ctx context.Context, st *store.Store) {
		_, err := st.RecordDeadLetter(ctx, store.DeadLetterFailure{
			AgentID:        agentID,
			SubscriptionID: subscriptionID,
			EventID:        eventID,
			GlobalPosition: 42,
			Error:          "boom",
		})
		require.NoError(t, err)
	})
}

func TestDeadLetters_ListAndIgnore(t *testing.T) {
	db := tempDB(t)
	seedDeadLetter(t, db, orders.FulfilmentAgentID, orders.FulfilmentSubscriptionID, "evt-1")

	resp, err := executeJSON(t, db, "deadletters", "list", "--status", "pending")
	require.NoError(t, err)
	var list []ir.DeadLetter
	decodeData(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "boom", list[0].Error)
	assert.Equal(t, 1, list[0].AttemptCount)

	out, err := execute(t, db, "deadletters", "ignore", orders.FulfilmentAgentID, "evt-1")
	require.NoError(t, err)
	assert.Contains(t, out, "ignored")

	resp, err = executeJSON(t, db, "deadletters", "ignore", orders.FulfilmentAgentID, "evt-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotReplayed, resp.Error.Code)

	resp, err = executeJSON(t, db, "deadletters", "ignore", orders.FulfilmentAgentID, "evt-missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestDeadLetters_Replay(t *testing.T) {
	db := tempDB(t)
	seedDeadLetter(t, db, "ghost", "nowhere", "evt-1")

	resp, err := executeJSON(t, db, "deadletters", "replay", "ghost", "evt-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err), "unknown subscription leaves the dead letter pending")
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotReplayed, resp.Error.Code)

	resp, err = executeJSON(t, db, "deadletters", "replay", "ghost", "evt-missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	db := tempDB(t)
	agentID, subID := orders.FulfilmentAgentID, orders.FulfilmentSubscriptionID

	resp, err := executeJSON(t, db, "subscriptions", "pause", agentID, subID)
	require.NoError(t, err)
	var cp ir.Checkpoint
	decodeData(t, resp, &cp)
	assert.Equal(t, ir.CheckpointPaused, cp.Status)

	out, err := execute(t, db, "subs", "resume", agentID, subID)
	require.NoError(t, err)
	assert.Equal(t, "Subscription orders/fulfilment is active\n", out)

	_, err = execute(t, db, "subscriptions", "stop", agentID, subID)
	require.NoError(t, err)

	resp, err = executeJSON(t, db, "subscriptions", "resume", agentID, subID)
	require.Error(t, err, "stopped is final")
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConflict, resp.Error.Code)

	resp, err = executeJSON(t, db, "subscriptions", "pause", "ghost", "nowhere")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}
