package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okx-trader/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testOrder(state types.OrderState) types.Order {
	return types.Order{
		OID:        "ord-1",
		Cloid:      "cl-1",
		Symbol:     "ETH-USDT-SWAP",
		Side:       types.Buy,
		PosSide:    types.Long,
		OrdType:    types.OrdMarket,
		Px:         d("2000"),
		Sz:         d("1.5"),
		FillPx:     d("1999.5"),
		FillSz:     d("1.5"),
		State:      state,
		Leverage:   10,
		MarginMode: "cross",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestOrderRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	want := testOrder(types.OrderLive)
	require.NoError(t, s.UpsertOrder(ctx, want))

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Cloid, got.Cloid)
	assert.Equal(t, want.State, got.State)
	assert.True(t, got.Sz.Equal(want.Sz))
	assert.True(t, got.FillPx.Equal(want.FillPx))
}

func TestOrderMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetOrder(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTerminalStateNotOverwritten(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertOrder(ctx, testOrder(types.OrderFilled)))

	// A stale live update arriving after the terminal one must not win.
	stale := testOrder(types.OrderLive)
	require.NoError(t, s.UpsertOrder(ctx, stale))

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.State)
}

func TestLiveStateProgresses(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertOrder(ctx, testOrder(types.OrderLive)))
	require.NoError(t, s.UpsertOrder(ctx, testOrder(types.OrderPartiallyFilled)))
	require.NoError(t, s.UpsertOrder(ctx, testOrder(types.OrderFilled)))

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.State)
}

func TestSnapshotWrittenOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	snap := types.PositionSnapshot{
		PID:     "pos-1",
		Symbol:  "BTC-USDT-SWAP",
		PosSide: types.Long,
		Pos:     d("2"),
		AvgPx:   d("60000"),
		UTime:   1000,
		MarkPx:  d("60100"),
	}
	require.NoError(t, s.AppendSnapshot(ctx, snap))
	require.NoError(t, s.AppendSnapshot(ctx, snap)) // replay, ignored

	n, err := s.CountSnapshots(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap.UTime = 2000
	require.NoError(t, s.AppendSnapshot(ctx, snap))
	n, err = s.CountSnapshots(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTradeRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tr := types.Trade{
		Cloid:           "cl-1",
		Symbol:          "ETH-USDT-SWAP",
		PosSide:         types.Short,
		SignalID:        "sig-9",
		CurrentSize:     d("3"),
		EntryPrice:      d("2100.25"),
		Leverage:        5,
		StopLossCloid:   "cl-1sl",
		TakeProfitCloid: "cl-1tp",
		State:           types.TradeOpen,
		OpenedAt:        time.Now(),
	}
	require.NoError(t, s.SaveTrade(ctx, tr))

	got, err := s.GetTrade(ctx, "cl-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CurrentSize.Equal(d("3")))
	assert.Equal(t, types.TradeOpen, got.State)
	assert.Nil(t, got.ClosedAt)

	// Close it and upsert.
	now := time.Now()
	tr.CurrentSize = decimal.Zero
	tr.State = types.TradeClosed
	tr.ClosedAt = &now
	require.NoError(t, s.SaveTrade(ctx, tr))

	got, err = s.GetTrade(ctx, "cl-1")
	require.NoError(t, err)
	assert.Equal(t, types.TradeClosed, got.State)
	assert.NotNil(t, got.ClosedAt)
}

func TestActionJournal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cl := "cl-1"
	id, err := s.AppendAction(ctx, types.TradeAction{
		Cloid:      &cl,
		Symbol:     "ETH-USDT-SWAP",
		PosSide:    types.Long,
		ActionType: types.ActionOpen,
		OID:        "ord-1",
		Amount:     decimal.Zero,
		Pending:    true,
		Ts:         time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.CompleteAction(ctx, id, d("1.5"), d("2000")))

	actions, err := s.ActionsByCloid(ctx, cl)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionOpen, actions[0].ActionType)
	assert.False(t, actions[0].Pending)
	assert.True(t, actions[0].Amount.Equal(d("1.5")))
	assert.True(t, actions[0].Price.Equal(d("2000")))
}

func TestOrphanActions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendAction(ctx, types.TradeAction{
		Symbol:     "BTC-USDT-SWAP",
		PosSide:    types.Long,
		ActionType: types.ActionExternalClose,
		Amount:     d("2"),
		Price:      d("60000"),
		Ts:         time.Now(),
	})
	require.NoError(t, err)

	orphans, err := s.ActionsByCloid(ctx, "")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Nil(t, orphans[0].Cloid)
	assert.Equal(t, types.ActionExternalClose, orphans[0].ActionType)
}
