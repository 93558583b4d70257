package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"okx-trader/internal/exchange"
	"okx-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeOrderStore struct {
	mu     sync.Mutex
	orders []types.Order
}

func (f *fakeOrderStore) UpsertOrder(_ context.Context, o types.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeOrderStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeFillSink struct {
	mu    sync.Mutex
	fills []types.Fill
}

func (f *fakeFillSink) OnOrderFill(_ context.Context, fill types.Fill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fill)
	return nil
}

func (f *fakeFillSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fills)
}

func orderFrame(t *testing.T, elems ...exchange.OrderData) *exchange.Frame {
	t.Helper()
	data, err := json.Marshal(elems)
	if err != nil {
		t.Fatal(err)
	}
	return &exchange.Frame{
		Arg:  &exchange.FrameArg{Channel: "orders", InstType: "SWAP"},
		Data: data,
	}
}

func waitCount(t *testing.T, want int, count func() int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := count(); got < want {
		t.Fatalf("count = %d, want %d", got, want)
	}
}

func startOrders(t *testing.T, store OrderStore, sink FillSink, queueSize int) *Orders {
	t.Helper()
	s := NewOrders(store, sink, queueSize, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func TestOrderProcessedOnce(t *testing.T) {
	t.Parallel()
	store := &fakeOrderStore{}
	sink := &fakeFillSink{}
	s := startOrders(t, store, sink, 10)

	d := exchange.OrderData{
		OrdID: "ord-1", ClOrdID: "cl-1", InstID: "ETH-USDT-SWAP",
		Side: "buy", PosSide: "long", OrdType: "market",
		Sz: "2", State: "live", UTime: "1000",
	}
	s.HandleFrame(orderFrame(t, d))
	s.HandleFrame(orderFrame(t, d)) // reconnect replay

	waitCount(t, 1, store.count)
	time.Sleep(50 * time.Millisecond)
	if store.count() != 1 {
		t.Errorf("upserts = %d, want 1 (duplicate dropped)", store.count())
	}
}

func TestOrderNewUTimeIsNewObservation(t *testing.T) {
	t.Parallel()
	store := &fakeOrderStore{}
	sink := &fakeFillSink{}
	s := startOrders(t, store, sink, 10)

	s.HandleFrame(orderFrame(t, exchange.OrderData{
		OrdID: "ord-1", State: "live", UTime: "1000",
	}))
	s.HandleFrame(orderFrame(t, exchange.OrderData{
		OrdID: "ord-1", State: "filled", UTime: "2000",
	}))

	waitCount(t, 2, store.count)
}

func TestFilledOrderHandsOffFill(t *testing.T) {
	t.Parallel()
	store := &fakeOrderStore{}
	sink := &fakeFillSink{}
	s := startOrders(t, store, sink, 10)

	s.HandleFrame(orderFrame(t, exchange.OrderData{
		OrdID: "ord-1", ClOrdID: "cl-1", InstID: "ETH-USDT-SWAP",
		Side: "buy", PosSide: "long", Sz: "2",
		AvgPx: "2001.5", AccFillSz: "2", State: "filled", UTime: "1000",
	}))

	waitCount(t, 1, sink.count)
	sink.mu.Lock()
	fill := sink.fills[0]
	sink.mu.Unlock()
	if fill.Cloid != "cl-1" || !fill.FillSz.Equal(mustD("2")) || !fill.FillPx.Equal(mustD("2001.5")) {
		t.Errorf("fill = %+v", fill)
	}
	if fill.State != types.OrderFilled {
		t.Errorf("fill state = %s, want filled", fill.State)
	}
}

func TestLiveOrderDoesNotHandOffFill(t *testing.T) {
	t.Parallel()
	store := &fakeOrderStore{}
	sink := &fakeFillSink{}
	s := startOrders(t, store, sink, 10)

	s.HandleFrame(orderFrame(t, exchange.OrderData{
		OrdID: "ord-1", State: "live", UTime: "1000",
	}))
	s.HandleFrame(orderFrame(t, exchange.OrderData{
		OrdID: "ord-2", State: "canceled", UTime: "1000",
	}))

	waitCount(t, 2, store.count)
	if sink.count() != 0 {
		t.Errorf("fills = %d, want 0 for live/canceled states", sink.count())
	}
}

func TestOrderWithoutCloidStillStored(t *testing.T) {
	t.Parallel()
	store := &fakeOrderStore{}
	sink := &fakeFillSink{}
	s := startOrders(t, store, sink, 10)

	// Manual order placed in the exchange app: no clOrdId.
	s.HandleFrame(orderFrame(t, exchange.OrderData{
		OrdID: "ord-manual", InstID: "BTC-USDT-SWAP", Side: "sell",
		PosSide: "short", AccFillSz: "1", AvgPx: "60000",
		State: "filled", UTime: "1000",
	}))

	waitCount(t, 1, store.count)
	store.mu.Lock()
	o := store.orders[0]
	store.mu.Unlock()
	if o.Cloid != "" || o.OID != "ord-manual" {
		t.Errorf("order = %+v", o)
	}
	// The fill still flows onward; the reconciler decides what to do with it.
	waitCount(t, 1, sink.count)
}

func TestOrderQueueFullDropsNewest(t *testing.T) {
	t.Parallel()
	store := &fakeOrderStore{}
	sink := &fakeFillSink{}

	// No worker running: the queue fills and stays full.
	s := NewOrders(store, sink, 2, testLogger())

	var elems []exchange.OrderData
	for i := 0; i < 5; i++ {
		elems = append(elems, exchange.OrderData{
			OrdID: "ord-1", State: "live", UTime: strconv.Itoa(1000 + i),
		})
	}
	s.HandleFrame(orderFrame(t, elems...))

	if got := len(s.queue); got != 2 {
		t.Errorf("queued = %d, want 2 (rest dropped)", got)
	}
	// Dropped keys are marked processed, so a replay cannot re-queue them.
	s.HandleFrame(orderFrame(t, elems...))
	if got := len(s.queue); got != 2 {
		t.Errorf("queued after replay = %d, want 2", got)
	}
}

func TestOrderMissingUTimeGetsFallback(t *testing.T) {
	t.Parallel()
	o := normalizeOrder(exchange.OrderData{OrdID: "ord-1", State: "live"})
	if o.UpdatedAt.IsZero() {
		t.Error("missing uTime should fall back to now")
	}
}
