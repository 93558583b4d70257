// Package stream consumes the private WebSocket channels.
//
// Each channel gets a bounded queue and its own worker goroutine, so a slow
// database or REST call never blocks the socket read loop. When a queue is
// full the newest event is dropped and logged; the exchange replays current
// state on reconnect, so a drop loses at most an intermediate update.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"okx-trader/internal/dedup"
	"okx-trader/internal/exchange"
	"okx-trader/internal/metrics"
	"okx-trader/pkg/types"
)

const (
	orderProcessedTTL = 60 * time.Minute
	inflightTTL       = 5 * time.Minute
	drainTimeout      = 3 * time.Second
)

// OrderStore persists normalized order records.
type OrderStore interface {
	UpsertOrder(ctx context.Context, o types.Order) error
}

// FillSink receives fills for orders that reported filled or partially filled.
type FillSink interface {
	OnOrderFill(ctx context.Context, f types.Fill) error
}

// Orders consumes the orders channel: dedup, normalize, persist, and hand
// fills to the reconciler.
type Orders struct {
	store  OrderStore
	sink   FillSink
	reg    *dedup.Registry
	queue  chan queuedOrder
	logger *slog.Logger
	done   chan struct{}
}

type queuedOrder struct {
	key  dedup.Key
	data exchange.OrderData
}

// NewOrders builds the order stream with a queue of the given depth.
func NewOrders(store OrderStore, sink FillSink, queueSize int, logger *slog.Logger) *Orders {
	return &Orders{
		store:  store,
		sink:   sink,
		reg:    dedup.New(orderProcessedTTL, inflightTTL),
		queue:  make(chan queuedOrder, queueSize),
		logger: logger.With("component", "orders"),
		done:   make(chan struct{}),
	}
}

// Run processes queued events until ctx is cancelled, then drains what is
// already queued within a bounded window.
func (s *Orders) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case q := <-s.queue:
			s.process(ctx, q)
		case <-ctx.Done():
			deadline := time.After(drainTimeout)
			for {
				select {
				case q := <-s.queue:
					s.process(context.Background(), q)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (s *Orders) Done() <-chan struct{} { return s.done }

// HandleFrame enqueues each element of an orders data frame. Runs on the
// socket read goroutine and never blocks: a full queue drops the event and
// marks its key processed so the claim cannot leak.
func (s *Orders) HandleFrame(f *exchange.Frame) {
	var elems []exchange.OrderData
	if err := json.Unmarshal(f.Data, &elems); err != nil {
		s.logger.Warn("undecodable orders payload", "error", err)
		return
	}

	for _, d := range elems {
		key := dedup.Key{ID: d.OrdID, UTime: parseMillis(d.UTime)}
		if !s.reg.TryClaim(key) {
			metrics.EventsDeduped.WithLabelValues("orders").Inc()
			continue
		}
		select {
		case s.queue <- queuedOrder{key: key, data: d}:
		default:
			metrics.QueueDrops.WithLabelValues("orders").Inc()
			s.logger.Error("order queue full, dropping event",
				"ordId", key.ID, "uTime", key.UTime, "state", d.State)
			s.reg.MarkProcessed(key)
		}
	}
}

func (s *Orders) process(ctx context.Context, q queuedOrder) {
	o := normalizeOrder(q.data)
	if o.Cloid == "" {
		s.logger.Debug("order without clOrdId", "ordId", o.OID, "state", o.State)
	}

	if err := s.store.UpsertOrder(ctx, o); err != nil {
		s.logger.Error("order upsert failed", "ordId", o.OID, "error", err)
		s.reg.Release(q.key)
		return
	}
	metrics.OrdersUpserted.Inc()

	if o.State == types.OrderFilled || o.State == types.OrderPartiallyFilled {
		fill := types.Fill{
			OID:     o.OID,
			Cloid:   o.Cloid,
			Symbol:  o.Symbol,
			Side:    o.Side,
			PosSide: o.PosSide,
			FillSz:  o.FillSz,
			FillPx:  o.FillPx,
			State:   o.State,
			UTime:   q.key.UTime,
		}
		if err := s.sink.OnOrderFill(ctx, fill); err != nil {
			s.logger.Error("fill handling failed", "ordId", o.OID,
				"cloid", o.Cloid, "error", err)
		}
	}
	s.reg.MarkProcessed(q.key)
}

// normalizeOrder converts a wire order element into the stored record.
// Missing or malformed numeric fields become zero rather than faulting the
// stream.
func normalizeOrder(d exchange.OrderData) types.Order {
	uTime := parseMillis(d.UTime)
	if uTime == 0 {
		uTime = time.Now().UnixMilli()
	}
	cTime := parseMillis(d.CTime)
	if cTime == 0 {
		cTime = uTime
	}
	lever, _ := strconv.Atoi(d.Lever)
	return types.Order{
		OID:        d.OrdID,
		Cloid:      d.ClOrdID,
		Symbol:     d.InstID,
		Side:       types.Side(d.Side),
		PosSide:    types.PosSide(d.PosSide),
		OrdType:    types.OrdType(d.OrdType),
		Px:         parseDecimal(d.Px),
		Sz:         parseDecimal(d.Sz),
		FillPx:     parseDecimal(d.AvgPx),
		FillSz:     parseDecimal(d.AccFillSz),
		State:      types.OrderState(d.State),
		Leverage:   lever,
		MarginMode: d.TdMode,
		Tag:        d.Tag,
		CreatedAt:  time.UnixMilli(cTime),
		UpdatedAt:  time.UnixMilli(uTime),
	}
}

func parseMillis(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
