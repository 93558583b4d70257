package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"okx-trader/internal/dedup"
	"okx-trader/internal/exchange"
	"okx-trader/internal/metrics"
	"okx-trader/pkg/types"
)

const positionProcessedTTL = 30 * time.Minute

// SnapshotStore persists raw position observations.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, p types.PositionSnapshot) error
}

// CloseSink receives classified close events.
type CloseSink interface {
	OnPositionChange(ctx context.Context, ev types.CloseEvent) error
}

// Positions consumes the positions channel in two stages. Raw elements pass
// through a data queue into a single classifier goroutine, which compares
// each against the last seen state for its pid and emits close events into a
// second queue consumed by the close worker. Classification is single
// threaded so the prev-state comparison is race free.
type Positions struct {
	store SnapshotStore
	sink  CloseSink
	reg   *dedup.Registry

	dataQueue  chan queuedPosition
	closeQueue chan queuedClose
	logger     *slog.Logger
	done       chan struct{}

	mu        sync.Mutex
	lastByPid map[string]decimal.Decimal
}

type queuedPosition struct {
	key       dedup.Key
	data      exchange.PositionData
	eventType string // "snapshot" or "event_update"
}

type queuedClose struct {
	key dedup.Key
	ev  types.CloseEvent
}

// NewPositions builds the position stream. dataQueueSize bounds the raw
// element queue, closeQueueSize the classified close-event queue.
func NewPositions(store SnapshotStore, sink CloseSink, dataQueueSize, closeQueueSize int, logger *slog.Logger) *Positions {
	return &Positions{
		store:      store,
		sink:       sink,
		reg:        dedup.New(positionProcessedTTL, inflightTTL),
		dataQueue:  make(chan queuedPosition, dataQueueSize),
		closeQueue: make(chan queuedClose, closeQueueSize),
		logger:     logger.With("component", "positions"),
		done:       make(chan struct{}),
		lastByPid:  make(map[string]decimal.Decimal),
	}
}

// HandleFrame enqueues each element of a positions data frame. Runs on the
// socket read goroutine and never blocks.
func (s *Positions) HandleFrame(f *exchange.Frame) {
	var elems []exchange.PositionData
	if err := json.Unmarshal(f.Data, &elems); err != nil {
		s.logger.Warn("undecodable positions payload", "error", err)
		return
	}

	eventType := f.EventType
	if eventType == "" {
		eventType = "snapshot"
	}

	for _, d := range elems {
		key := dedup.Key{ID: d.PosID, UTime: parseMillis(d.UTime)}
		if !s.reg.TryClaim(key) {
			metrics.EventsDeduped.WithLabelValues("positions").Inc()
			continue
		}
		select {
		case s.dataQueue <- queuedPosition{key: key, data: d, eventType: eventType}:
		default:
			metrics.QueueDrops.WithLabelValues("positions").Inc()
			s.logger.Error("position queue full, dropping event",
				"posId", key.ID, "uTime", key.UTime)
			s.reg.MarkProcessed(key)
		}
	}
}

// Run starts the classifier and the close worker, and blocks until both have
// drained after ctx cancellation.
func (s *Positions) Run(ctx context.Context) {
	defer close(s.done)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.classifyLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.closeLoop(ctx)
	}()
	wg.Wait()
}

// Done is closed when Run has returned.
func (s *Positions) Done() <-chan struct{} { return s.done }

func (s *Positions) classifyLoop(ctx context.Context) {
	for {
		select {
		case q := <-s.dataQueue:
			s.classify(ctx, q)
		case <-ctx.Done():
			deadline := time.After(drainTimeout)
			for {
				select {
				case q := <-s.dataQueue:
					s.classify(context.Background(), q)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

// classify persists the snapshot, compares the element against the previous
// size for its pid, and emits a close event when the size decreased.
//
// A zero size is a full close when it is an event_update or when no previous
// size is known (a snapshot after reconnect reporting an already-flat
// position the ledger may still think is open). A snapshot repeating a known
// zero is not re-emitted.
func (s *Positions) classify(ctx context.Context, q queuedPosition) {
	snap := normalizePosition(q.data)
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		s.logger.Error("snapshot persist failed", "posId", snap.PID, "error", err)
	}

	pos := snap.Pos.Abs()

	s.mu.Lock()
	prev, hasPrev := s.lastByPid[snap.PID]
	s.mu.Unlock()

	var ev *types.CloseEvent
	switch {
	case pos.IsZero():
		fullClose := q.eventType == "event_update" && (!hasPrev || prev.IsPositive()) ||
			q.eventType == "snapshot" && !hasPrev
		if fullClose {
			amount := pos
			if hasPrev {
				amount = prev.Sub(pos)
			}
			ev = &types.CloseEvent{
				PID:         snap.PID,
				Symbol:      snap.Symbol,
				PosSide:     snap.PosSide,
				CloseAmount: amount,
				IsFullClose: true,
				UTime:       snap.UTime,
				MarkPx:      snap.MarkPx,
			}
		}
	case hasPrev && pos.LessThan(prev):
		ev = &types.CloseEvent{
			PID:         snap.PID,
			Symbol:      snap.Symbol,
			PosSide:     snap.PosSide,
			CloseAmount: prev.Sub(pos),
			IsFullClose: false,
			UTime:       snap.UTime,
			MarkPx:      snap.MarkPx,
		}
	}

	s.mu.Lock()
	s.lastByPid[snap.PID] = pos
	s.mu.Unlock()

	if ev == nil {
		s.reg.MarkProcessed(q.key)
		return
	}

	select {
	case s.closeQueue <- queuedClose{key: q.key, ev: *ev}:
	default:
		metrics.QueueDrops.WithLabelValues("closes").Inc()
		s.logger.Error("close queue full, dropping event",
			"posId", q.key.ID, "uTime", q.key.UTime, "amount", ev.CloseAmount)
		s.reg.MarkProcessed(q.key)
	}
}

func (s *Positions) closeLoop(ctx context.Context) {
	for {
		select {
		case q := <-s.closeQueue:
			s.handleClose(ctx, q)
		case <-ctx.Done():
			deadline := time.After(drainTimeout)
			for {
				select {
				case q := <-s.closeQueue:
					s.handleClose(context.Background(), q)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

func (s *Positions) handleClose(ctx context.Context, q queuedClose) {
	if err := s.sink.OnPositionChange(ctx, q.ev); err != nil {
		s.logger.Error("close handling failed", "posId", q.ev.PID,
			"amount", q.ev.CloseAmount, "error", err)
	}
	s.reg.MarkProcessed(q.key)
}

func normalizePosition(d exchange.PositionData) types.PositionSnapshot {
	lever, _ := strconv.Atoi(d.Lever)
	return types.PositionSnapshot{
		PID:        d.PosID,
		Symbol:     d.InstID,
		PosSide:    types.PosSide(d.PosSide),
		Pos:        parseDecimal(d.Pos),
		AvailPos:   parseDecimal(d.AvailPos),
		AvgPx:      parseDecimal(d.AvgPx),
		UTime:      parseMillis(d.UTime),
		MarkPx:     parseDecimal(d.MarkPx),
		Lever:      lever,
		MarginMode: d.MgnMode,
	}
}
