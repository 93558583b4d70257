// Package ledger owns the logical-trade accounting.
//
// A trade is identified by its client order ID (cloid) and accumulates an
// append-only journal of actions: OPEN, ADD, REDUCE, CLOSE and
// EXTERNAL_CLOSE. The ledger is the single writer for trade state; the
// streams and the reconciler call into it, it persists through the store.
//
// Concurrency model: a registry mutex guards the maps; per-trade work runs
// under a per-cloid mutex so fills and closes for different trades never
// serialize against each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"okx-trader/pkg/types"
)

// ErrUnknownTrade is returned when an event references a cloid the ledger
// has never seen.
var ErrUnknownTrade = errors.New("ledger: unknown trade")

// intentTTL bounds how long a submitted reduce/close waits for its stream
// confirmation before an external close is journaled as EXTERNAL_CLOSE
// instead of completing the pending row.
const intentTTL = 60 * time.Second

// Store is the persistence surface the ledger writes through.
type Store interface {
	SaveTrade(ctx context.Context, t types.Trade) error
	GetTrade(ctx context.Context, cloid string) (*types.Trade, error)
	AppendAction(ctx context.Context, a types.TradeAction) (int64, error)
	CompleteAction(ctx context.Context, id int64, amount, price decimal.Decimal) error
}

// pendingAction tracks a journaled-but-unconfirmed submit. applied is the
// cumulative fill size already folded into the trade; stream updates carry
// accFillSz cumulatively, so each update applies only the delta.
type pendingAction struct {
	id         int64
	actionType types.ActionType
	cloid      string
	size       decimal.Decimal
	applied    decimal.Decimal
}

// intent records a locally initiated size decrease awaiting confirmation.
type intent struct {
	kind      types.Intent
	expiresAt time.Time
}

// trade is the in-memory working copy plus bookkeeping the persisted row
// does not carry.
type trade struct {
	types.Trade
	intent            *intent
	lastExternalUTime int64
}

// CloseOutcome reports the effect of an external close application.
type CloseOutcome struct {
	Cloid           string
	Closed          bool
	AppliedAmount   decimal.Decimal
	StopLossCloid   string
	TakeProfitCloid string
}

// OpenParams describes a new trade to register.
type OpenParams struct {
	Symbol          string
	PosSide         types.PosSide
	SignalID        string
	Size            decimal.Decimal
	Leverage        int
	StopLossCloid   string
	TakeProfitCloid string
}

// Ledger tracks logical trades and their journals.
type Ledger struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	trades    map[string]*trade         // cloid -> trade
	locks     map[string]*sync.Mutex    // cloid -> per-trade lock
	pidIndex  map[string]string         // exchange position ID -> cloid
	pending   map[string]*pendingAction // oid -> pending submit
	exitIndex map[string]exitRef        // stop/take-profit cloid -> parent

	now func() time.Time
}

type exitRef struct {
	parent string
	kind   types.Intent
}

// New returns a ledger backed by the given store.
func New(st Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:     st,
		logger:    logger.With("component", "ledger"),
		trades:    make(map[string]*trade),
		locks:     make(map[string]*sync.Mutex),
		pidIndex:  make(map[string]string),
		pending:   make(map[string]*pendingAction),
		exitIndex: make(map[string]exitRef),
		now:       time.Now,
	}
}

// NewCloid builds a client order ID from the symbol, side, a second-resolution
// timestamp and a random tail. OKX caps clOrdId at 32 chars of [A-Za-z0-9],
// so the symbol is stripped of dashes and lowercased.
func NewCloid(symbol string, posSide types.PosSide) string {
	base := strings.ToLower(strings.ReplaceAll(symbol, "-", ""))
	if len(base) > 10 {
		base = base[:10]
	}
	side := "l"
	if posSide == types.Short {
		side = "s"
	}
	tail := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("%s%s%s%s", base, side,
		time.Now().UTC().Format("20060102150405"), tail)
}

func (l *Ledger) lockFor(cloid string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[cloid]
	if !ok {
		m = &sync.Mutex{}
		l.locks[cloid] = m
	}
	return m
}

// Open registers a new trade in state OPEN with size zero; size accrues as
// fills confirm. Returns the generated cloid.
func (l *Ledger) Open(ctx context.Context, p OpenParams) (string, error) {
	cloid := NewCloid(p.Symbol, p.PosSide)

	t := &trade{Trade: types.Trade{
		Cloid:           cloid,
		Symbol:          p.Symbol,
		PosSide:         p.PosSide,
		SignalID:        p.SignalID,
		CurrentSize:     decimal.Zero,
		Leverage:        p.Leverage,
		StopLossCloid:   p.StopLossCloid,
		TakeProfitCloid: p.TakeProfitCloid,
		State:           types.TradeOpen,
		OpenedAt:        l.now(),
	}}

	l.mu.Lock()
	l.trades[cloid] = t
	if p.StopLossCloid != "" {
		l.exitIndex[p.StopLossCloid] = exitRef{parent: cloid, kind: types.IntentClose}
	}
	if p.TakeProfitCloid != "" {
		l.exitIndex[p.TakeProfitCloid] = exitRef{parent: cloid, kind: types.IntentClose}
	}
	l.mu.Unlock()

	if err := l.store.SaveTrade(ctx, t.Trade); err != nil {
		return cloid, err
	}
	l.logger.Info("trade opened", "cloid", cloid, "symbol", p.Symbol, "posSide", p.PosSide)
	return cloid, nil
}

// RecordSubmit journals a pending action for an order that was just sent to
// the venue. The row carries amount zero until the fill completes it. For
// REDUCE and CLOSE an intent is armed so a racing stream close resolves to
// this row rather than a duplicate EXTERNAL_CLOSE.
func (l *Ledger) RecordSubmit(ctx context.Context, cloid, oid string, at types.ActionType, size decimal.Decimal) error {
	lk := l.lockFor(cloid)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	t, ok := l.trades[cloid]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, cloid)
	}

	cl := cloid
	id, err := l.store.AppendAction(ctx, types.TradeAction{
		Cloid:      &cl,
		SignalID:   t.SignalID,
		Symbol:     t.Symbol,
		PosSide:    t.PosSide,
		ActionType: at,
		OID:        oid,
		Amount:     decimal.Zero,
		Pending:    true,
		Ts:         l.now(),
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.pending[oid] = &pendingAction{id: id, actionType: at, cloid: cloid, size: size}
	l.mu.Unlock()

	switch at {
	case types.ActionReduce:
		l.markIntentLocked(t, types.IntentReduce)
	case types.ActionClose:
		l.markIntentLocked(t, types.IntentClose)
	}
	return nil
}

// MarkIntent arms the reduce/close intent flag for a trade without a journal
// row, for callers that submit through paths the ledger does not see.
func (l *Ledger) MarkIntent(cloid string, kind types.Intent) error {
	lk := l.lockFor(cloid)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	t, ok := l.trades[cloid]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, cloid)
	}
	l.markIntentLocked(t, kind)
	return nil
}

func (l *Ledger) markIntentLocked(t *trade, kind types.Intent) {
	t.intent = &intent{kind: kind, expiresAt: l.now().Add(intentTTL)}
	if kind == types.IntentClose {
		t.State = types.TradeClosing
	}
}

// BindPid associates an exchange position ID with a trade. An existing
// binding to a different trade is kept; rebinding a live pid would corrupt
// close attribution.
func (l *Ledger) BindPid(pid, cloid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.pidIndex[pid]; ok && prev != cloid {
		l.logger.Warn("pid already bound, keeping existing binding",
			"pid", pid, "bound", prev, "rejected", cloid)
		return
	}
	l.pidIndex[pid] = cloid
}

// ResolvePid maps an exchange position ID to a trade cloid. Unbound pids
// fall back to the open trade matching (symbol, posSide); a successful
// fallback binds the pid. Returns "" when nothing matches.
func (l *Ledger) ResolvePid(pid, symbol string, posSide types.PosSide) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cloid, ok := l.pidIndex[pid]; ok {
		return cloid
	}
	for cloid, t := range l.trades {
		if t.Symbol == symbol && t.PosSide == posSide && t.State != types.TradeClosed {
			l.pidIndex[pid] = cloid
			return cloid
		}
	}
	return ""
}

// ApplyFill confirms a fill update against the pending submit for the order.
// FillSz is the order's cumulative filled size, so only the delta over what
// was already applied takes effect; the pending association survives until
// the order reaches a terminal state.
//
// OPEN and ADD fills grow the trade and fold the price into the size-weighted
// entry. REDUCE and CLOSE fills complete the journal row only: the position
// stream is the authority for the size arithmetic, so the intent stays armed
// and the decrement happens when the stream echo lands. A terminal CLOSE fill
// does transition the trade to CLOSED so the resting exit algos can be pulled
// without waiting for the echo.
//
// An update whose order has no pending entry but whose trade is known was
// already settled, either by the stream echo or by a replayed frame, and is a
// no-op.
func (l *Ledger) ApplyFill(ctx context.Context, f types.Fill) (CloseOutcome, error) {
	l.mu.Lock()
	p, ok := l.pending[f.OID]
	l.mu.Unlock()
	if !ok {
		l.mu.Lock()
		_, known := l.trades[f.Cloid]
		l.mu.Unlock()
		if known {
			l.logger.Debug("fill already settled", "oid", f.OID, "cloid", f.Cloid)
			return CloseOutcome{Cloid: f.Cloid}, nil
		}
		return CloseOutcome{}, fmt.Errorf("%w: no pending action for order %s", ErrUnknownTrade, f.OID)
	}

	lk := l.lockFor(p.cloid)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	t, ok := l.trades[p.cloid]
	l.mu.Unlock()
	if !ok {
		return CloseOutcome{}, fmt.Errorf("%w: %s", ErrUnknownTrade, p.cloid)
	}
	out := CloseOutcome{Cloid: p.cloid}

	if t.State == types.TradeClosed &&
		(p.actionType == types.ActionReduce || p.actionType == types.ActionClose) {
		// the close was already attributed, either to the completed pending
		// row or to an EXTERNAL_CLOSE after intent expiry
		if f.State.Terminal() {
			l.mu.Lock()
			delete(l.pending, f.OID)
			l.mu.Unlock()
		}
		return out, nil
	}

	delta := f.FillSz.Sub(p.applied)
	if !delta.IsPositive() {
		// stale or replayed update
		return out, nil
	}

	if err := l.store.CompleteAction(ctx, p.id, f.FillSz, f.FillPx); err != nil {
		return out, err
	}
	p.applied = f.FillSz
	if f.State.Terminal() {
		l.mu.Lock()
		delete(l.pending, f.OID)
		l.mu.Unlock()
	}

	switch p.actionType {
	case types.ActionOpen, types.ActionAdd:
		newSize := t.CurrentSize.Add(delta)
		if newSize.IsPositive() {
			num := t.EntryPrice.Mul(t.CurrentSize).Add(f.FillPx.Mul(delta))
			t.EntryPrice = num.Div(newSize)
		}
		t.CurrentSize = newSize
	case types.ActionReduce, types.ActionClose:
		if p.actionType == types.ActionClose && f.State.Terminal() {
			l.closeLocked(t)
			out.Closed = true
			out.AppliedAmount = f.FillSz
			out.StopLossCloid = t.StopLossCloid
			out.TakeProfitCloid = t.TakeProfitCloid
		}
	}
	l.logger.Info("fill applied", "cloid", p.cloid, "action", p.actionType,
		"fillSz", f.FillSz, "fillPx", f.FillPx, "state", f.State)
	return out, l.store.SaveTrade(ctx, t.Trade)
}

// ApplyExternalClose reconciles a position decrease observed on the stream.
//
// If a reduce/close intent is live, the event is the confirmation of our own
// submit: the pending journal row is completed and no EXTERNAL_CLOSE is
// appended. Otherwise an EXTERNAL_CLOSE row is journaled. Events with a
// uTime at or before the last applied one are no-ops.
func (l *Ledger) ApplyExternalClose(ctx context.Context, cloid string, ev types.CloseEvent) (CloseOutcome, error) {
	lk := l.lockFor(cloid)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	t, ok := l.trades[cloid]
	l.mu.Unlock()
	if !ok {
		return CloseOutcome{}, fmt.Errorf("%w: %s", ErrUnknownTrade, cloid)
	}

	out := CloseOutcome{Cloid: cloid}
	if ev.UTime <= t.lastExternalUTime {
		return out, nil
	}
	if t.State == types.TradeClosed {
		t.lastExternalUTime = ev.UTime
		return out, nil
	}

	amount := ev.CloseAmount
	if amount.IsZero() && ev.IsFullClose {
		amount = t.CurrentSize
	}
	if amount.GreaterThan(t.CurrentSize) {
		amount = t.CurrentSize
	}

	live := t.intent != nil && l.now().Before(t.intent.expiresAt)
	if live {
		// our own reduce/close coming back on the stream
		pend := l.takePendingLocked(cloid, t.intent.kind.Action())
		if pend != nil {
			if err := l.store.CompleteAction(ctx, pend.id, amount, ev.MarkPx); err != nil {
				return out, err
			}
		}
		t.intent = nil
	} else {
		cl := cloid
		if _, err := l.store.AppendAction(ctx, types.TradeAction{
			Cloid:      &cl,
			SignalID:   t.SignalID,
			Symbol:     t.Symbol,
			PosSide:    t.PosSide,
			ActionType: types.ActionExternalClose,
			Amount:     amount,
			Price:      ev.MarkPx,
			Ts:         l.now(),
		}); err != nil {
			return out, err
		}
	}

	t.CurrentSize = t.CurrentSize.Sub(amount)
	if t.CurrentSize.IsNegative() {
		t.CurrentSize = decimal.Zero
	}
	t.lastExternalUTime = ev.UTime
	out.AppliedAmount = amount

	if ev.IsFullClose || t.CurrentSize.IsZero() {
		l.closeLocked(t)
		out.Closed = true
		out.StopLossCloid = t.StopLossCloid
		out.TakeProfitCloid = t.TakeProfitCloid
	}

	l.logger.Info("external close applied", "cloid", cloid, "amount", amount,
		"fullClose", out.Closed, "uTime", ev.UTime)
	return out, l.store.SaveTrade(ctx, t.Trade)
}

// takePendingLocked removes and returns the pending submit with the given
// action type for a trade, or nil.
func (l *Ledger) takePendingLocked(cloid string, at types.ActionType) *pendingAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	for oid, p := range l.pending {
		if p.cloid == cloid && p.actionType == at {
			delete(l.pending, oid)
			return p
		}
	}
	return nil
}

func (l *Ledger) closeLocked(t *trade) {
	t.CurrentSize = decimal.Zero
	t.State = types.TradeClosed
	now := l.now()
	t.ClosedAt = &now
	t.intent = nil
}

// ResolveExit maps a stop-loss or take-profit cloid to its parent trade.
func (l *Ledger) ResolveExit(cloid string) (parent string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.exitIndex[cloid]
	if !ok {
		return "", false
	}
	return ref.parent, true
}

// ApplyExitFill handles a fill on a stop-loss or take-profit order: the
// parent trade moves to CLOSING with a close intent armed, and the stream
// close event settles it.
func (l *Ledger) ApplyExitFill(ctx context.Context, exitCloid string, f types.Fill) error {
	parent, ok := l.ResolveExit(exitCloid)
	if !ok {
		return fmt.Errorf("%w: exit %s", ErrUnknownTrade, exitCloid)
	}

	lk := l.lockFor(parent)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	t, tok := l.trades[parent]
	l.mu.Unlock()
	if !tok {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, parent)
	}
	if t.State == types.TradeClosed {
		return nil
	}

	l.markIntentLocked(t, types.IntentClose)

	cl := parent
	if _, err := l.store.AppendAction(ctx, types.TradeAction{
		Cloid:      &cl,
		SignalID:   t.SignalID,
		Symbol:     t.Symbol,
		PosSide:    t.PosSide,
		ActionType: types.ActionClose,
		OID:        f.OID,
		Amount:     f.FillSz,
		Price:      f.FillPx,
		Ts:         l.now(),
	}); err != nil {
		return err
	}
	l.logger.Info("exit fill recorded", "parent", parent, "exit", exitCloid,
		"fillSz", f.FillSz, "fillPx", f.FillPx)
	return l.store.SaveTrade(ctx, t.Trade)
}

// RecordOrphanClose journals a close that could not be correlated with any
// trade. The row has a NULL cloid.
func (l *Ledger) RecordOrphanClose(ctx context.Context, ev types.CloseEvent) error {
	_, err := l.store.AppendAction(ctx, types.TradeAction{
		Symbol:     ev.Symbol,
		PosSide:    ev.PosSide,
		ActionType: types.ActionExternalClose,
		Amount:     ev.CloseAmount,
		Price:      ev.MarkPx,
		Ts:         l.now(),
	})
	return err
}

// RecordOrphanFill journals a fill whose cloid is unknown to the ledger.
func (l *Ledger) RecordOrphanFill(ctx context.Context, f types.Fill) error {
	at := types.ActionOpen
	if f.Side == types.Sell && f.PosSide == types.Long ||
		f.Side == types.Buy && f.PosSide == types.Short {
		at = types.ActionClose
	}
	_, err := l.store.AppendAction(ctx, types.TradeAction{
		Symbol:     f.Symbol,
		PosSide:    f.PosSide,
		ActionType: at,
		OID:        f.OID,
		Amount:     f.FillSz,
		Price:      f.FillPx,
		Ts:         l.now(),
	})
	return err
}

// GetByCloid returns a copy of the trade, or nil.
func (l *Ledger) GetByCloid(cloid string) *types.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[cloid]
	if !ok {
		return nil
	}
	cp := t.Trade
	return &cp
}

// OpenTrades returns copies of all trades not in state CLOSED.
func (l *Ledger) OpenTrades() []types.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Trade
	for _, t := range l.trades {
		if t.State != types.TradeClosed {
			out = append(out, t.Trade)
		}
	}
	return out
}
