// Package recon correlates stream events with ledger trades.
//
// The engine sits between the order/position streams and the ledger: fills
// come in from the order stream, close events from the position stream, and
// the engine decides which trade each belongs to and what side effects a
// close triggers (cancelling the trade's resting stop-loss and take-profit
// algos).
package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"okx-trader/internal/ledger"
	"okx-trader/internal/metrics"
	"okx-trader/pkg/types"
)

// ExchangeClient is the REST surface the engine needs for close side effects.
type ExchangeClient interface {
	CancelAlgo(ctx context.Context, symbol, algoCloid string) error
}

// cancelTimeout bounds each best-effort algo cancellation.
const cancelTimeout = 10 * time.Second

// Engine reconciles stream events against the ledger.
type Engine struct {
	ledger *ledger.Ledger
	client ExchangeClient
	logger *slog.Logger
}

// New returns a reconciliation engine.
func New(l *ledger.Ledger, c ExchangeClient, logger *slog.Logger) *Engine {
	return &Engine{
		ledger: l,
		client: c,
		logger: logger.With("component", "recon"),
	}
}

// OnOrderFill routes a fill to its trade. Fills on stop-loss/take-profit
// cloids settle the parent trade; fills whose cloid the ledger does not know
// are journaled as orphans so no execution is ever silently dropped. A fill
// that confirms a full close pulls the trade's resting algos, same as a
// close seen on the position stream.
func (e *Engine) OnOrderFill(ctx context.Context, f types.Fill) error {
	if f.Cloid != "" {
		if _, ok := e.ledger.ResolveExit(f.Cloid); ok {
			return e.ledger.ApplyExitFill(ctx, f.Cloid, f)
		}
	}

	out, err := e.ledger.ApplyFill(ctx, f)
	if err == nil {
		if out.Closed {
			e.cancelAlgos(ctx, f.Symbol, out)
		}
		return nil
	}
	if !errors.Is(err, ledger.ErrUnknownTrade) {
		return err
	}

	e.logger.Warn("fill without matching trade, journaling orphan",
		"oid", f.OID, "cloid", f.Cloid, "symbol", f.Symbol, "fillSz", f.FillSz)
	return e.ledger.RecordOrphanFill(ctx, f)
}

// OnPositionChange applies a close event from the position stream. The pid
// is resolved to a trade; unresolvable events become orphan journal rows.
// When the event fully closes a trade, the trade's resting algos are
// cancelled best-effort.
func (e *Engine) OnPositionChange(ctx context.Context, ev types.CloseEvent) error {
	cloid := e.ledger.ResolvePid(ev.PID, ev.Symbol, ev.PosSide)
	if cloid == "" {
		metrics.ExternalCloses.WithLabelValues("orphan").Inc()
		e.logger.Warn("close event without matching trade, journaling orphan",
			"pid", ev.PID, "symbol", ev.Symbol, "amount", ev.CloseAmount)
		return e.ledger.RecordOrphanClose(ctx, ev)
	}

	out, err := e.ledger.ApplyExternalClose(ctx, cloid, ev)
	if err != nil {
		return err
	}
	if out.AppliedAmount.IsZero() && !out.Closed {
		metrics.ExternalCloses.WithLabelValues("noop").Inc()
		return nil
	}
	metrics.ExternalCloses.WithLabelValues("applied").Inc()

	if out.Closed {
		e.cancelAlgos(ctx, ev.Symbol, out)
	}
	return nil
}

// cancelAlgos cancels the stop-loss and take-profit algos of a closed trade.
// Failures are logged and not retried here; a stale algo on a flat position
// is rejected by the venue when it triggers.
func (e *Engine) cancelAlgos(ctx context.Context, symbol string, out ledger.CloseOutcome) {
	for _, algo := range []string{out.StopLossCloid, out.TakeProfitCloid} {
		if algo == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, cancelTimeout)
		err := e.client.CancelAlgo(cctx, symbol, algo)
		cancel()
		if err != nil {
			e.logger.Warn("algo cancel failed", "cloid", out.Cloid,
				"algo", algo, "error", err)
			continue
		}
		e.logger.Info("algo cancelled after close", "cloid", out.Cloid, "algo", algo)
	}
}
