// Package engine wires the trading core together: config, store, ledger,
// reconciler, streams, REST client and the private WebSocket session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"okx-trader/internal/config"
	"okx-trader/internal/exchange"
	"okx-trader/internal/ledger"
	"okx-trader/internal/metrics"
	"okx-trader/internal/recon"
	"okx-trader/internal/store"
	"okx-trader/internal/stream"
	"okx-trader/pkg/types"
)

// Engine is the assembled trading core.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	ledger    *ledger.Ledger
	recon     *recon.Engine
	client    *exchange.Client
	session   *exchange.Session
	orders    *stream.Orders
	positions *stream.Positions

	metricsSrv *http.Server
	cancel     context.CancelFunc
}

// New builds the engine from config. The store is opened here; everything
// else starts in Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	auth := exchange.NewAuth(cfg.Exchange)
	client := exchange.NewClient(*cfg, auth, logger)
	led := ledger.New(st, logger)
	rec := recon.New(led, client, logger)

	orders := stream.NewOrders(st, rec, cfg.WS.QueueOrders, logger)
	positions := stream.NewPositions(st, rec,
		cfg.WS.QueuePositionData, cfg.WS.QueueCloseEvents, logger)

	session := exchange.NewSession(exchange.SessionConfig{
		URL:               cfg.WS.PrivateURL,
		Channels:          []string{"orders", "positions"},
		InstType:          "SWAP",
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		PingTimeout:       cfg.WS.PingTimeout,
		ReconnectInterval: cfg.WS.ReconnectInterval,
		ConnectTimeout:    cfg.WS.ConnectTimeout,
		SubscribeTimeout:  cfg.WS.SubscribeTimeout,
		SSLVerify:         cfg.WS.SSLVerify,
	}, auth, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     st,
		ledger:    led,
		recon:     rec,
		client:    client,
		session:   session,
		orders:    orders,
		positions: positions,
	}
	session.OnFrame(e.onFrame)
	return e, nil
}

// onFrame routes data frames by channel. Runs on the session read goroutine.
func (e *Engine) onFrame(f *exchange.Frame) {
	switch f.Channel() {
	case "orders":
		e.orders.HandleFrame(f)
	case "positions":
		e.positions.HandleFrame(f)
	default:
		e.logger.Debug("frame for unhandled channel", "channel", f.Channel())
	}
}

// Start launches the stream workers and the WebSocket session, plus the
// metrics endpoint when configured.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go e.orders.Run(ctx)
	go e.positions.Run(ctx)
	e.session.Start()

	if e.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if !e.Healthy() {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			fmt.Fprintln(w, "ok")
		})
		e.metricsSrv = &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	e.logger.Info("engine started", "dryRun", e.cfg.DryRun,
		"sandbox", e.cfg.Exchange.Sandbox)
}

// Stop shuts down in dependency order: the session first so no new frames
// arrive, then the stream workers drain, then the store closes.
func (e *Engine) Stop() {
	e.session.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	<-e.orders.Done()
	<-e.positions.Done()

	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// Healthy reports whether the engine can keep running. It turns false only
// on a fatal credential rejection; transient disconnects are covered by the
// session's own reconnect loop. Use Ready for link readiness.
func (e *Engine) Healthy() bool {
	return e.session.Healthy()
}

// Ready reports whether the session is connected, authenticated and
// subscribed to all channels.
func (e *Engine) Ready() bool {
	return e.session.IsReady()
}

// Ledger exposes the trade ledger for read access.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// EntryParams describes a position to open.
type EntryParams struct {
	Symbol     string
	PosSide    types.PosSide
	SignalID   string
	Size       decimal.Decimal
	Leverage   int
	MarginMode string
	StopLoss   decimal.Decimal // zero disables
	TakeProfit decimal.Decimal // zero disables
}

// OpenPosition registers a trade, sets leverage, submits the market entry
// and places the protective algos. Returns the trade cloid.
func (e *Engine) OpenPosition(ctx context.Context, p EntryParams) (string, error) {
	marginMode := p.MarginMode
	if marginMode == "" {
		marginMode = "cross"
	}

	var slCloid, tpCloid string
	if !p.StopLoss.IsZero() {
		slCloid = ledger.NewCloid(p.Symbol, p.PosSide) + "sl"
	}
	if !p.TakeProfit.IsZero() {
		tpCloid = ledger.NewCloid(p.Symbol, p.PosSide) + "tp"
	}

	cloid, err := e.ledger.Open(ctx, ledger.OpenParams{
		Symbol:          p.Symbol,
		PosSide:         p.PosSide,
		SignalID:        p.SignalID,
		Size:            p.Size,
		Leverage:        p.Leverage,
		StopLossCloid:   slCloid,
		TakeProfitCloid: tpCloid,
	})
	if err != nil {
		return "", err
	}

	if p.Leverage > 0 {
		if err := e.client.SetLeverage(ctx, p.Symbol, p.Leverage, marginMode); err != nil {
			e.logger.Warn("leverage set failed", "symbol", p.Symbol, "error", err)
		}
	}

	side := types.Buy
	if p.PosSide == types.Short {
		side = types.Sell
	}
	oid, err := e.client.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:     p.Symbol,
		MarginMode: marginMode,
		Cloid:      cloid,
		Side:       side,
		PosSide:    p.PosSide,
		OrdType:    types.OrdMarket,
		Sz:         p.Size,
	})
	if err != nil {
		return cloid, fmt.Errorf("entry order: %w", err)
	}
	if err := e.ledger.RecordSubmit(ctx, cloid, oid, types.ActionOpen, p.Size); err != nil {
		return cloid, err
	}

	exitSide := types.Sell
	if p.PosSide == types.Short {
		exitSide = types.Buy
	}
	if slCloid != "" {
		if _, err := e.client.PlaceAlgo(ctx, exchange.AlgoRequest{
			Symbol:     p.Symbol,
			MarginMode: marginMode,
			Cloid:      slCloid,
			Side:       exitSide,
			PosSide:    p.PosSide,
			OrdType:    types.OrdTrigger,
			Sz:         p.Size,
			TriggerPx:  p.StopLoss.String(),
			OrderPx:    "-1",
		}); err != nil {
			e.logger.Warn("stop-loss placement failed", "cloid", cloid, "error", err)
		}
	}
	if tpCloid != "" {
		if _, err := e.client.PlaceAlgo(ctx, exchange.AlgoRequest{
			Symbol:     p.Symbol,
			MarginMode: marginMode,
			Cloid:      tpCloid,
			Side:       exitSide,
			PosSide:    p.PosSide,
			OrdType:    types.OrdTrigger,
			Sz:         p.Size,
			TriggerPx:  p.TakeProfit.String(),
			OrderPx:    "-1",
		}); err != nil {
			e.logger.Warn("take-profit placement failed", "cloid", cloid, "error", err)
		}
	}
	return cloid, nil
}

// ClosePosition submits a market close for the full remaining size of a
// trade. The ledger arms a close intent so the stream-confirmed decrease
// settles the same journal row.
func (e *Engine) ClosePosition(ctx context.Context, cloid, marginMode string) error {
	t := e.ledger.GetByCloid(cloid)
	if t == nil {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownTrade, cloid)
	}
	if t.State == types.TradeClosed {
		return nil
	}
	if marginMode == "" {
		marginMode = "cross"
	}

	side := types.Sell
	if t.PosSide == types.Short {
		side = types.Buy
	}
	oid, err := e.client.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:     t.Symbol,
		MarginMode: marginMode,
		Cloid:      cloid,
		Side:       side,
		PosSide:    t.PosSide,
		OrdType:    types.OrdMarket,
		Sz:         t.CurrentSize,
	})
	if err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	return e.ledger.RecordSubmit(ctx, cloid, oid, types.ActionClose, t.CurrentSize)
}
