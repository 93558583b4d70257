// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — order and trade
// records, position snapshots, close events, and the enums that mirror the
// OKX wire values. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an individual order message.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PosSide is the position side in long/short mode. Net appears when the
// account runs in one-way mode; accounting treats it like long/short on |pos|.
type PosSide string

const (
	Long  PosSide = "long"
	Short PosSide = "short"
	Net   PosSide = "net"
)

// OrdType enumerates the order types the venue accepts.
type OrdType string

const (
	OrdMarket   OrdType = "market"
	OrdLimit    OrdType = "limit"
	OrdPostOnly OrdType = "post_only"
	OrdFOK      OrdType = "fok"
	OrdIOC      OrdType = "ioc"
	OrdTrigger  OrdType = "trigger"
)

// OrderState is the lifecycle state of an exchange order. States move
// monotonically toward a terminal state; a terminal state is never
// overwritten by an earlier one.
type OrderState string

const (
	OrderLive            OrderState = "live"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderFailed          OrderState = "failed"
)

// Terminal reports whether the state is final.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderFailed:
		return true
	}
	return false
}

// TradeState is the lifecycle state of a logical trade.
type TradeState string

const (
	TradeOpen    TradeState = "OPEN"
	TradeClosing TradeState = "CLOSING"
	TradeClosed  TradeState = "CLOSED"
)

// ActionType classifies journal entries.
type ActionType string

const (
	ActionOpen          ActionType = "OPEN"
	ActionAdd           ActionType = "ADD"
	ActionReduce        ActionType = "REDUCE"
	ActionClose         ActionType = "CLOSE"
	ActionExternalClose ActionType = "EXTERNAL_CLOSE"
)

// Intent marks a locally initiated size decrease that has been submitted but
// whose stream confirmation has not arrived yet.
type Intent string

const (
	IntentReduce Intent = "REDUCE"
	IntentClose  Intent = "CLOSE"
)

// Action returns the journal action type this intent resolves to.
func (i Intent) Action() ActionType {
	if i == IntentReduce {
		return ActionReduce
	}
	return ActionClose
}

// ————————————————————————————————————————————————————————————————————————
// Records
// ————————————————————————————————————————————————————————————————————————

// Order is the normalized record of a single exchange order message,
// keyed by the venue-assigned order ID.
type Order struct {
	OID        string // exchange order ID (primary key)
	Cloid      string // client order ID; empty for orders not placed by us
	Symbol     string // instrument, e.g. ETH-USDT-SWAP
	Side       Side
	PosSide    PosSide
	OrdType    OrdType
	Px         decimal.Decimal
	Sz         decimal.Decimal
	FillPx     decimal.Decimal // average fill price
	FillSz     decimal.Decimal // cumulative filled size, fillSz <= sz
	State      OrderState
	Leverage   int
	MarginMode string
	Tag        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PositionSnapshot is one observed position state, keyed by (pid, uTime).
// Positions are external to this process: observed, never owned.
type PositionSnapshot struct {
	PID        string
	Symbol     string
	PosSide    PosSide
	Pos        decimal.Decimal // signed size; zero means closed
	AvailPos   decimal.Decimal
	AvgPx      decimal.Decimal
	UTime      int64 // exchange update time, ms
	MarkPx     decimal.Decimal
	Lever      int
	MarginMode string
}

// Trade is a logical trade: one client order ID reused across the open, add,
// reduce and close messages that belong to it.
type Trade struct {
	Cloid           string
	Symbol          string
	PosSide         PosSide
	SignalID        string
	CurrentSize     decimal.Decimal // > 0 iff state is OPEN or CLOSING
	EntryPrice      decimal.Decimal // size-weighted average of open/add fills
	Leverage        int
	StopLossCloid   string
	TakeProfitCloid string
	State           TradeState
	OpenedAt        time.Time
	ClosedAt        *time.Time
}

// TradeAction is one append-only journal row. Cloid is nil for orphan
// entries: fills or closes that could not be correlated with a trade.
type TradeAction struct {
	ID         int64
	Cloid      *string
	SignalID   string
	Symbol     string
	PosSide    PosSide
	ActionType ActionType
	OID        string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Pending    bool // submitted but not yet confirmed by a fill
	Ts         time.Time
}

// CloseEvent is emitted by the position stream when a position decreased.
// A zero CloseAmount with IsFullClose set means the previous size was
// unknown (post-reconnect); the ledger resolves the amount from its own state.
type CloseEvent struct {
	PID         string
	Symbol      string
	PosSide     PosSide
	CloseAmount decimal.Decimal
	IsFullClose bool
	UTime       int64
	MarkPx      decimal.Decimal
}

// Fill is the normalized payload handed to the reconciler when an order
// reports filled or partially filled.
type Fill struct {
	OID     string
	Cloid   string
	Symbol  string
	Side    Side
	PosSide PosSide
	FillSz  decimal.Decimal // cumulative
	FillPx  decimal.Decimal
	State   OrderState
	UTime   int64
}
