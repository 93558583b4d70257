package exchange

import "encoding/json"

// Wire shapes for the private WebSocket. Every payload is a text frame except
// the literal "ping"/"pong" heartbeats. A frame is either a control event
// (login ack, subscribe ack, error, JSON pong) or a data push identified by
// its arg.channel.

// FrameArg identifies a channel subscription.
type FrameArg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType,omitempty"`
	InstID   string `json:"instId,omitempty"`
}

// Frame is the parsed envelope of one WebSocket message.
type Frame struct {
	Event     string          `json:"event,omitempty"` // "login", "subscribe", "error", "pong"
	Code      string          `json:"code,omitempty"`
	Msg       string          `json:"msg,omitempty"`
	Arg       *FrameArg       `json:"arg,omitempty"`
	EventType string          `json:"eventType,omitempty"` // "snapshot" or "event_update"
	Data      json.RawMessage `json:"data,omitempty"`
}

// Channel returns the data channel this frame belongs to, or "".
func (f *Frame) Channel() string {
	if f.Arg == nil {
		return ""
	}
	return f.Arg.Channel
}

// LoginArg carries the signed login credentials.
type LoginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// LoginRequest is the op:login frame sent right after connecting.
type LoginRequest struct {
	Op   string     `json:"op"` // always "login"
	Args []LoginArg `json:"args"`
}

// SubscribeRequest is the op:subscribe frame, one per channel.
type SubscribeRequest struct {
	Op   string     `json:"op"` // always "subscribe"
	Args []FrameArg `json:"args"`
}

// OrderData is one element of an orders-channel data array. All numeric
// fields arrive as decimal strings to preserve precision.
type OrderData struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	PosSide   string `json:"posSide"`
	OrdType   string `json:"ordType"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
	FillTime  string `json:"fillTime"`
	State     string `json:"state"`
	Lever     string `json:"lever"`
	TdMode    string `json:"tdMode"`
	Tag       string `json:"tag"`
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
}

// PositionData is one element of a positions-channel data array.
type PositionData struct {
	PosID    string `json:"posId"`
	InstID   string `json:"instId"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
	AvailPos string `json:"availPos"`
	AvgPx    string `json:"avgPx"`
	UTime    string `json:"uTime"`
	MarkPx   string `json:"markPx"`
	Lever    string `json:"lever"`
	MgnMode  string `json:"mgnMode"`
	TradeID  string `json:"tradeId"`
}
