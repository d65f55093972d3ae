package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level of a book side.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// BookUpdate is a full order book snapshot for one instrument.
type BookUpdate struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	Seq    int64
	Ts     time.Time
}

// Trade is a public trade print.
type Trade struct {
	Symbol string
	Side   Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Ts     time.Time
}

// Kline is one candle. Confirmed candles are closed.
type Kline struct {
	Symbol    string
	Start     time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Confirmed bool
}

// OrderUpdate is the venue's authoritative view of one order.
type OrderUpdate struct {
	Symbol   string
	OrderID  string
	ClientID string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	CumQty   decimal.Decimal
	Status   OrderStatus
	Reason   string
	Ts       time.Time
}

// Execution is one fill report.
type Execution struct {
	Symbol   string
	ExecID   string
	OrderID  string
	ClientID string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Fee      decimal.Decimal
	IsMaker  bool
	Ts       time.Time
}

// PositionUpdate is the venue's view of a position leg.
// Size is signed: positive long, negative short.
type PositionUpdate struct {
	Symbol        string
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	PositionIdx   int
	Ts            time.Time
}

// Balance is the account balance for one coin.
type Balance struct {
	Coin      string
	Equity    decimal.Decimal
	Available decimal.Decimal
	Ts        time.Time
}

// TimeInForce of an order request.
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForcePostOnly TimeInForce = "PostOnly"
)

// OrderIntent is a limit order request. A zero Price with IOC is sent as a market order.
type OrderIntent struct {
	Symbol      string
	ClientID    string
	Side        Side
	Price       decimal.Decimal
	Qty         decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool
	PositionIdx int
}

// Instrument is the venue's trading metadata for a symbol.
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}
