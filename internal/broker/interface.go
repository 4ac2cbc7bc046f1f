// Package broker defines the contract for the brokerage connection consumed by
// the execution bridge, along with typed result structs for every call the bot
// makes. The connection object is NOT safe for concurrent use: it pumps its own
// internal event handling and must only be touched from the bridge's dedicated
// worker goroutine.
package broker

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotConnected is returned by connection calls issued while disconnected.
var ErrNotConnected = errors.New("broker: not connected")

// Order status values considered "accepted" after placement. Anything else
// within the wait budget is treated as an order anomaly.
const (
	StatusPreSubmitted = "PreSubmitted"
	StatusSubmitted    = "Submitted"
	StatusFilled       = "Filled"
	StatusCancelled    = "Cancelled"
	StatusRejected     = "Rejected"
	StatusUnknown      = "Unknown"
)

// Acknowledged reports whether an order status counts as accepted/working.
func Acknowledged(status string) bool {
	switch status {
	case StatusPreSubmitted, StatusSubmitted, StatusFilled:
		return true
	default:
		return false
	}
}

// Connection is the broker client owned by the execution bridge's worker.
//
// All methods except IsConnected must be called from the worker goroutine.
// Snapshot data arrives asynchronously: after RequestSnapshot the caller pumps
// the connection (Pump) to let streamed ticks arrive, then reads Snapshot.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Qualify resolves contracts against the broker, filling in contract IDs.
	// Contracts that cannot be resolved keep a zero ID.
	Qualify(contracts ...*Contract) error

	// RequestSnapshot subscribes to market data for a qualified contract.
	// When withGreeks is set the subscription includes option greeks.
	RequestSnapshot(c *Contract, withGreeks bool) error
	// Snapshot returns the latest data received for the contract, and whether
	// any data has arrived yet.
	Snapshot(c *Contract) (Snapshot, bool)
	CancelSnapshot(c *Contract)

	AccountValues() ([]AccountValue, error)

	// OptionChains returns the option chain definitions for an underlying.
	// Different chains may expose different expiration sets.
	OptionChains(underlying *Contract) ([]ChainParams, error)

	// PlaceOrder submits an order for a qualified contract. The returned
	// ticket's Status is updated as order-state events are pumped.
	PlaceOrder(c *Contract, o Order) (*OrderTicket, error)

	// Pump processes the connection's pending internal events for roughly the
	// given duration. This is how streamed ticks and order-status callbacks
	// make progress between tasks.
	Pump(d time.Duration)
}

// Contract identifies a tradeable instrument.
type Contract struct {
	Symbol       string
	SecType      string // STK, OPT, IND, CASH
	Exchange     string
	Currency     string
	Expiry       string // YYYYMMDD, options only
	Right        string // P or C, options only
	Strike       float64
	TradingClass string
	ID           int64 // assigned by Qualify; zero means unresolved
}

// Stock builds a SMART-routed stock contract.
func Stock(symbol string) *Contract {
	return &Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}
}

// Index builds an index contract on the given exchange.
func Index(symbol, exchange string) *Contract {
	return &Contract{Symbol: symbol, SecType: "IND", Exchange: exchange, Currency: "USD"}
}

// Put builds a put option contract for the given underlying symbol.
func Put(symbol, expiry string, strike float64) *Contract {
	return &Contract{
		Symbol:       symbol,
		SecType:      "OPT",
		Exchange:     "SMART",
		Currency:     "USD",
		Expiry:       expiry,
		Right:        "P",
		Strike:       strike,
		TradingClass: symbol,
	}
}

// CashPair builds a forex contract, e.g. CashPair("USD", "JPY").
func CashPair(base, quote string) *Contract {
	return &Contract{Symbol: base, SecType: "CASH", Exchange: "IDEALPRO", Currency: quote}
}

// Key returns a stable identity string for snapshot bookkeeping.
func (c *Contract) Key() string {
	return c.SecType + ":" + c.Symbol + ":" + c.Expiry + ":" + c.Right + ":" +
		strconv.FormatFloat(c.Strike, 'f', -1, 64) + ":" + c.Currency
}

// Greeks holds the option risk sensitivities attached to a snapshot.
type Greeks struct {
	Delta      float64
	Gamma      float64
	Theta      float64
	ImpliedVol float64
}

// Snapshot is the latest market data received for a contract. Missing fields
// are zero; callers must treat zero/NaN prices as unavailable.
type Snapshot struct {
	Bid    float64
	Ask    float64
	Last   float64
	Close  float64
	Greeks *Greeks
}

// AccountValue is one tagged entry from the broker's account summary.
type AccountValue struct {
	Tag      string
	Value    string
	Currency string
}

// NetLiquidation extracts the USD net liquidation value from account values.
func NetLiquidation(values []AccountValue) (float64, bool) {
	for _, v := range values {
		if v.Tag == "NetLiquidation" && v.Currency == "USD" {
			f, err := strconv.ParseFloat(v.Value, 64)
			if err != nil || f <= 0 {
				return 0, false
			}
			return f, true
		}
	}
	return 0, false
}

// ChainParams is one option chain definition for an underlying. Chains from
// different exchanges can expose different expiration sets.
type ChainParams struct {
	Exchange     string
	TradingClass string
	Expirations  []string // YYYYMMDD
	Strikes      []float64
}

// Order is an instruction to buy or sell a contract.
type Order struct {
	Action     string // BUY or SELL
	Quantity   int
	OrderType  string // LMT or MKT
	LimitPrice float64
	// Transmit false holds the order at the broker until a subsequent order
	// with Transmit true releases the batch. Paired spread legs use this to
	// reach the broker as one unit.
	Transmit bool
}

// LimitOrder builds a limit order.
func LimitOrder(action string, quantity int, limitPrice float64, transmit bool) Order {
	return Order{Action: action, Quantity: quantity, OrderType: "LMT", LimitPrice: limitPrice, Transmit: transmit}
}

// MarketOrder builds a market order.
func MarketOrder(action string, quantity int, transmit bool) Order {
	return Order{Action: action, Quantity: quantity, OrderType: "MKT", Transmit: transmit}
}

// OrderTicket tracks a placed order. Status is updated by the connection as
// order events are pumped; it is only valid to read from the worker goroutine.
type OrderTicket struct {
	OrderID int
	Status  string
}
