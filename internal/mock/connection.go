// Package mock provides a simulated broker connection with a synthetic SPY
// option surface. It backs mock mode and tests: quotes are deterministic
// functions of strike distance, orders always fill, and no gateway is needed.
package mock

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/mhayashi-dev/spreadwheel/internal/broker"
	"github.com/mhayashi-dev/spreadwheel/internal/util"
)

// Connection simulates a broker gateway. Like the real connection it must
// only be used from the bridge worker goroutine (IsConnected excepted).
type Connection struct {
	connected atomic.Bool

	price  float64
	vix    float64
	fxRate float64
	netLiq float64

	nextContractID int64
	nextOrderID    int
	subscribed     map[string]*broker.Contract
	pending        []*broker.OrderTicket
}

// NewConnection creates a simulated connection with a calm-market book:
// SPY at 580, VIX at 18, USD/JPY at 150, and $50k of equity.
func NewConnection() *Connection {
	return &Connection{
		price:      580.0,
		vix:        18.0,
		fxRate:     150.0,
		netLiq:     50000.0,
		subscribed: make(map[string]*broker.Contract),
	}
}

var _ broker.Connection = (*Connection)(nil)

// SetUnderlyingPrice moves the simulated market, e.g. to exercise stop-loss
// paths. Call from the worker goroutine only.
func (c *Connection) SetUnderlyingPrice(price float64) { c.price = price }

// SetVIX sets the simulated volatility level.
func (c *Connection) SetVIX(vix float64) { c.vix = vix }

// SetNetLiq sets the simulated account equity.
func (c *Connection) SetNetLiq(netLiq float64) { c.netLiq = netLiq }

func (c *Connection) Connect(ctx context.Context) error {
	c.connected.Store(true)
	return nil
}

func (c *Connection) Disconnect() error {
	c.connected.Store(false)
	return nil
}

func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

func (c *Connection) Qualify(contracts ...*broker.Contract) error {
	if !c.connected.Load() {
		return broker.ErrNotConnected
	}
	for _, contract := range contracts {
		c.nextContractID++
		contract.ID = c.nextContractID
	}
	return nil
}

func (c *Connection) RequestSnapshot(contract *broker.Contract, withGreeks bool) error {
	if !c.connected.Load() {
		return broker.ErrNotConnected
	}
	c.subscribed[contract.Key()] = contract
	return nil
}

func (c *Connection) Snapshot(contract *broker.Contract) (broker.Snapshot, bool) {
	if _, ok := c.subscribed[contract.Key()]; !ok {
		return broker.Snapshot{}, false
	}
	return c.quote(contract), true
}

func (c *Connection) CancelSnapshot(contract *broker.Contract) {
	delete(c.subscribed, contract.Key())
}

func (c *Connection) AccountValues() ([]broker.AccountValue, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	return []broker.AccountValue{
		{Tag: "NetLiquidation", Value: fmt.Sprintf("%.2f", c.netLiq), Currency: "USD"},
		{Tag: "BuyingPower", Value: fmt.Sprintf("%.2f", c.netLiq*2), Currency: "USD"},
	}, nil
}

// OptionChains returns a single chain with daily expirations for the next
// week and a 5-point strike grid around the current price.
func (c *Connection) OptionChains(underlying *broker.Contract) ([]broker.ChainParams, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}

	now := time.Now()
	expirations := make([]string, 0, 7)
	for i := 1; i <= 7; i++ {
		expirations = append(expirations, now.AddDate(0, 0, i).Format("20060102"))
	}

	var strikes []float64
	low := math.Floor(c.price*0.7/5) * 5
	high := math.Ceil(c.price*1.1/5) * 5
	for s := low; s <= high; s += 5 {
		strikes = append(strikes, s)
	}

	return []broker.ChainParams{{
		Exchange:     "SMART",
		TradingClass: underlying.Symbol,
		Expirations:  expirations,
		Strikes:      strikes,
	}}, nil
}

func (c *Connection) PlaceOrder(contract *broker.Contract, o broker.Order) (*broker.OrderTicket, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	c.nextOrderID++
	ticket := &broker.OrderTicket{OrderID: c.nextOrderID, Status: broker.StatusSubmitted}
	c.pending = append(c.pending, ticket)
	return ticket, nil
}

// Pump fills pending orders. The simulated market is infinitely liquid, so
// everything fills on the first event slice; no wall-clock time is burned.
func (c *Connection) Pump(d time.Duration) {
	for _, ticket := range c.pending {
		ticket.Status = broker.StatusFilled
	}
	c.pending = c.pending[:0]
}

// quote generates the synthetic market data for a contract. Put premiums and
// deltas are smooth functions of strike distance, so nearer strikes always
// carry more premium and more delta.
func (c *Connection) quote(contract *broker.Contract) broker.Snapshot {
	switch contract.SecType {
	case "IND":
		return broker.Snapshot{Last: c.vix, Close: c.vix}
	case "CASH":
		mid := c.fxRate
		return broker.Snapshot{Last: mid, Bid: mid - 0.02, Ask: mid + 0.02, Close: mid}
	case "OPT":
		return c.optionQuote(contract)
	default:
		return broker.Snapshot{
			Last:  c.price,
			Bid:   c.price - 0.01,
			Ask:   c.price + 0.01,
			Close: c.price,
		}
	}
}

func (c *Connection) optionQuote(contract *broker.Contract) broker.Snapshot {
	distance := (c.price - contract.Strike) / c.price
	delta := 0.50 - distance*3
	if delta < 0.05 {
		delta = 0.05
	}
	if delta > 0.95 {
		delta = 0.95
	}

	iv := 0.12 + math.Abs(distance)*0.5
	premium := util.RoundToCents(delta * c.price * 0.025)
	if premium < 0.05 {
		premium = 0.05
	}

	return broker.Snapshot{
		Bid:  util.RoundToCents(premium - 0.03),
		Ask:  util.RoundToCents(premium + 0.03),
		Last: premium,
		Greeks: &broker.Greeks{
			Delta:      -delta, // puts carry negative delta
			Gamma:      0.01,
			Theta:      -premium * 0.1,
			ImpliedVol: iv,
		},
	}
}
