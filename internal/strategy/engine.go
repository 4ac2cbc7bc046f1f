// Package strategy implements the bull put spread entry logic: volatility
// regime adjustment, candidate evaluation and scoring, position sizing, and
// paired order placement. The whole entry cycle executes as a single bridge
// task so every broker touch happens on the connection's worker goroutine.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mhayashi-dev/spreadwheel/internal/bridge"
	"github.com/mhayashi-dev/spreadwheel/internal/broker"
	"github.com/mhayashi-dev/spreadwheel/internal/config"
	"github.com/mhayashi-dev/spreadwheel/internal/models"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
	"github.com/mhayashi-dev/spreadwheel/internal/util"
)

// Engine runs entry cycles against the broker through the execution bridge.
type Engine struct {
	caller bridge.Caller
	store  storage.Interface
	cfg    *config.Config
	logger *logrus.Logger

	// settle budgets: how long snapshots are pumped before being read.
	quoteSettle time.Duration
	chainSettle time.Duration
	orderSettle time.Duration
	now         func() time.Time
}

// NewEngine creates an entry engine.
func NewEngine(caller bridge.Caller, store storage.Interface, cfg *config.Config, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		caller:      caller,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		quoteSettle: 2 * time.Second,
		chainSettle: 5 * time.Second,
		orderSettle: 5 * time.Second,
		now:         time.Now,
	}
}

// RunEntryCycle evaluates and, when conditions allow, opens one new spread.
// It always returns a structured result; failures are reported via
// Success=false and Reason, never as a panic or error escaping this boundary.
func (e *Engine) RunEntryCycle(ctx context.Context) *models.EntryResult {
	result := &models.EntryResult{Timestamp: e.now().UTC()}

	if !e.caller.IsConnected() {
		result.Reason = "broker not connected"
		return result
	}

	out, err := e.caller.Call(ctx, e.cfg.EntryCycleTimeout(), func(conn broker.Connection) (any, error) {
		return e.executeEntry(conn), nil
	})
	if err != nil {
		e.logger.WithError(err).Error("entry cycle failed at the bridge")
		result.Reason = fmt.Sprintf("entry cycle aborted: %v", err)
		return result
	}

	res, ok := out.(*models.EntryResult)
	if !ok {
		result.Reason = "entry cycle returned no result"
		return result
	}

	if res.Success {
		if err := e.recordPosition(res); err != nil {
			// The spread is live at the broker; persistence failure must not
			// flip the result to a retry-inviting failure.
			e.logger.WithError(err).Error("failed to persist opened position")
		}
	}
	return res
}

// executeEntry is the entry cycle core. It runs on the bridge worker and owns
// the connection for its duration.
func (e *Engine) executeEntry(conn broker.Connection) *models.EntryResult {
	result := &models.EntryResult{Timestamp: e.now().UTC()}
	symbol := e.cfg.Strategy.Symbol

	// 1. Account equity.
	values, err := conn.AccountValues()
	if err != nil {
		result.Reason = fmt.Sprintf("account values unavailable: %v", err)
		return result
	}
	netLiq, ok := broker.NetLiquidation(values)
	if !ok {
		result.Reason = "could not determine account equity (NetLiquidation)"
		return result
	}
	e.logger.WithField("net_liq", netLiq).Info("account equity")

	// 2. VIX, with a configured fallback when the quote is unavailable.
	vix := e.fetchVIX(conn)
	result.VIX = vix

	// 3. Volatility regime: delta target and size factor.
	sizing, ok := AdjustForVIX(vix)
	if !ok {
		result.Reason = fmt.Sprintf("volatility too high (VIX %.1f), skipping entry", vix)
		return result
	}
	result.AdjustedDelta = sizing.TargetDelta
	e.logger.WithFields(logrus.Fields{
		"vix":          vix,
		"target_delta": sizing.TargetDelta,
		"size_factor":  sizing.SizeFactor,
	}).Info("volatility regime")

	// 4. Underlying price.
	price, ok := e.fetchUnderlyingPrice(conn, symbol)
	if !ok {
		result.Reason = fmt.Sprintf("%s price unavailable", symbol)
		return result
	}
	e.logger.WithField("price", price).Info("underlying quote")

	// 5. Option chain definitions. Exchange-specific chains can miss near-term
	// weeklies, so pick the chain exposing the most expirations.
	chains, err := conn.OptionChains(broker.Stock(symbol))
	if err != nil || len(chains) == 0 {
		result.Reason = "option chain unavailable"
		return result
	}
	chain := densestChain(chains)

	expirations := validExpirations(chain.Expirations, e.now(), e.cfg.Strategy.MinDTE, e.cfg.Strategy.MaxDTE)
	if len(expirations) == 0 {
		result.Reason = fmt.Sprintf("no expirations within %d-%d DTE",
			e.cfg.Strategy.MinDTE, e.cfg.Strategy.MaxDTE)
		return result
	}

	// 6. Strikes near the money.
	strikes := candidateStrikes(chain.Strikes, price)
	if len(strikes) == 0 {
		result.Reason = "no candidate strikes below the underlying price"
		return result
	}

	// 7. Quote the short legs and build scored candidates.
	candidates := e.collectCandidates(conn, symbol, expirations, strikes, sizing.TargetDelta)
	if len(candidates) == 0 {
		result.Reason = "no spread candidates (missing delta or quote data)"
		return result
	}

	// 8. Best candidate by delta score.
	best := bestCandidate(candidates)
	result.Spread = best
	e.logger.WithFields(logrus.Fields{
		"short_strike": best.ShortStrike,
		"long_strike":  best.LongStrike,
		"dte":          best.DTE,
		"delta":        best.ShortDelta,
		"mid":          best.NetPremium,
	}).Info("selected spread")

	// 9. Position size from the risk budget.
	quantity := positionSize(netLiq, e.cfg.Strategy.RiskPerTrade, sizing.SizeFactor, best.MaxLoss)
	result.Quantity = quantity
	e.logger.WithFields(logrus.Fields{
		"quantity": quantity,
		"max_risk": best.MaxLoss * float64(quantity),
	}).Info("position size")

	// 10. Paired limit orders.
	status, ref, ok := e.placeSpread(conn, symbol, best, quantity)
	result.OrderStatus = status
	result.OrderRef = ref
	if !ok {
		result.Reason = fmt.Sprintf("order not accepted: %s", status)
		return result
	}

	result.Success = true
	result.SpreadID = newSpreadID(symbol, best)
	return result
}

// ScanCandidates quotes the current market and returns the scored spread
// candidates without placing orders or touching the position store. Used by
// the dashboard for a read-only preview of what an entry cycle would see.
func (e *Engine) ScanCandidates(ctx context.Context) ([]models.SpreadCandidate, error) {
	if !e.caller.IsConnected() {
		return nil, broker.ErrNotConnected
	}
	return bridge.CallAs(ctx, e.caller, e.cfg.ChainTimeout(),
		func(conn broker.Connection) ([]models.SpreadCandidate, error) {
			symbol := e.cfg.Strategy.Symbol

			sizing, ok := AdjustForVIX(e.fetchVIX(conn))
			if !ok {
				return nil, errors.New("volatility too high")
			}
			price, ok := e.fetchUnderlyingPrice(conn, symbol)
			if !ok {
				return nil, fmt.Errorf("%s price unavailable", symbol)
			}
			chains, err := conn.OptionChains(broker.Stock(symbol))
			if err != nil || len(chains) == 0 {
				return nil, errors.New("option chain unavailable")
			}
			chain := densestChain(chains)
			expirations := validExpirations(chain.Expirations, e.now(),
				e.cfg.Strategy.MinDTE, e.cfg.Strategy.MaxDTE)
			strikes := candidateStrikes(chain.Strikes, price)
			scored := e.collectCandidates(conn, symbol, expirations, strikes, sizing.TargetDelta)
			candidates := make([]models.SpreadCandidate, 0, len(scored))
			for _, c := range scored {
				candidates = append(candidates, *c)
			}
			return candidates, nil
		})
}

// densestChain picks the chain exposing the most expirations.
func densestChain(chains []broker.ChainParams) broker.ChainParams {
	chain := chains[0]
	for _, c := range chains[1:] {
		if len(c.Expirations) > len(chain.Expirations) {
			chain = c
		}
	}
	return chain
}

// fetchVIX returns the live VIX level, or the configured default when the
// quote cannot be obtained. A missing VIX is not a reason to skip entry.
func (e *Engine) fetchVIX(conn broker.Connection) float64 {
	fallback := e.cfg.Strategy.DefaultVIX

	contract := broker.Index("VIX", "CBOE")
	if err := conn.Qualify(contract); err != nil || contract.ID == 0 {
		e.logger.WithError(err).Warn("VIX contract unavailable, using default")
		return fallback
	}
	snap, ok := e.snapshot(conn, contract, false, e.quoteSettle)
	if !ok {
		e.logger.Warn("no VIX data received, using default")
		return fallback
	}
	switch {
	case validPrice(snap.Last):
		return snap.Last
	case validPrice(snap.Close):
		return snap.Close
	default:
		return fallback
	}
}

// fetchUnderlyingPrice returns the underlying's market price: last trade,
// falling back to the bid/ask midpoint.
func (e *Engine) fetchUnderlyingPrice(conn broker.Connection, symbol string) (float64, bool) {
	contract := broker.Stock(symbol)
	if err := conn.Qualify(contract); err != nil || contract.ID == 0 {
		return 0, false
	}
	snap, ok := e.snapshot(conn, contract, false, e.quoteSettle)
	if !ok {
		return 0, false
	}
	if validPrice(snap.Last) {
		return snap.Last, true
	}
	if mid := util.Mid(snap.Bid, snap.Ask); mid > 0 {
		return mid, true
	}
	return 0, false
}

// FetchFXRate returns the USD/JPY rate, best effort. Zero means unavailable.
// Exposed so the entry caller can stamp positions with the rate at entry.
func (e *Engine) FetchFXRate(ctx context.Context) float64 {
	rate, err := bridge.CallAs(ctx, e.caller, e.cfg.DefaultTimeout(),
		func(conn broker.Connection) (float64, error) {
			contract := broker.CashPair("USD", "JPY")
			if err := conn.Qualify(contract); err != nil || contract.ID == 0 {
				return 0, nil
			}
			snap, ok := e.snapshot(conn, contract, false, e.quoteSettle)
			if !ok {
				return 0, nil
			}
			switch {
			case validPrice(snap.Last):
				return snap.Last, nil
			case validPrice(snap.Close):
				return snap.Close, nil
			default:
				return util.Mid(snap.Bid, snap.Ask), nil
			}
		})
	if err != nil {
		e.logger.WithError(err).Warn("USD/JPY rate unavailable")
		return 0
	}
	return rate
}

// collectCandidates quotes the short put legs for every expiry/strike pair and
// returns the scored candidates. Pairs missing a delta or a two-sided quote
// are dropped, not errored.
func (e *Engine) collectCandidates(conn broker.Connection, symbol string,
	expirations []expiration, strikes []float64, targetDelta float64) []*models.SpreadCandidate {

	width := e.cfg.Strategy.SpreadWidth
	var candidates []*models.SpreadCandidate

	for _, exp := range expirations {
		contracts := make([]*broker.Contract, 0, len(strikes))
		for _, strike := range strikes {
			contracts = append(contracts, broker.Put(symbol, exp.Expiry, strike))
		}
		if err := conn.Qualify(contracts...); err != nil {
			e.logger.WithError(err).WithField("expiry", exp.Expiry).Warn("qualify failed, skipping expiry")
			continue
		}

		qualified := contracts[:0]
		for _, c := range contracts {
			if c.ID != 0 {
				qualified = append(qualified, c)
			}
		}
		if len(qualified) == 0 {
			continue
		}

		for _, c := range qualified {
			if err := conn.RequestSnapshot(c, true); err != nil {
				e.logger.WithError(err).WithField("strike", c.Strike).Debug("snapshot request failed")
			}
		}
		conn.Pump(e.chainSettle)

		for _, c := range qualified {
			snap, ok := conn.Snapshot(c)
			conn.CancelSnapshot(c)
			if !ok {
				continue
			}

			var delta, iv float64
			if snap.Greeks != nil {
				if validGreek(snap.Greeks.Delta) {
					delta = math.Abs(snap.Greeks.Delta)
				}
				if validGreek(snap.Greeks.ImpliedVol) {
					iv = snap.Greeks.ImpliedVol
				}
			}
			mid := util.Mid(snap.Bid, snap.Ask)
			if mid <= 0 || delta == 0 {
				continue
			}
			if mid >= width {
				// Premium exceeding the width means no loss cap; bad data.
				continue
			}

			candidates = append(candidates, &models.SpreadCandidate{
				ShortStrike: c.Strike,
				LongStrike:  c.Strike - width,
				Expiry:      exp.Expiry,
				ExpDate:     exp.ExpDate,
				DTE:         exp.DTE,
				ShortDelta:  delta,
				ShortIV:     iv,
				NetPremium:  mid,
				MaxProfit:   mid * 100,
				MaxLoss:     (width - mid) * 100,
				RiskReward:  (width - mid) / mid,
				Score:       scoreDelta(delta, targetDelta),
			})
		}
	}
	return candidates
}

// placeSpread qualifies both legs and submits them as one transmit-batched
// pair: the short leg is held at the broker until the long leg releases both.
func (e *Engine) placeSpread(conn broker.Connection, symbol string,
	best *models.SpreadCandidate, quantity int) (status, ref string, ok bool) {

	shortPut := broker.Put(symbol, best.Expiry, best.ShortStrike)
	longPut := broker.Put(symbol, best.Expiry, best.LongStrike)
	if err := conn.Qualify(shortPut, longPut); err != nil || shortPut.ID == 0 || longPut.ID == 0 {
		return fmt.Sprintf("leg qualification failed: %v", err), "", false
	}

	limit := util.RoundToCents(best.NetPremium - e.cfg.Strategy.LimitPriceOffset)
	shortOrder := broker.LimitOrder("SELL", quantity, util.RoundToCents(limit+0.05), false)
	longOrder := broker.LimitOrder("BUY", quantity, util.RoundToCents(limit-0.05), true)

	shortTicket, err := conn.PlaceOrder(shortPut, shortOrder)
	if err != nil {
		return fmt.Sprintf("short leg rejected: %v", err), "", false
	}
	longTicket, err := conn.PlaceOrder(longPut, longOrder)
	if err != nil {
		return fmt.Sprintf("long leg rejected: %v", err), "", false
	}

	conn.Pump(e.orderSettle)

	status = fmt.Sprintf("Short: %s, Long: %s", shortTicket.Status, longTicket.Status)
	ref = fmt.Sprintf("%d/%d", shortTicket.OrderID, longTicket.OrderID)
	return status, ref, broker.Acknowledged(shortTicket.Status) && broker.Acknowledged(longTicket.Status)
}

// recordPosition persists the opened spread, stamping the USD/JPY rate for
// yen-denominated reporting.
func (e *Engine) recordPosition(res *models.EntryResult) error {
	fxRate := e.FetchFXRate(context.Background())
	best := res.Spread
	qty := float64(res.Quantity)

	return e.store.AddPosition(&models.Position{
		SpreadID:      res.SpreadID,
		Symbol:        e.cfg.Strategy.Symbol,
		ShortStrike:   best.ShortStrike,
		LongStrike:    best.LongStrike,
		Expiry:        best.Expiry,
		ExpDate:       best.ExpDate,
		DTEAtEntry:    best.DTE,
		Quantity:      res.Quantity,
		EntryPremium:  best.NetPremium,
		MaxProfit:     best.MaxProfit * qty,
		MaxLoss:       best.MaxLoss * qty,
		Status:        models.StatusOpen,
		OpenedAt:      res.Timestamp,
		FXRateAtEntry: fxRate,
		EntryOrderRef: res.OrderRef,
	})
}

// snapshot subscribes, pumps for the settle budget, reads, and unsubscribes.
func (e *Engine) snapshot(conn broker.Connection, c *broker.Contract, withGreeks bool, settle time.Duration) (broker.Snapshot, bool) {
	if err := conn.RequestSnapshot(c, withGreeks); err != nil {
		return broker.Snapshot{}, false
	}
	conn.Pump(settle)
	snap, ok := conn.Snapshot(c)
	conn.CancelSnapshot(c)
	return snap, ok
}

func newSpreadID(symbol string, best *models.SpreadCandidate) string {
	return fmt.Sprintf("%s-%s-%.0f-%.0f-%s",
		symbol, best.Expiry, best.ShortStrike, best.LongStrike, uuid.NewString()[:8])
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v)
}

func validGreek(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}
