// Package monitor implements the stop-loss sweep over open spread positions:
// re-price both legs, compare against the premium and underlying-breach
// thresholds, and close breached spreads with paired market orders. One cycle
// is one bridge task, so the whole sweep runs on the connection's worker.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mhayashi-dev/spreadwheel/internal/bridge"
	"github.com/mhayashi-dev/spreadwheel/internal/broker"
	"github.com/mhayashi-dev/spreadwheel/internal/config"
	"github.com/mhayashi-dev/spreadwheel/internal/models"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
	"github.com/mhayashi-dev/spreadwheel/internal/util"
)

// underlyingBreachRatio closes the spread once the underlying trades below
// shortStrike * underlyingBreachRatio.
const underlyingBreachRatio = 0.98

// Monitor runs stop-loss cycles over the open book.
type Monitor struct {
	caller bridge.Caller
	store  storage.Interface
	cfg    *config.Config
	logger *logrus.Logger

	quoteSettle time.Duration
	orderSettle time.Duration
	now         func() time.Time
}

// New creates a stop-loss monitor.
func New(caller bridge.Caller, store storage.Interface, cfg *config.Config, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		caller:      caller,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		quoteSettle: 2 * time.Second,
		orderSettle: 5 * time.Second,
		now:         time.Now,
	}
}

// closeOutcome is one spread the worker task closed (or failed to close).
type closeOutcome struct {
	spreadID    string
	reason      string
	orderStatus string
	exitPremium float64
	closed      bool
}

// sweepOutcome is everything the worker task learned in one cycle.
type sweepOutcome struct {
	checked  int
	skipped  int
	reason   string
	closures []closeOutcome
}

// RunMonitorCycle checks every open position against the exit triggers and
// closes breached ones. An empty action list is the normal outcome. Like the
// entry cycle, failures surface as a structured reason, never a panic.
func (m *Monitor) RunMonitorCycle(ctx context.Context) *models.MonitorResult {
	result := &models.MonitorResult{Timestamp: m.now().UTC()}

	// Expired contracts need no broker round-trip, handle them first.
	open := m.store.GetOpenPositions()
	live := make([]models.Position, 0, len(open))
	for _, pos := range open {
		if pos.Expired(m.now()) {
			if err := m.store.MarkExpired(pos.SpreadID); err != nil {
				m.logger.WithError(err).WithField("spread_id", pos.SpreadID).Error("failed to mark expired")
				continue
			}
			m.logger.WithField("spread_id", pos.SpreadID).Info("spread expired, full credit kept")
			result.Actions = append(result.Actions, models.MonitorAction{
				SpreadID:    pos.SpreadID,
				Reason:      "expired worthless",
				ExitPremium: 0,
				RealizedPnL: pos.RealizedPnLFor(0),
			})
			continue
		}
		live = append(live, pos)
	}
	if len(live) == 0 {
		return result
	}

	if !m.caller.IsConnected() {
		result.Reason = "broker not connected"
		return result
	}

	out, err := bridge.CallAs(ctx, m.caller, m.cfg.EntryCycleTimeout(),
		func(conn broker.Connection) (*sweepOutcome, error) {
			return m.sweep(conn, live), nil
		})
	if err != nil {
		m.logger.WithError(err).Error("monitor cycle failed at the bridge")
		result.Reason = fmt.Sprintf("monitor cycle aborted: %v", err)
		return result
	}

	result.Checked = out.checked
	result.Skipped = out.skipped
	result.Reason = out.reason

	for _, c := range out.closures {
		if !c.closed {
			m.logger.WithFields(logrus.Fields{
				"spread_id": c.spreadID,
				"status":    c.orderStatus,
			}).Error("close order not accepted, position stays open")
			continue
		}
		if err := m.store.ClosePosition(c.spreadID, c.exitPremium, c.reason); err != nil {
			m.logger.WithError(err).WithField("spread_id", c.spreadID).Error("failed to persist close")
			continue
		}
		pos, _ := m.store.GetPosition(c.spreadID)
		action := models.MonitorAction{
			SpreadID:    c.spreadID,
			Reason:      c.reason,
			OrderStatus: c.orderStatus,
			ExitPremium: c.exitPremium,
		}
		if pos != nil && pos.RealizedPnL != nil {
			action.RealizedPnL = *pos.RealizedPnL
		}
		result.Actions = append(result.Actions, action)
	}
	return result
}

// sweep runs on the bridge worker. One underlying quote serves the whole
// cycle; each position then gets its legs requalified and re-priced.
func (m *Monitor) sweep(conn broker.Connection, positions []models.Position) *sweepOutcome {
	out := &sweepOutcome{}

	underlying, ok := m.fetchUnderlyingPrice(conn)
	if !ok {
		out.reason = fmt.Sprintf("%s price unavailable", m.cfg.Strategy.Symbol)
		out.skipped = len(positions)
		return out
	}

	for i := range positions {
		pos := &positions[i]
		out.checked++

		premium, ok := m.currentPremium(conn, pos)
		if !ok {
			out.skipped++
			m.logger.WithField("spread_id", pos.SpreadID).Warn("no leg quotes, skipping this tick")
			continue
		}

		reason, triggered := exitTrigger(pos, premium, underlying, m.cfg.Strategy.StopLossMultiplier)
		if !triggered {
			m.logger.WithFields(logrus.Fields{
				"spread_id": pos.SpreadID,
				"premium":   premium,
				"entry":     pos.EntryPremium,
			}).Debug("within thresholds")
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"spread_id":  pos.SpreadID,
			"reason":     reason,
			"premium":    premium,
			"underlying": underlying,
		}).Warn("stop-loss triggered")

		status, closed := m.closeSpread(conn, pos)
		out.closures = append(out.closures, closeOutcome{
			spreadID:    pos.SpreadID,
			reason:      reason,
			orderStatus: status,
			exitPremium: premium,
			closed:      closed,
		})
	}
	return out
}

// exitTrigger evaluates both exit conditions. The premium rule is checked
// first, so its reason wins when both fire on the same tick.
func exitTrigger(pos *models.Position, premium, underlying, multiplier float64) (string, bool) {
	if premium >= pos.EntryPremium*multiplier {
		return fmt.Sprintf("premium %.2f reached %.1fx entry %.2f", premium, multiplier, pos.EntryPremium), true
	}
	if underlying < pos.ShortStrike*underlyingBreachRatio {
		return fmt.Sprintf("underlying %.2f below 98%% of short strike %.2f", underlying, pos.ShortStrike), true
	}
	return "", false
}

// currentPremium re-prices the spread: short mid minus long mid, or the short
// mid alone when the long leg has no usable quote. No short quote means no
// premium at all.
func (m *Monitor) currentPremium(conn broker.Connection, pos *models.Position) (float64, bool) {
	shortPut := broker.Put(pos.Symbol, pos.Expiry, pos.ShortStrike)
	longPut := broker.Put(pos.Symbol, pos.Expiry, pos.LongStrike)
	if err := conn.Qualify(shortPut, longPut); err != nil || shortPut.ID == 0 {
		return 0, false
	}

	legs := []*broker.Contract{shortPut}
	if longPut.ID != 0 {
		legs = append(legs, longPut)
	}
	for _, leg := range legs {
		if err := conn.RequestSnapshot(leg, false); err != nil {
			m.logger.WithError(err).WithField("strike", leg.Strike).Debug("snapshot request failed")
		}
	}
	conn.Pump(m.quoteSettle)

	shortMid := m.legMid(conn, shortPut)
	var longMid float64
	if longPut.ID != 0 {
		longMid = m.legMid(conn, longPut)
	}

	if shortMid <= 0 {
		return 0, false
	}
	if longMid > 0 {
		return shortMid - longMid, true
	}
	return shortMid, true
}

func (m *Monitor) legMid(conn broker.Connection, c *broker.Contract) float64 {
	snap, ok := conn.Snapshot(c)
	conn.CancelSnapshot(c)
	if !ok {
		return 0
	}
	return util.Mid(snap.Bid, snap.Ask)
}

// closeSpread buys back the short leg and sells the long leg as one
// transmit-batched pair of market orders.
func (m *Monitor) closeSpread(conn broker.Connection, pos *models.Position) (string, bool) {
	shortPut := broker.Put(pos.Symbol, pos.Expiry, pos.ShortStrike)
	longPut := broker.Put(pos.Symbol, pos.Expiry, pos.LongStrike)
	if err := conn.Qualify(shortPut, longPut); err != nil || shortPut.ID == 0 || longPut.ID == 0 {
		return fmt.Sprintf("leg qualification failed: %v", err), false
	}

	buyBack := broker.MarketOrder("BUY", pos.Quantity, false)
	sellOff := broker.MarketOrder("SELL", pos.Quantity, true)

	shortTicket, err := conn.PlaceOrder(shortPut, buyBack)
	if err != nil {
		return fmt.Sprintf("short close rejected: %v", err), false
	}
	longTicket, err := conn.PlaceOrder(longPut, sellOff)
	if err != nil {
		return fmt.Sprintf("long close rejected: %v", err), false
	}

	conn.Pump(m.orderSettle)

	status := fmt.Sprintf("Short: %s, Long: %s", shortTicket.Status, longTicket.Status)
	return status, broker.Acknowledged(shortTicket.Status) && broker.Acknowledged(longTicket.Status)
}

func (m *Monitor) fetchUnderlyingPrice(conn broker.Connection) (float64, bool) {
	contract := broker.Stock(m.cfg.Strategy.Symbol)
	if err := conn.Qualify(contract); err != nil || contract.ID == 0 {
		return 0, false
	}
	if err := conn.RequestSnapshot(contract, false); err != nil {
		return 0, false
	}
	conn.Pump(m.quoteSettle)
	snap, ok := conn.Snapshot(contract)
	conn.CancelSnapshot(contract)
	if !ok {
		return 0, false
	}
	if snap.Last > 0 && !math.IsNaN(snap.Last) {
		return snap.Last, true
	}
	if mid := util.Mid(snap.Bid, snap.Ask); mid > 0 {
		return mid, true
	}
	return 0, false
}
