// Package scheduler drives the trading cycles: a weekly entry trigger and an
// interval stop-loss trigger, both expressed in the market timezone. Manual
// API triggers go through the same TriggerEntry/TriggerMonitor entry points,
// so there is exactly one code path per operation regardless of caller, and
// one running flag serializing all of them.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mhayashi-dev/spreadwheel/internal/config"
	"github.com/mhayashi-dev/spreadwheel/internal/models"
	"github.com/mhayashi-dev/spreadwheel/internal/monitor"
	"github.com/mhayashi-dev/spreadwheel/internal/notify"
	"github.com/mhayashi-dev/spreadwheel/internal/strategy"
)

// AutoTrader owns the trading schedule and the shared run state.
type AutoTrader struct {
	engine   *strategy.Engine
	monitor  *monitor.Monitor
	cfg      *config.Config
	logger   *logrus.Logger
	notifier *notify.Notifier

	mu          sync.Mutex
	active      bool
	running     bool
	lastRunTime *time.Time
	lastResult  any
	lastError   string
	nextRunTime *time.Time

	now func() time.Time
}

// New creates an AutoTrader. The notifier may be nil.
func New(engine *strategy.Engine, mon *monitor.Monitor, cfg *config.Config,
	notifier *notify.Notifier, logger *logrus.Logger) *AutoTrader {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutoTrader{
		engine:   engine,
		monitor:  mon,
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, firing the weekly entry trigger and the
// interval monitor trigger. Monitor ticks outside market hours are skipped.
func (a *AutoTrader) Run(ctx context.Context) error {
	a.setActive(true)
	defer a.setActive(false)

	next := a.nextEntryTime(a.now())
	a.setNextRun(next)
	entryTimer := time.NewTimer(time.Until(next))
	defer entryTimer.Stop()

	monitorTicker := time.NewTicker(a.cfg.MonitorInterval())
	defer monitorTicker.Stop()

	a.logger.WithFields(logrus.Fields{
		"next_entry":       next,
		"monitor_interval": a.cfg.MonitorInterval(),
	}).Info("scheduler started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("scheduler stopping")
			return nil

		case <-entryTimer.C:
			result := a.TriggerEntry(ctx)
			a.logEntryResult(result)

			next = a.nextEntryTime(a.now())
			a.setNextRun(next)
			entryTimer.Reset(time.Until(next))

		case <-monitorTicker.C:
			if !a.cfg.IsWithinMarketHours(a.now()) {
				continue
			}
			result := a.TriggerMonitor(ctx)
			a.logMonitorResult(result)
		}
	}
}

// TriggerEntry runs one entry cycle. If another cycle is already running it
// refuses immediately without touching the broker.
func (a *AutoTrader) TriggerEntry(ctx context.Context) (result *models.EntryResult) {
	if !a.beginRun() {
		return &models.EntryResult{
			Reason:    "cycle already running",
			Timestamp: a.now().UTC(),
		}
	}
	defer func() {
		// The engine converts its own failures to results; this guard exists
		// so that even an unexpected panic cannot leave the flag set.
		if r := recover(); r != nil {
			a.logger.WithField("panic", r).Error("entry cycle panicked")
			result = &models.EntryResult{
				Reason:    fmt.Sprintf("entry cycle panicked: %v", r),
				Timestamp: a.now().UTC(),
			}
		}
		a.endRun(result, result.Reason)
	}()

	result = a.engine.RunEntryCycle(ctx)
	return result
}

// TriggerMonitor runs one stop-loss cycle. If an entry cycle (or another
// monitor cycle) is running it yields with an empty action list; that is a
// normal outcome, not an error.
func (a *AutoTrader) TriggerMonitor(ctx context.Context) (result *models.MonitorResult) {
	if !a.beginRun() {
		return &models.MonitorResult{
			Reason:    "cycle already running, yielding",
			Timestamp: a.now().UTC(),
		}
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithField("panic", r).Error("monitor cycle panicked")
			result = &models.MonitorResult{
				Reason:    fmt.Sprintf("monitor cycle panicked: %v", r),
				Timestamp: a.now().UTC(),
			}
		}
		a.endRun(result, result.Reason)
	}()

	result = a.monitor.RunMonitorCycle(ctx)
	return result
}

// Status reports the externally visible trader state.
// ScanCandidates previews the spreads an entry cycle would consider, without
// placing orders. It bypasses the run-state gate: the bridge queue already
// serializes it against any cycle in flight.
func (a *AutoTrader) ScanCandidates(ctx context.Context) ([]models.SpreadCandidate, error) {
	return a.engine.ScanCandidates(ctx)
}

func (a *AutoTrader) Status() models.TraderStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.TraderStatus{
		IsActive:    a.active,
		IsRunning:   a.running,
		LastRunTime: a.lastRunTime,
		LastResult:  a.lastResult,
		LastError:   a.lastError,
		NextRunTime: a.nextRunTime,
	}
}

// nextEntryTime returns the next occurrence of the configured entry weekday
// and time, strictly after now, in the market timezone.
func (a *AutoTrader) nextEntryTime(now time.Time) time.Time {
	loc, err := a.cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	clock, err := time.ParseInLocation("15:04", a.cfg.Schedule.EntryTime, loc)
	if err != nil {
		clock = time.Date(0, 1, 1, 9, 35, 0, 0, loc)
	}

	candidate := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc)
	for candidate.Weekday() != a.cfg.EntryWeekday() || !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func (a *AutoTrader) beginRun() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return false
	}
	a.running = true
	now := a.now().UTC()
	a.lastRunTime = &now
	return true
}

func (a *AutoTrader) endRun(result any, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.lastResult = result
	a.lastError = reason
}

func (a *AutoTrader) setActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = active
}

func (a *AutoTrader) setNextRun(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextRunTime = &t
}

func (a *AutoTrader) logEntryResult(result *models.EntryResult) {
	if result.Success {
		a.logger.WithFields(logrus.Fields{
			"spread_id": result.SpreadID,
			"quantity":  result.Quantity,
			"status":    result.OrderStatus,
		}).Info("entry cycle opened a spread")
		a.send(notify.EventEntry, "Spread opened", fmt.Sprintf(
			"%s %g/%g x%d, status %s",
			a.cfg.Strategy.Symbol, result.Spread.ShortStrike, result.Spread.LongStrike,
			result.Quantity, result.OrderStatus))
		return
	}
	a.logger.WithField("reason", result.Reason).Warn("entry cycle made no trade")
	a.send(notify.EventError, "Entry skipped", result.Reason)
}

func (a *AutoTrader) logMonitorResult(result *models.MonitorResult) {
	if result.Reason != "" {
		a.logger.WithField("reason", result.Reason).Warn("monitor cycle incomplete")
	}
	for _, action := range result.Actions {
		a.logger.WithFields(logrus.Fields{
			"spread_id":    action.SpreadID,
			"reason":       action.Reason,
			"realized_pnl": action.RealizedPnL,
		}).Warn("position closed")
		event := notify.EventStopLoss
		if action.OrderStatus == "" {
			event = notify.EventExpiry
		}
		a.send(event, "Position closed", fmt.Sprintf(
			"%s: %s (realized $%.2f)", action.SpreadID, action.Reason, action.RealizedPnL))
	}
}

func (a *AutoTrader) send(event, title, message string) {
	if a.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.notifier.Notify(ctx, event, title, message); err != nil {
		a.logger.WithError(err).Warn("alert delivery failed")
	}
}
