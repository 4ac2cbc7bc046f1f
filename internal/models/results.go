package models

import "time"

// EntryResult is the structured outcome of one entry cycle. Failures are
// reported through Success=false and a human-readable Reason; the entry cycle
// never propagates errors past this boundary.
type EntryResult struct {
	Success       bool             `json:"success"`
	Reason        string           `json:"reason,omitempty"`
	Spread        *SpreadCandidate `json:"spread,omitempty"`
	Quantity      int              `json:"quantity"`
	OrderStatus   string           `json:"order_status,omitempty"`
	OrderRef      string           `json:"order_ref,omitempty"`
	VIX           float64          `json:"vix,omitempty"`
	AdjustedDelta float64          `json:"adjusted_delta,omitempty"`
	SpreadID      string           `json:"spread_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// MonitorAction records one stop-loss or expiry action taken by a monitor
// cycle.
type MonitorAction struct {
	SpreadID    string  `json:"spread_id"`
	Reason      string  `json:"reason"`
	OrderStatus string  `json:"order_status,omitempty"`
	ExitPremium float64 `json:"exit_premium"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// MonitorResult is the structured outcome of one monitor cycle. An empty
// Actions slice is a normal result, not an error.
type MonitorResult struct {
	Checked   int             `json:"checked"`
	Skipped   int             `json:"skipped"`
	Actions   []MonitorAction `json:"actions"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TraderStatus is the externally visible snapshot of the auto-trader state.
// After the first cycle LastRunResult/LastError always reflect the most recent
// outcome; there is no "unknown" state.
type TraderStatus struct {
	IsActive    bool       `json:"is_active"`
	IsRunning   bool       `json:"is_running"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	LastResult  any        `json:"last_run_result,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
}
