// Package models defines the core data types shared across the bot: spread
// positions, evaluated candidates, and the structured results returned by the
// trading cycles.
package models

import "time"

const sharesPerContract = 100.0

// PositionStatus is the lifecycle state of a spread position. Positions move
// from open to exactly one of the terminal states and are never deleted.
type PositionStatus string

const (
	// StatusOpen marks a live position being monitored for exit conditions.
	StatusOpen PositionStatus = "open"
	// StatusClosed marks a position exited by a closing order.
	StatusClosed PositionStatus = "closed"
	// StatusExpired marks a position whose contracts reached expiry untouched.
	StatusExpired PositionStatus = "expired"
)

// Position represents a bull put credit spread held by the bot.
// Strikes, expiry, and quantity are fixed at entry; only the status fields
// change afterwards, via close or expire.
type Position struct {
	SpreadID      string         `json:"spread_id"`
	Symbol        string         `json:"symbol"`
	ShortStrike   float64        `json:"short_strike"`
	LongStrike    float64        `json:"long_strike"`
	Expiry        string         `json:"expiry"` // YYYYMMDD, broker format
	ExpDate       time.Time      `json:"exp_date"`
	DTEAtEntry    int            `json:"dte_at_entry"`
	Quantity      int            `json:"quantity"`
	EntryPremium  float64        `json:"entry_premium"` // net credit per spread
	MaxProfit     float64        `json:"max_profit"`    // total, all contracts
	MaxLoss       float64        `json:"max_loss"`      // total, all contracts
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      time.Time      `json:"closed_at,omitempty"`
	ExitPremium   *float64       `json:"exit_premium,omitempty"`
	RealizedPnL   *float64       `json:"realized_pnl_usd,omitempty"`
	RealizedJPY   *float64       `json:"realized_pnl_jpy,omitempty"`
	FXRateAtEntry float64        `json:"fx_rate_usd_jpy,omitempty"`
	EntryOrderRef string         `json:"entry_order_ref,omitempty"`
	ExitReason    string         `json:"exit_reason,omitempty"`
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// IsTerminal reports whether the position has reached a terminal state.
func (p *Position) IsTerminal() bool {
	return p.Status == StatusClosed || p.Status == StatusExpired
}

// UnrealizedPnL returns the mark-to-market P&L against the given current net
// premium. A credit spread profits as the premium decays toward zero.
func (p *Position) UnrealizedPnL(currentPremium float64) float64 {
	return (p.EntryPremium - currentPremium) * float64(p.Quantity) * sharesPerContract
}

// RealizedPnLFor returns the realized P&L for an exit at the given premium.
func (p *Position) RealizedPnLFor(exitPremium float64) float64 {
	return (p.EntryPremium - exitPremium) * float64(p.Quantity) * sharesPerContract
}

// DTE returns days to expiration relative to now, floored at zero.
func (p *Position) DTE(now time.Time) int {
	days := int(p.ExpDate.UTC().Truncate(24*time.Hour).Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Expired reports whether the contracts have passed their expiration date.
func (p *Position) Expired(now time.Time) bool {
	return now.UTC().Truncate(24 * time.Hour).After(p.ExpDate.UTC().Truncate(24 * time.Hour))
}
