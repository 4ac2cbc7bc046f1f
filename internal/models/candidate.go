package models

import "time"

// SpreadCandidate is one scored bull put spread produced during an evaluation
// cycle. Candidates are immutable once constructed; only the selected one
// survives into a Position.
type SpreadCandidate struct {
	ShortStrike float64   `json:"short_strike"`
	LongStrike  float64   `json:"long_strike"`
	Expiry      string    `json:"expiry"` // YYYYMMDD
	ExpDate     time.Time `json:"exp_date"`
	DTE         int       `json:"dte"`
	ShortDelta  float64   `json:"short_delta"` // absolute value
	ShortIV     float64   `json:"short_iv,omitempty"`
	NetPremium  float64   `json:"net_premium"` // mid, per spread
	MaxProfit   float64   `json:"max_profit"`  // per contract
	MaxLoss     float64   `json:"max_loss"`    // per contract
	RiskReward  float64   `json:"risk_reward_ratio"`
	Score       float64   `json:"score"`
}
