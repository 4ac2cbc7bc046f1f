package storage

import "github.com/mhayashi-dev/spreadwheel/internal/models"

// Interface defines the contract for spread position persistence.
//
// Implementations must be safe for concurrent use - the entry cycle writes
// from the bridge worker while reporting endpoints read from HTTP handlers.
//
// The provided JSONStore implementation uses sync.RWMutex to serialize access
// and persists every mutation with an atomic write.
type Interface interface {
	AddPosition(pos *models.Position) error
	GetPosition(spreadID string) (*models.Position, bool)
	GetOpenPositions() []models.Position
	GetAllPositions() []models.Position

	// ClosePosition transitions an open position to closed, recording the
	// exit premium, reason, and realized P&L.
	ClosePosition(spreadID string, exitPremium float64, reason string) error
	// MarkExpired transitions an open position past its expiry to expired;
	// the spread finished worthless so realized P&L equals max profit.
	MarkExpired(spreadID string) error

	Summary() Summary
}

// Summary aggregates the book for status reporting.
type Summary struct {
	TotalPositions       int     `json:"total_positions"`
	OpenPositions        int     `json:"open_positions"`
	ClosedPositions      int     `json:"closed_positions"`
	TotalOpenRisk        float64 `json:"total_open_risk"`
	TotalOpenMaxProfit   float64 `json:"total_open_potential_profit"`
	TotalRealizedPnLUSD  float64 `json:"total_realized_pnl_usd"`
}

// NewStorage creates a new storage implementation (currently JSON-based).
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStore(filepath)
}

// Ensure JSONStore implements Interface
var _ Interface = (*JSONStore)(nil)
