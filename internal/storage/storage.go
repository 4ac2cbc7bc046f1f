package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mhayashi-dev/spreadwheel/internal/models"
)

// JSONStore persists spread positions as a keyed JSON document. Writes go to
// a temp file first and are renamed into place so a crash mid-write never
// corrupts the book.
type JSONStore struct {
	mu       sync.RWMutex
	filepath string
	data     *storeData
}

type storeData struct {
	Positions   map[string]*models.Position `json:"positions"`
	LastUpdated time.Time                   `json:"last_updated"`
}

// NewJSONStore opens (or creates) the store at the given path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		filepath: path,
		data: &storeData{
			Positions: make(map[string]*models.Position),
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, s.data); err != nil {
		return err
	}
	if s.data.Positions == nil {
		s.data.Positions = make(map[string]*models.Position)
	}
	return nil
}

// save must be called with the write lock held.
func (s *JSONStore) save() error {
	s.data.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// AddPosition records a newly opened position.
func (s *JSONStore) AddPosition(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos == nil || pos.SpreadID == "" {
		return fmt.Errorf("position missing spread id")
	}
	if _, exists := s.data.Positions[pos.SpreadID]; exists {
		return fmt.Errorf("duplicate spread id %s", pos.SpreadID)
	}

	cp := *pos
	s.data.Positions[pos.SpreadID] = &cp
	return s.save()
}

// GetPosition returns a copy of the position for the given spread ID.
func (s *JSONStore) GetPosition(spreadID string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.data.Positions[spreadID]
	if !ok {
		return nil, false
	}
	cp := *pos
	return &cp, true
}

// GetOpenPositions returns copies of all open positions, ordered by spread ID
// for deterministic iteration.
func (s *JSONStore) GetOpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.IsOpen() {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpreadID < out[j].SpreadID })
	return out
}

// GetAllPositions returns copies of every position, ordered by spread ID.
func (s *JSONStore) GetAllPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0, len(s.data.Positions))
	for _, pos := range s.data.Positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpreadID < out[j].SpreadID })
	return out
}

// ClosePosition transitions an open position to closed.
func (s *JSONStore) ClosePosition(spreadID string, exitPremium float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.data.Positions[spreadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, spreadID)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, spreadID, pos.Status)
	}

	realized := pos.RealizedPnLFor(exitPremium)

	pos.Status = models.StatusClosed
	pos.ClosedAt = time.Now().UTC()
	pos.ExitPremium = &exitPremium
	pos.RealizedPnL = &realized
	pos.ExitReason = reason
	if pos.FXRateAtEntry > 0 {
		jpy := realized * pos.FXRateAtEntry
		pos.RealizedJPY = &jpy
	}

	return s.save()
}

// MarkExpired transitions an open position past expiry to expired. The spread
// finished out of the money, so exit premium is zero and the realized P&L is
// the full max profit.
func (s *JSONStore) MarkExpired(spreadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.data.Positions[spreadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, spreadID)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, spreadID, pos.Status)
	}

	zero := 0.0
	realized := pos.MaxProfit

	pos.Status = models.StatusExpired
	pos.ClosedAt = time.Now().UTC()
	pos.ExitPremium = &zero
	pos.RealizedPnL = &realized
	pos.ExitReason = "expired"
	if pos.FXRateAtEntry > 0 {
		jpy := realized * pos.FXRateAtEntry
		pos.RealizedJPY = &jpy
	}

	return s.save()
}

// Summary aggregates the book for status reporting.
func (s *JSONStore) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum Summary
	sum.TotalPositions = len(s.data.Positions)
	for _, pos := range s.data.Positions {
		if pos.IsOpen() {
			sum.OpenPositions++
			sum.TotalOpenRisk += pos.MaxLoss
			sum.TotalOpenMaxProfit += pos.MaxProfit
			continue
		}
		sum.ClosedPositions++
		if pos.RealizedPnL != nil {
			sum.TotalRealizedPnLUSD += *pos.RealizedPnL
		}
	}
	return sum
}
