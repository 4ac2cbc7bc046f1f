package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPositionStatusChecks(t *testing.T) {
	pos := &Position{Status: StatusOpen}
	assert.True(t, pos.IsOpen())
	assert.False(t, pos.IsTerminal())

	pos.Status = StatusClosed
	assert.False(t, pos.IsOpen())
	assert.True(t, pos.IsTerminal())

	pos.Status = StatusExpired
	assert.True(t, pos.IsTerminal())
}

func TestUnrealizedPnL(t *testing.T) {
	pos := &Position{EntryPremium: 1.50, Quantity: 2}

	// Premium decayed: credit kept.
	assert.InDelta(t, 200.0, pos.UnrealizedPnL(0.50), 1e-9)
	// Premium doubled: losing.
	assert.InDelta(t, -300.0, pos.UnrealizedPnL(3.00), 1e-9)
}

func TestRealizedPnLFor(t *testing.T) {
	pos := &Position{EntryPremium: 1.50, Quantity: 3}

	assert.InDelta(t, 450.0, pos.RealizedPnLFor(0), 1e-9)
	assert.InDelta(t, -450.0, pos.RealizedPnLFor(3.00), 1e-9)
}

func TestDTE(t *testing.T) {
	pos := &Position{ExpDate: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)}

	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 4, pos.DTE(now))

	sameDay := time.Date(2026, 9, 4, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, pos.DTE(sameDay))

	after := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, pos.DTE(after))
}

func TestExpired(t *testing.T) {
	pos := &Position{ExpDate: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)}

	// Expiration day itself is not yet expired.
	assert.False(t, pos.Expired(time.Date(2026, 9, 4, 20, 0, 0, 0, time.UTC)))
	assert.False(t, pos.Expired(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, pos.Expired(time.Date(2026, 9, 5, 1, 0, 0, 0, time.UTC)))
}
