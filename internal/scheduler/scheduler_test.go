package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhayashi-dev/spreadwheel/internal/bridge"
	"github.com/mhayashi-dev/spreadwheel/internal/config"
	"github.com/mhayashi-dev/spreadwheel/internal/monitor"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
	"github.com/mhayashi-dev/spreadwheel/internal/strategy"
)

// blockingCaller parks every bridge call until released, or panics on demand.
type blockingCaller struct {
	mu      sync.Mutex
	block   chan struct{}
	panicOn bool
	calls   int
}

var _ bridge.Caller = (*blockingCaller)(nil)

func (b *blockingCaller) Call(ctx context.Context, _ time.Duration, op bridge.Op) (any, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.panicOn {
		panic("simulated internal failure")
	}
	if b.block != nil {
		<-b.block
	}
	return nil, context.DeadlineExceeded
}

func (b *blockingCaller) IsConnected() bool { return true }

func newTrader(t *testing.T, caller *blockingCaller) *AutoTrader {
	t.Helper()
	cfg := &config.Config{}
	cfg.Strategy.Symbol = "SPY"
	cfg.Strategy.StopLossMultiplier = 2.0
	cfg.Schedule.Timezone = "America/New_York"
	cfg.Schedule.EntryWeekday = "monday"
	cfg.Schedule.EntryTime = "09:35"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "positions.json")

	store, err := storage.NewStorage(cfg.Storage.Path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	engine := strategy.NewEngine(caller, store, cfg, logger)
	mon := monitor.New(caller, store, cfg, logger)
	return New(engine, mon, cfg, nil, logger)
}

func TestTriggerEntryRefusesWhileRunning(t *testing.T) {
	caller := &blockingCaller{block: make(chan struct{})}
	trader := newTrader(t, caller)

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		trader.TriggerEntry(context.Background())
		close(finished)
	}()
	<-started

	// Wait until the first cycle actually holds the flag.
	require.Eventually(t, func() bool {
		return trader.Status().IsRunning
	}, 2*time.Second, time.Millisecond)

	second := trader.TriggerEntry(context.Background())
	assert.False(t, second.Success)
	assert.Contains(t, second.Reason, "already running")

	monitorResult := trader.TriggerMonitor(context.Background())
	assert.Contains(t, monitorResult.Reason, "yielding")

	close(caller.block)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never finished")
	}
	assert.False(t, trader.Status().IsRunning)
}

func TestRunningFlagClearsAfterPanic(t *testing.T) {
	caller := &blockingCaller{panicOn: true}
	trader := newTrader(t, caller)

	result := trader.TriggerEntry(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "panicked")
	assert.False(t, trader.Status().IsRunning, "a panicking cycle must not cause permanent lockout")

	// And the trader stays usable.
	again := trader.TriggerEntry(context.Background())
	assert.NotContains(t, again.Reason, "already running")
}

func TestStatusReflectsLastOutcome(t *testing.T) {
	caller := &blockingCaller{}
	trader := newTrader(t, caller)

	result := trader.TriggerEntry(context.Background())
	require.False(t, result.Success)

	status := trader.Status()
	assert.False(t, status.IsRunning)
	require.NotNil(t, status.LastRunTime)
	assert.Equal(t, result.Reason, status.LastError)
	assert.Equal(t, result, status.LastResult)
}

func TestNextEntryTime(t *testing.T) {
	trader := newTrader(t, &blockingCaller{})
	loc, err := trader.cfg.Location()
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "midweek rolls to next monday",
			now:  time.Date(2026, 1, 7, 12, 0, 0, 0, loc), // Wednesday
			want: time.Date(2026, 1, 12, 9, 35, 0, 0, loc),
		},
		{
			name: "monday before entry time fires same day",
			now:  time.Date(2026, 1, 5, 9, 0, 0, 0, loc),
			want: time.Date(2026, 1, 5, 9, 35, 0, 0, loc),
		},
		{
			name: "exactly at entry time waits a week",
			now:  time.Date(2026, 1, 5, 9, 35, 0, 0, loc),
			want: time.Date(2026, 1, 12, 9, 35, 0, 0, loc),
		},
		{
			name: "monday after entry time waits a week",
			now:  time.Date(2026, 1, 5, 15, 0, 0, 0, loc),
			want: time.Date(2026, 1, 12, 9, 35, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trader.nextEntryTime(tt.now)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	trader := newTrader(t, &blockingCaller{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- trader.Run(ctx) }()

	require.Eventually(t, func() bool {
		return trader.Status().IsActive
	}, 2*time.Second, time.Millisecond)
	require.NotNil(t, trader.Status().NextRunTime)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.False(t, trader.Status().IsActive)
}
