package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhayashi-dev/spreadwheel/internal/bridge"
	"github.com/mhayashi-dev/spreadwheel/internal/broker"
	"github.com/mhayashi-dev/spreadwheel/internal/config"
	"github.com/mhayashi-dev/spreadwheel/internal/models"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
)

// directCaller runs bridge ops synchronously against a scripted connection.
type directCaller struct {
	conn      broker.Connection
	connected bool
}

var _ bridge.Caller = (*directCaller)(nil)

func (d *directCaller) Call(_ context.Context, _ time.Duration, op bridge.Op) (any, error) {
	return op(d.conn)
}

func (d *directCaller) IsConnected() bool { return d.connected }

type placedOrder struct {
	contract *broker.Contract
	order    broker.Order
}

// scriptConn serves canned account, chain, and snapshot data.
type scriptConn struct {
	accountErr  error
	netLiq      string
	chains      []broker.ChainParams
	chainErr    error
	snaps       map[string]broker.Snapshot
	orderStatus string
	placeErr    error
	placed      []placedOrder
}

func (s *scriptConn) Connect(ctx context.Context) error { return nil }
func (s *scriptConn) Disconnect() error                 { return nil }
func (s *scriptConn) IsConnected() bool                 { return true }

func (s *scriptConn) Qualify(contracts ...*broker.Contract) error {
	for i, c := range contracts {
		c.ID = int64(1000 + i)
	}
	return nil
}

func (s *scriptConn) RequestSnapshot(c *broker.Contract, withGreeks bool) error { return nil }

func (s *scriptConn) Snapshot(c *broker.Contract) (broker.Snapshot, bool) {
	snap, ok := s.snaps[c.Key()]
	return snap, ok
}

func (s *scriptConn) CancelSnapshot(c *broker.Contract) {}

func (s *scriptConn) AccountValues() ([]broker.AccountValue, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	return []broker.AccountValue{
		{Tag: "NetLiquidation", Value: s.netLiq, Currency: "USD"},
	}, nil
}

func (s *scriptConn) OptionChains(underlying *broker.Contract) ([]broker.ChainParams, error) {
	return s.chains, s.chainErr
}

func (s *scriptConn) PlaceOrder(c *broker.Contract, o broker.Order) (*broker.OrderTicket, error) {
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	s.placed = append(s.placed, placedOrder{contract: c, order: o})
	status := s.orderStatus
	if status == "" {
		status = broker.StatusSubmitted
	}
	return &broker.OrderTicket{OrderID: len(s.placed), Status: status}, nil
}

func (s *scriptConn) Pump(d time.Duration) {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Strategy.Symbol = "SPY"
	cfg.Strategy.SpreadWidth = 5.0
	cfg.Strategy.RiskPerTrade = 0.08
	cfg.Strategy.MinDTE = 1
	cfg.Strategy.MaxDTE = 7
	cfg.Strategy.LimitPriceOffset = 0.02
	cfg.Strategy.StopLossMultiplier = 2.0
	cfg.Strategy.DefaultVIX = 18.5
	cfg.Storage.Path = filepath.Join(t.TempDir(), "positions.json")
	return cfg
}

// entryFixture builds a connection where SPY trades at 580 with a valid chain
// three days out and deltas that make the 570/565 spread the best candidate.
func entryFixture(t *testing.T, now time.Time) (*scriptConn, string) {
	t.Helper()
	expiry := now.AddDate(0, 0, 3).Format("20060102")

	var strikes []float64
	for s := 400.0; s <= 700; s += 5 {
		strikes = append(strikes, s)
	}

	conn := &scriptConn{
		netLiq: "50000",
		chains: []broker.ChainParams{
			{Exchange: "SMART", TradingClass: "SPY", Expirations: []string{expiry}, Strikes: strikes},
		},
		snaps: map[string]broker.Snapshot{
			broker.Index("VIX", "CBOE").Key():    {Last: 20.0},
			broker.Stock("SPY").Key():            {Last: 580.0},
			broker.CashPair("USD", "JPY").Key():  {Last: 150.0},
		},
	}

	deltas := map[float64]float64{575: 0.30, 570: 0.22, 565: 0.15}
	for strike, delta := range deltas {
		d := delta
		conn.snaps[broker.Put("SPY", expiry, strike).Key()] = broker.Snapshot{
			Bid:    1.45,
			Ask:    1.55,
			Greeks: &broker.Greeks{Delta: -d, ImpliedVol: 0.18},
		}
	}
	return conn, expiry
}

func newTestEngine(t *testing.T, conn broker.Connection) (*Engine, storage.Interface) {
	t.Helper()
	cfg := testConfig(t)
	store, err := storage.NewStorage(cfg.Storage.Path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	e := NewEngine(&directCaller{conn: conn, connected: true}, store, cfg, logger)
	e.quoteSettle = 0
	e.chainSettle = 0
	e.orderSettle = 0
	return e, store
}

func TestRunEntryCycleOpensSpread(t *testing.T) {
	now := time.Now()
	conn, expiry := entryFixture(t, now)
	e, store := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())

	require.True(t, result.Success, "reason: %s", result.Reason)
	require.NotNil(t, result.Spread)
	assert.Equal(t, 570.0, result.Spread.ShortStrike, "delta 0.22 is nearest the 0.20 target")
	assert.Equal(t, 565.0, result.Spread.LongStrike)
	assert.Equal(t, expiry, result.Spread.Expiry)
	assert.Equal(t, 20.0, result.VIX)
	assert.Equal(t, 0.20, result.AdjustedDelta)

	// 50000 * 0.08 / ((5 - 1.50) * 100) = 11.4 -> 11 contracts.
	assert.Equal(t, 11, result.Quantity)

	// Both legs placed as one transmit batch, bracketing the offset limit.
	require.Len(t, conn.placed, 2)
	short, long := conn.placed[0], conn.placed[1]
	assert.Equal(t, "SELL", short.order.Action)
	assert.False(t, short.order.Transmit)
	assert.InDelta(t, 1.53, short.order.LimitPrice, 1e-9)
	assert.Equal(t, "BUY", long.order.Action)
	assert.True(t, long.order.Transmit)
	assert.InDelta(t, 1.43, long.order.LimitPrice, 1e-9)
	assert.Equal(t, 570.0, short.contract.Strike)
	assert.Equal(t, 565.0, long.contract.Strike)

	// Position persisted with the FX rate stamped at entry.
	pos, found := store.GetPosition(result.SpreadID)
	require.True(t, found)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Equal(t, 11, pos.Quantity)
	assert.InDelta(t, 1.50, pos.EntryPremium, 1e-9)
	assert.InDelta(t, 150.0, pos.FXRateAtEntry, 1e-9)
	assert.InDelta(t, 1.50*100*11, pos.MaxProfit, 1e-6)
	assert.InDelta(t, 3.50*100*11, pos.MaxLoss, 1e-6)
}

func TestRunEntryCycleNotConnected(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	e, _ := newTestEngine(t, conn)
	e.caller = &directCaller{conn: conn, connected: false}

	result := e.RunEntryCycle(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "not connected")
	assert.Empty(t, conn.placed)
}

func TestRunEntryCycleRefusesHighVIX(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	conn.snaps[broker.Index("VIX", "CBOE").Key()] = broker.Snapshot{Last: 41.2}
	e, store := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "volatility too high")
	assert.Equal(t, 41.2, result.VIX)
	assert.Empty(t, conn.placed, "no broker orders at extreme VIX")
	assert.Empty(t, store.GetOpenPositions())
}

func TestRunEntryCycleUsesDefaultVIX(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	delete(conn.snaps, broker.Index("VIX", "CBOE").Key())
	e, _ := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())
	require.True(t, result.Success, "reason: %s", result.Reason)
	assert.Equal(t, 18.5, result.VIX)
}

func TestRunEntryCycleAbortsWithoutEquity(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	conn.netLiq = "0"
	e, _ := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "equity")
}

func TestRunEntryCycleAbortsOnAccountError(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	conn.accountErr = fmt.Errorf("gateway busy")
	e, _ := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "account values unavailable")
}

func TestRunEntryCycleNoExpirationsInWindow(t *testing.T) {
	now := time.Now()
	conn, _ := entryFixture(t, now)
	farOut := now.AddDate(0, 0, 30).Format("20060102")
	conn.chains = []broker.ChainParams{
		{Exchange: "SMART", TradingClass: "SPY", Expirations: []string{farOut}, Strikes: conn.chains[0].Strikes},
	}
	e, _ := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "no expirations")
}

func TestRunEntryCycleRejectedOrderRecordsNothing(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	conn.orderStatus = broker.StatusRejected
	e, store := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())

	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "order not accepted")
	assert.Contains(t, result.OrderStatus, broker.StatusRejected)
	assert.Empty(t, store.GetOpenPositions(), "failed orders must not create position records")
}

func TestRunEntryCyclePicksChainWithMostExpirations(t *testing.T) {
	now := time.Now()
	conn, expiry := entryFixture(t, now)
	second := now.AddDate(0, 0, 5).Format("20060102")
	// A sparse exchange chain appears first; the dense one must win.
	conn.chains = append([]broker.ChainParams{
		{Exchange: "CBOE", TradingClass: "SPY", Expirations: nil, Strikes: nil},
	}, broker.ChainParams{
		Exchange:     "SMART",
		TradingClass: "SPY",
		Expirations:  []string{expiry, second},
		Strikes:      conn.chains[0].Strikes,
	})
	e, _ := newTestEngine(t, conn)

	result := e.RunEntryCycle(context.Background())
	require.True(t, result.Success, "reason: %s", result.Reason)
	assert.Equal(t, expiry, result.Spread.Expiry, "candidates come from the dense chain")
}

func TestScanCandidatesPlacesNoOrders(t *testing.T) {
	now := time.Now()
	conn, expiry := entryFixture(t, now)
	e, store := newTestEngine(t, conn)

	candidates, err := e.ScanCandidates(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	ptrs := make([]*models.SpreadCandidate, len(candidates))
	for i := range candidates {
		ptrs[i] = &candidates[i]
	}
	best := bestCandidate(ptrs)
	assert.Equal(t, 570.0, best.ShortStrike)
	assert.Equal(t, expiry, best.Expiry)

	// A preview: no orders placed, nothing recorded.
	assert.Empty(t, conn.placed)
	assert.Empty(t, store.GetAllPositions())
}

func TestScanCandidatesRequiresConnection(t *testing.T) {
	conn, _ := entryFixture(t, time.Now())
	e, _ := newTestEngine(t, conn)
	e.caller = &directCaller{conn: conn, connected: false}

	_, err := e.ScanCandidates(context.Background())
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}
