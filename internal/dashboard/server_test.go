package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhayashi-dev/spreadwheel/internal/models"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
)

type stubTrader struct {
	entryCalls   int
	monitorCalls int
	scanCalls    int
	scanErr      error
}

func (s *stubTrader) TriggerEntry(ctx context.Context) *models.EntryResult {
	s.entryCalls++
	return &models.EntryResult{Success: true, SpreadID: "SPY-test", Timestamp: time.Now().UTC()}
}

func (s *stubTrader) TriggerMonitor(ctx context.Context) *models.MonitorResult {
	s.monitorCalls++
	return &models.MonitorResult{Checked: 1, Timestamp: time.Now().UTC()}
}

func (s *stubTrader) ScanCandidates(ctx context.Context) ([]models.SpreadCandidate, error) {
	s.scanCalls++
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	return []models.SpreadCandidate{{ShortStrike: 570, LongStrike: 565, NetPremium: 1.50}}, nil
}

func (s *stubTrader) Status() models.TraderStatus {
	return models.TraderStatus{IsActive: true}
}

func newTestServer(t *testing.T, authToken string) (*Server, *stubTrader, storage.Interface) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	trader := &stubTrader{}
	srv := NewServer(Config{Port: 0, AuthToken: authToken}, store, trader, logger)
	return srv, trader, store
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?token=secret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPositionEndpoints(t *testing.T) {
	srv, _, store := newTestServer(t, "")
	require.NoError(t, store.AddPosition(&models.Position{
		SpreadID:     "SPY-20260109-570-565-ab",
		Symbol:       "SPY",
		ShortStrike:  570,
		LongStrike:   565,
		Quantity:     2,
		EntryPremium: 1.50,
		MaxProfit:    300,
		MaxLoss:      700,
		Status:       models.StatusOpen,
		OpenedAt:     time.Now().UTC(),
	}))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/open", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var open []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	require.Len(t, open, 1)
	assert.Equal(t, 570.0, open[0].ShortStrike)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/SPY-20260109-570-565-ab", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var summary storage.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.OpenPositions)
}

func TestManualTriggers(t *testing.T) {
	srv, trader, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/entry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, trader.entryCalls)

	var result models.EntryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/monitor", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, trader.monitorCalls)

	// Triggers are POST-only.
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entry", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// First frame is the status snapshot pushed on connect.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var first wsEvent
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, "status", first.Type)

	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	srv.hub.Broadcast("entry_result", &models.EntryResult{Success: true, SpreadID: "SPY-x"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var evt wsEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "entry_result", evt.Type)
}

func TestCandidatesEndpoint(t *testing.T) {
	srv, trader, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/candidates", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, trader.scanCalls)

	var candidates []models.SpreadCandidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &candidates))
	require.Len(t, candidates, 1)
	assert.Equal(t, 570.0, candidates[0].ShortStrike)
}

func TestCandidatesEndpointUnavailable(t *testing.T) {
	srv, trader, _ := newTestServer(t, "")
	trader.scanErr = errors.New("volatility too high")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/candidates", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
