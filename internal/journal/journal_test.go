package journal

import (
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRepository records appended entries and can be told to fail.
type mockRepository struct {
	sync.Mutex
	entries   []models.JournalEntry
	risk      *models.RiskState
	failTimes int
	calls     int
	block     chan struct{}
}

func (m *mockRepository) Append(entry models.JournalEntry) error {
	if m.block != nil {
		<-m.block
	}
	m.Lock()
	defer m.Unlock()
	m.calls++
	if m.failTimes > 0 {
		m.failTimes--
		return errors.New("disk full")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockRepository) Recent(kind string, limit int) ([]models.JournalEntry, error) {
	m.Lock()
	defer m.Unlock()
	var out []models.JournalEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Kind == kind {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *mockRepository) SaveRegimeState(models.RegimeState) error { return nil }
func (m *mockRepository) LoadRegimeStates() (map[string]models.RegimeState, error) {
	return nil, nil
}
func (m *mockRepository) SaveRiskState(state *models.RiskState) error {
	m.Lock()
	defer m.Unlock()
	m.risk = state
	return nil
}
func (m *mockRepository) LoadRiskState() (*models.RiskState, error)   { return m.risk, nil }
func (m *mockRepository) SaveLedger(*models.LedgerSnapshot) error     { return nil }
func (m *mockRepository) LoadLedger() (*models.LedgerSnapshot, error) { return nil, nil }
func (m *mockRepository) Close() error                                { return nil }

func (m *mockRepository) count() int {
	m.Lock()
	defer m.Unlock()
	return len(m.entries)
}

var _ persistence.Repository = (*mockRepository)(nil)

func TestRecordIsWrittenInOrder(t *testing.T) {
	repo := &mockRepository{}
	j := New(repo, 16, zap.NewNop())
	j.Start()

	j.Record(persistence.KindSignal, map[string]string{"symbol": "BTCUSDT"})
	j.Record(persistence.KindRejection, map[string]string{"reason": "cooldown"})
	j.Stop()

	require.Equal(t, 2, repo.count())
	assert.Equal(t, persistence.KindSignal, repo.entries[0].Kind)
	assert.Equal(t, persistence.KindRejection, repo.entries[1].Kind)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(repo.entries[1].Payload, &payload))
	assert.Equal(t, "cooldown", payload["reason"])
}

func TestFailedWritesAreRetried(t *testing.T) {
	repo := &mockRepository{failTimes: 2}
	j := New(repo, 4, zap.NewNop())
	j.retryWait = time.Millisecond
	j.Start()

	j.Record(persistence.KindEvent, "started")
	j.Stop()

	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 3, repo.calls)
	assert.Zero(t, j.Failed())
}

func TestWriteAbandonedAfterAttempts(t *testing.T) {
	repo := &mockRepository{failTimes: 10}
	j := New(repo, 4, zap.NewNop())
	j.retryWait = time.Millisecond
	j.Start()

	j.Record(persistence.KindEvent, "lost")
	j.Stop()

	assert.Zero(t, repo.count())
	assert.Equal(t, int64(1), j.Failed())
}

func TestRecordNeverBlocksWhenQueueFull(t *testing.T) {
	repo := &mockRepository{block: make(chan struct{})}
	j := New(repo, 1, zap.NewNop())
	j.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			j.Record(persistence.KindEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	close(repo.block)
	j.Stop()

	assert.Greater(t, j.Dropped(), int64(0))
	assert.Equal(t, int64(10), j.Dropped()+int64(repo.count()))
}

func TestSaveRiskStateCopiesValue(t *testing.T) {
	repo := &mockRepository{}
	j := New(repo, 4, zap.NewNop())
	j.Start()

	state := models.RiskState{Equity: 1000, KillSwitch: true}
	j.SaveRiskState(state)
	state.Equity = 1
	j.Stop()

	require.NotNil(t, repo.risk)
	assert.Equal(t, 1000.0, repo.risk.Equity)
}

func TestRecordAfterStopIsDropped(t *testing.T) {
	repo := &mockRepository{}
	j := New(repo, 4, zap.NewNop())
	j.Start()
	j.Stop()

	j.Record(persistence.KindEvent, "late")
	assert.Equal(t, int64(1), j.Dropped())
	assert.Zero(t, repo.count())
}

type mockArchive struct {
	sync.Mutex
	trades []models.TradeRecord
	equity []float64
	events []string
}

func (m *mockArchive) SaveTrade(t models.TradeRecord) error {
	m.Lock()
	defer m.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *mockArchive) SaveEquitySnapshot(s models.AccountSnapshot) error {
	m.Lock()
	defer m.Unlock()
	m.equity = append(m.equity, s.Equity)
	return nil
}

func (m *mockArchive) LogSystemEvent(eventType, symbol, reason string, _ time.Time) error {
	m.Lock()
	defer m.Unlock()
	m.events = append(m.events, eventType+":"+symbol+":"+reason)
	return nil
}

func TestArchiveMirrorsTradesAndEvents(t *testing.T) {
	repo := &mockRepository{}
	archive := &mockArchive{}
	j := New(repo, 16, zap.NewNop()).WithArchive(archive)
	j.Start()

	j.Record(persistence.KindTrade, models.TradeRecord{Symbol: "BTCUSDT", RealizedPnL: -75})
	j.Record(persistence.KindEvent, map[string]string{"event": "emergency-close", "symbol": "ETHUSDT", "reason": "protection failed"})
	j.Record(persistence.KindSignal, map[string]string{"symbol": "BTCUSDT"})
	j.SaveAccount(models.AccountSnapshot{Equity: 9925})
	j.Stop()

	assert.Equal(t, 3, repo.count())
	require.Len(t, archive.trades, 1)
	assert.Equal(t, -75.0, archive.trades[0].RealizedPnL)
	assert.Equal(t, []string{"emergency-close:ETHUSDT:protection failed"}, archive.events)
	assert.Equal(t, []float64{9925}, archive.equity)
}

func TestSaveAccountWithoutArchiveIsNoop(t *testing.T) {
	repo := &mockRepository{}
	j := New(repo, 4, zap.NewNop())
	j.Start()
	j.SaveAccount(models.AccountSnapshot{Equity: 1})
	j.Stop()

	assert.Zero(t, j.Dropped())
	assert.Zero(t, repo.count())
}
