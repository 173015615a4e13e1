package persistence

import (
	"binance-regime-bot-go/internal/models"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestMissingStateReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	risk, err := repo.LoadRiskState()
	require.NoError(t, err)
	assert.Nil(t, risk)

	ledger, err := repo.LoadLedger()
	require.NoError(t, err)
	assert.Nil(t, ledger)

	regimes, err := repo.LoadRegimeStates()
	require.NoError(t, err)
	assert.Empty(t, regimes)
}

func TestStateRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.SaveRiskState(&models.RiskState{Equity: 1234.5, KillSwitch: true, KillSwitchReason: "daily-loss-cap"}))
	require.NoError(t, repo.SaveRegimeState(models.RegimeState{Symbol: "BTCUSDT", Regime: models.RegimeRange, Version: 3, LastConfirmedAt: now}))
	require.NoError(t, repo.SaveRegimeState(models.RegimeState{Symbol: "ETHUSDT", Regime: models.RegimeTrendUp}))
	require.NoError(t, repo.SaveLedger(&models.LedgerSnapshot{
		Positions: map[string]models.Position{"BTCUSDT": {Symbol: "BTCUSDT", Direction: models.Long, Size: 0.5}},
		Paused:    true,
	}))

	risk, err := repo.LoadRiskState()
	require.NoError(t, err)
	assert.Equal(t, 1234.5, risk.Equity)
	assert.True(t, risk.KillSwitch)

	regimes, err := repo.LoadRegimeStates()
	require.NoError(t, err)
	require.Len(t, regimes, 2)
	assert.Equal(t, models.RegimeRange, regimes["BTCUSDT"].Regime)
	assert.Equal(t, int64(3), regimes["BTCUSDT"].Version)
	assert.True(t, now.Equal(regimes["BTCUSDT"].LastConfirmedAt))

	ledger, err := repo.LoadLedger()
	require.NoError(t, err)
	assert.True(t, ledger.Paused)
	assert.Equal(t, 0.5, ledger.Positions["BTCUSDT"].Size)
}

func TestJournalRecentNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(models.ReconciliationRecord{Action: models.ReconcileNone, Detail: string(rune('a' + i))})
		require.NoError(t, repo.Append(models.JournalEntry{Kind: KindReconciliation, At: base.Add(time.Duration(i) * time.Second), Payload: payload}))
	}
	require.NoError(t, repo.Append(models.JournalEntry{Kind: KindSignal, At: base, Payload: json.RawMessage(`{}`)}))

	entries, err := repo.Recent(KindReconciliation, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var rec models.ReconciliationRecord
	require.NoError(t, json.Unmarshal(entries[0].Payload, &rec))
	assert.Equal(t, "e", rec.Detail)
	require.NoError(t, json.Unmarshal(entries[2].Payload, &rec))
	assert.Equal(t, "c", rec.Detail)

	all, err := repo.Recent(KindReconciliation, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
