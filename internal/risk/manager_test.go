package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, nil, zerolog.Nop())
}

func TestAcquireAndReleaseLock(t *testing.T) {
	m := testManager(t, Config{})

	lease, err := m.AcquireLock("acct1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = m.AcquireLock("acct1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)

	m.ReleaseLock(lease)

	lease2, err := m.AcquireLock("acct1", 50*time.Millisecond)
	require.NoError(t, err)
	m.ReleaseLock(lease2)
}

func TestReleaseLock_Idempotent(t *testing.T) {
	m := testManager(t, Config{})

	lease, err := m.AcquireLock("acct1", 100*time.Millisecond)
	require.NoError(t, err)

	m.ReleaseLock(lease)
	m.ReleaseLock(lease) // second release must not double-return the token

	// A single fresh acquire should succeed; a second concurrent one blocks.
	lease2, err := m.AcquireLock("acct1", 10*time.Millisecond)
	require.NoError(t, err)
	_, err = m.AcquireLock("acct1", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
	m.ReleaseLock(lease2)
}

func TestAcquireLock_DifferentAccountsDoNotContend(t *testing.T) {
	m := testManager(t, Config{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = m.AcquireLock("acct1", 50*time.Millisecond)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = m.AcquireLock("acct2", 50*time.Millisecond)
	}()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestCanExecuteTrade_DuplicateFingerprintRejected(t *testing.T) {
	m := testManager(t, Config{MaxTradesPerDay: 10, MaxDailyLossUSD: 1000, CooldownSeconds: 0})
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	m.RecordTrade("acct1", "fp-a", now)

	d := m.CanExecuteTrade("acct1", "fp-a", now)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDuplicate, d.Reason)
}

func TestCanExecuteTrade_MaxTradesRejected(t *testing.T) {
	m := testManager(t, Config{MaxTradesPerDay: 2, MaxDailyLossUSD: 1000, CooldownSeconds: 0})
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	m.RecordTrade("acct1", "fp-1", now)
	m.RecordTrade("acct1", "fp-2", now.Add(time.Minute))

	d := m.CanExecuteTrade("acct1", "fp-3", now.Add(2*time.Minute))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxTrades, d.Reason)
}

func TestCanExecuteTrade_MaxLossRejected(t *testing.T) {
	m := testManager(t, Config{MaxTradesPerDay: 10, MaxDailyLossUSD: 100, CooldownSeconds: 0})
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	m.UpdatePnL("acct1", -150, now)

	d := m.CanExecuteTrade("acct1", "fp-1", now)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxLoss, d.Reason)
}

func TestCanExecuteTrade_CooldownRejected(t *testing.T) {
	m := testManager(t, Config{MaxTradesPerDay: 10, MaxDailyLossUSD: 1000, CooldownSeconds: 60})
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	m.RecordTrade("acct1", "fp-1", now)

	d := m.CanExecuteTrade("acct1", "fp-2", now.Add(30*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldown, d.Reason)

	ok := m.CanExecuteTrade("acct1", "fp-2", now.Add(61*time.Second))
	assert.True(t, ok.Allowed)
}

func TestCanExecuteTrade_AllowedWhenClear(t *testing.T) {
	m := testManager(t, Config{MaxTradesPerDay: 10, MaxDailyLossUSD: 1000, CooldownSeconds: 0})
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	d := m.CanExecuteTrade("acct1", "fp-1", now)
	assert.True(t, d.Allowed)
	assert.Equal(t, Reason(""), d.Reason)
}

func TestDayRollover_ResetsCountersAndFingerprints(t *testing.T) {
	m := testManager(t, Config{MaxTradesPerDay: 1, MaxDailyLossUSD: 50, CooldownSeconds: 0})
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	day1 := time.Date(2025, 6, 17, 12, 0, 0, 0, loc)
	m.RecordTrade("acct1", "fp-1", day1)
	m.UpdatePnL("acct1", -100, day1)

	stats := m.GetDailyStats("acct1", day1)
	assert.Equal(t, 1, stats.TradeCount)

	day2 := time.Date(2025, 6, 18, 9, 0, 0, 0, loc)
	stats2 := m.GetDailyStats("acct1", day2)
	assert.Equal(t, 0, stats2.TradeCount)
	assert.Equal(t, 0.0, stats2.TotalLoss)

	// Same fingerprint reused on the new day is no longer a duplicate.
	d := m.CanExecuteTrade("acct1", "fp-1", day2)
	assert.True(t, d.Allowed)
}

func TestEvictExpiredFingerprints_RespectsTTLAndRingSize(t *testing.T) {
	m := testManager(t, Config{
		MaxTradesPerDay: 1000,
		MaxDailyLossUSD: 100000,
		CooldownSeconds: 0,
		FingerprintTTL:  time.Minute,
		FingerprintRing: 2,
	})
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)

	m.RecordTrade("acct1", "fp-1", now)
	m.RecordTrade("acct1", "fp-2", now.Add(time.Second))
	m.RecordTrade("acct1", "fp-3", now.Add(2*time.Second))

	// Ring size 2: fp-1 should have been evicted, so it is no longer a duplicate.
	d := m.CanExecuteTrade("acct1", "fp-1", now.Add(3*time.Second))
	assert.True(t, d.Allowed)

	d2 := m.CanExecuteTrade("acct1", "fp-3", now.Add(3*time.Second))
	assert.False(t, d2.Allowed)
}
