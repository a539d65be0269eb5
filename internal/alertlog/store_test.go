package alertlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func waitForQueueDrain(s *Store) {
	for i := 0; i < 100; i++ {
		if len(s.queue) == 0 {
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSaveAndList_RoundTripsThroughSqlite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "alerts.db")
	s := Open(dbPath, testLog())
	defer s.Close()
	require.NotNil(t, s.db, "expected sqlite to open against a writable temp dir")

	s.Save(Record{Action: "buy", Symbol: "MNQ", Account: "default", Status: StatusSuccess})
	waitForQueueDrain(s)

	recs := s.List(10)
	require.Len(t, recs, 1)
	assert.Equal(t, "buy", recs[0].Action)
	assert.Equal(t, StatusSuccess, recs[0].Status)
}

func TestListToday_FiltersByDate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "alerts.db")
	s := Open(dbPath, testLog())
	defer s.Close()

	s.Save(Record{Action: "sell", Symbol: "MNQ", Account: "default", Status: StatusFailed, CreatedAt: time.Now().AddDate(0, 0, -2)})
	s.Save(Record{Action: "buy", Symbol: "MNQ", Account: "default", Status: StatusSuccess, CreatedAt: time.Now()})
	waitForQueueDrain(s)

	today := s.ListToday()
	require.Len(t, today, 1)
	assert.Equal(t, "buy", today[0].Action)
}

func TestSaveDailyPnL_UpsertsOnConflict(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "alerts.db")
	s := Open(dbPath, testLog())
	defer s.Close()

	err := s.SaveDailyPnL(DailyPnL{AccountID: "acct1", Date: "2025-06-17", PnL: 100, Balance: 5000, TradeCount: 2})
	require.NoError(t, err)
	err = s.SaveDailyPnL(DailyPnL{AccountID: "acct1", Date: "2025-06-17", PnL: 150, Balance: 5150, TradeCount: 3})
	require.NoError(t, err)

	history, err := s.HistoryFor("acct1", 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 150.0, history[0].PnL)
	assert.Equal(t, 3, history[0].TradeCount)
}

func TestStore_RingFallbackWhenDatabaseUnavailable(t *testing.T) {
	// A path made of a single NUL byte forces New() to fail; Open must
	// still function in ring-only mode.
	s := Open(string([]byte{0}), testLog())
	defer s.Close()
	assert.Nil(t, s.db)

	s.Save(Record{Action: "buy", Symbol: "MNQ", Account: "default", Status: StatusSuccess})
	waitForQueueDrain(s)

	recs := s.List(10)
	require.Len(t, recs, 1)
	assert.Equal(t, "buy", recs[0].Action)
}
