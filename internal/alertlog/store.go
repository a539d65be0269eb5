package alertlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/mnq-gateway/internal/database"
)

const (
	dispatchQueueSize = 256
	ringCapacity      = 128
	writeTimeout      = 500 * time.Millisecond
)

// Store is the alert log. Save is fire-and-forget from the caller's point
// of view: it enqueues the record on a bounded channel serviced by a
// single background worker, falling back to the in-memory ring when the
// queue stays full for writeTimeout or the database is unavailable.
type Store struct {
	db     *database.DB
	log    zerolog.Logger
	ring   *ring
	queue  chan Record
	closed chan struct{}
}

// Open creates (or attaches to) the sqlite-backed alert log at path and
// starts its background dispatch worker. A failure to open the database
// degrades to ring-only mode rather than returning an error — per §6,
// "true absence of a writable path degrades to the in-memory ring".
func Open(path string, log zerolog.Logger) *Store {
	s := &Store{
		log:    log.With().Str("component", "alertlog").Logger(),
		ring:   newRing(ringCapacity),
		queue:  make(chan Record, dispatchQueueSize),
		closed: make(chan struct{}),
	}

	db, err := database.New(database.Config{Path: path, Profile: database.ProfileLedger, Name: "alerts"})
	if err != nil {
		s.log.Warn().Err(err).Msg("alert log database unavailable, falling back to in-memory ring")
	} else if err := db.Migrate(); err != nil {
		s.log.Warn().Err(err).Msg("alert log migration failed, falling back to in-memory ring")
		_ = db.Close()
	} else {
		s.db = db
	}

	go s.dispatchLoop()
	return s
}

// Close stops the dispatch worker and closes the underlying database.
func (s *Store) Close() {
	close(s.closed)
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) dispatchLoop() {
	for {
		select {
		case rec := <-s.queue:
			s.writeThrough(rec)
		case <-s.closed:
			return
		}
	}
}

func (s *Store) writeThrough(rec Record) {
	if s.db == nil {
		s.ring.push(rec)
		return
	}
	if err := s.insert(rec); err != nil {
		s.log.Warn().Err(err).Str("alertId", rec.AlertID).Msg("alert log insert failed, buffering in ring")
		s.ring.push(rec)
	}
}

func (s *Store) insert(rec Record) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO alerts
		(alert_id, action, symbol, account, status, stop_price, tp_price, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.AlertID, rec.Action, rec.Symbol, rec.Account, string(rec.Status),
		nullableFloat(rec.StopPrice), nullableFloat(rec.TPPrice), rec.ErrorMsg,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("alertlog: insert: %w", err)
	}
	return nil
}

// Save records one alert. Best-effort: it never returns an error to the
// caller and never blocks longer than writeTimeout — if the queue is still
// full after writeTimeout the record goes to the ring instead.
func (s *Store) Save(rec Record) {
	if rec.AlertID == "" {
		rec.AlertID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	select {
	case s.queue <- rec:
	case <-time.After(writeTimeout):
		s.ring.push(rec)
	}
}

// List returns the most recent limit alerts, newest first, preferring the
// database and falling back to the ring when the database is unavailable.
func (s *Store) List(limit int) []Record {
	if s.db == nil {
		return s.ring.recent(limit)
	}
	recs, err := s.queryRecent(limit, "")
	if err != nil {
		s.log.Warn().Err(err).Msg("alert log query failed, serving from ring")
		return s.ring.recent(limit)
	}
	return recs
}

// ListToday returns today's alerts, with the date boundary taken in UTC.
func (s *Store) ListToday() []Record {
	today := time.Now().UTC().Format("2006-01-02")
	if s.db == nil {
		out := make([]Record, 0)
		for _, r := range s.ring.recent(0) {
			if r.CreatedAt.UTC().Format("2006-01-02") == today {
				out = append(out, r)
			}
		}
		return out
	}
	recs, err := s.queryRecent(0, today)
	if err != nil {
		s.log.Warn().Err(err).Msg("alert log query failed, serving from ring")
		out := make([]Record, 0)
		for _, r := range s.ring.recent(0) {
			if r.CreatedAt.UTC().Format("2006-01-02") == today {
				out = append(out, r)
			}
		}
		return out
	}
	return recs
}

func (s *Store) queryRecent(limit int, dateFilter string) ([]Record, error) {
	query := `SELECT alert_id, action, symbol, account, status, stop_price, tp_price, error_msg, created_at FROM alerts`
	args := []interface{}{}
	if dateFilter != "" {
		query += ` WHERE created_at LIKE ?`
		args = append(args, dateFilter+"%")
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status, createdAt string
		var stop, tp sql.NullFloat64
		var errMsg sql.NullString
		if err := rows.Scan(&rec.AlertID, &rec.Action, &rec.Symbol, &rec.Account, &status, &stop, &tp, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		if stop.Valid {
			v := stop.Float64
			rec.StopPrice = &v
		}
		if tp.Valid {
			v := tp.Float64
			rec.TPPrice = &v
		}
		rec.ErrorMsg = errMsg.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDailyPnL upserts one account's per-day P&L snapshot.
func (s *Store) SaveDailyPnL(snap DailyPnL) error {
	if s.db == nil {
		return fmt.Errorf("alertlog: daily pnl store unavailable (ring-only mode)")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO daily_pnl (account_id, date, pnl, balance, trade_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET
			pnl = excluded.pnl,
			balance = excluded.balance,
			trade_count = excluded.trade_count,
			updated_at = excluded.updated_at
	`, snap.AccountID, snap.Date, snap.PnL, snap.Balance, snap.TradeCount, snap.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("alertlog: upsert daily_pnl: %w", err)
	}
	return nil
}

// HistoryFor returns one account's daily P&L rows for the last `days` days.
func (s *Store) HistoryFor(accountID string, days int) ([]DailyPnL, error) {
	if s.db == nil {
		return nil, fmt.Errorf("alertlog: daily pnl history unavailable (ring-only mode)")
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.db.Query(`
		SELECT account_id, date, pnl, balance, trade_count, updated_at
		FROM daily_pnl WHERE account_id = ? AND date >= ? ORDER BY date ASC
	`, accountID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("alertlog: query daily_pnl: %w", err)
	}
	defer rows.Close()
	return scanDailyPnL(rows)
}

// HistoryAll returns every account's daily P&L rows for the last `days` days.
func (s *Store) HistoryAll(days int) ([]DailyPnL, error) {
	if s.db == nil {
		return nil, fmt.Errorf("alertlog: daily pnl history unavailable (ring-only mode)")
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.db.Query(`
		SELECT account_id, date, pnl, balance, trade_count, updated_at
		FROM daily_pnl WHERE date >= ? ORDER BY account_id ASC, date ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("alertlog: query daily_pnl: %w", err)
	}
	defer rows.Close()
	return scanDailyPnL(rows)
}

func scanDailyPnL(rows *sql.Rows) ([]DailyPnL, error) {
	var out []DailyPnL
	for rows.Next() {
		var d DailyPnL
		var updatedAt string
		if err := rows.Scan(&d.AccountID, &d.Date, &d.PnL, &d.Balance, &d.TradeCount, &updatedAt); err != nil {
			return nil, err
		}
		d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RingOverflowCount reports how many records have been dropped from the
// in-memory fallback ring since startup (used by the periodic housekeeping
// job to surface sustained database unavailability).
func (s *Store) RingOverflowCount() int {
	return s.ring.droppedCount()
}

// Checkpoint forces a WAL checkpoint on the underlying database, keeping the
// WAL file from growing unbounded under the alert log's steady trickle of
// writes. A nil db (ring-only mode) is a no-op.
func (s *Store) Checkpoint() error {
	if s.db == nil {
		return nil
	}
	return s.db.WALCheckpoint("TRUNCATE")
}

// HealthCheck reports whether the underlying database is reachable and
// passes its integrity check. A nil db (ring-only mode) is reported as
// unavailable rather than healthy, so GET /trading/status reflects the
// degraded state.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("alert log database unavailable, running on in-memory ring")
	}
	return s.db.HealthCheck(ctx)
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
