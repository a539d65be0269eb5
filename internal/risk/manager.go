package risk

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/mnq-gateway/internal/marketcalendar"
)

// Lease is the token returned by AcquireLock. The Webhook Processor MUST
// release it on every exit path; ReleaseLock is idempotent so a lease may
// safely be released more than once (e.g. from both a defer and an earlier
// explicit release on a fast-reject path).
type Lease struct {
	accountID string
	id        string
	mu        sync.Mutex
	released  bool
}

type accountState struct {
	dataMu sync.Mutex
	lockCh chan struct{} // buffered(1) semaphore; one token available when unlocked

	date          string
	tradeCount    int
	totalProfit   float64
	totalLoss     float64
	lastTradeTime time.Time

	fingerprints   map[string]time.Time // fingerprint -> expiry
	fingerprintLRU []string              // insertion order, oldest first
}

func newAccountState() *accountState {
	s := &accountState{
		lockCh:       make(chan struct{}, 1),
		fingerprints: make(map[string]time.Time),
	}
	s.lockCh <- struct{}{}
	return s
}

// Manager is the process-wide, per-account risk gate described in §4.2.
// Mutual exclusion is two-layered: a short-lived internal mutex
// (accountState.dataMu) guards the counters map itself, while the
// account's lockCh is the long-held "lock" that the Webhook Processor
// acquires for the whole check-decide-place-record sequence (§5).
type Manager struct {
	cfg Config
	cal *marketcalendar.Calendar
	log zerolog.Logger

	mu     sync.Mutex
	states map[string]*accountState
}

// NewManager constructs a Manager. Only the structural knobs (lock timeout,
// fingerprint TTL/ring size) fall back to DefaultConfig when left zero;
// the risk limits (MaxTradesPerDay, MaxDailyLossUSD, CooldownSeconds) are
// taken as given since a silently-defaulted limit could mask a
// misconfigured, too-permissive deployment. Callers that want the spec
// defaults should start from risk.DefaultConfig() themselves.
func NewManager(cfg Config, cal *marketcalendar.Calendar, log zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.FingerprintTTL == 0 {
		cfg.FingerprintTTL = def.FingerprintTTL
	}
	if cfg.FingerprintRing == 0 {
		cfg.FingerprintRing = def.FingerprintRing
	}

	return &Manager{
		cfg:    cfg,
		cal:    cal,
		log:    log.With().Str("component", "risk").Logger(),
		states: make(map[string]*accountState),
	}
}

func (m *Manager) stateFor(accountID string) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[accountID]
	if !ok {
		s = newAccountState()
		m.states[accountID] = s
	}
	return s
}

// easternDate formats now in America/New_York as a YYYY-MM-DD string for
// day-rollover comparison. Falls back to UTC if the tz database is
// unavailable (should not happen once cmd/server imports time/tzdata).
func easternDate(now time.Time) string {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

// rolloverLocked resets counters and the fingerprint set if the stored date
// no longer matches the current ET date. Caller must hold s.dataMu.
func rolloverLocked(s *accountState, now time.Time) {
	today := easternDate(now)
	if s.date == today {
		return
	}
	s.date = today
	s.tradeCount = 0
	s.totalProfit = 0
	s.totalLoss = 0
	s.fingerprints = make(map[string]time.Time)
	s.fingerprintLRU = nil
}

// evictExpiredLocked drops fingerprints whose TTL has elapsed and trims the
// ring to at most FingerprintRing entries. Caller must hold s.dataMu.
func (m *Manager) evictExpiredLocked(s *accountState, now time.Time) {
	fresh := s.fingerprintLRU[:0]
	for _, fp := range s.fingerprintLRU {
		expiry, ok := s.fingerprints[fp]
		if !ok {
			continue
		}
		if now.After(expiry) {
			delete(s.fingerprints, fp)
			continue
		}
		fresh = append(fresh, fp)
	}
	s.fingerprintLRU = fresh

	for len(s.fingerprintLRU) > m.cfg.FingerprintRing {
		oldest := s.fingerprintLRU[0]
		s.fingerprintLRU = s.fingerprintLRU[1:]
		delete(s.fingerprints, oldest)
	}
}

// AcquireLock blocks up to timeout trying to obtain the per-account lock.
// At most one lease per account exists at any time.
func (m *Manager) AcquireLock(accountID string, timeout time.Duration) (*Lease, error) {
	s := m.stateFor(accountID)
	select {
	case <-s.lockCh:
		return &Lease{accountID: accountID, id: uuid.NewString()}, nil
	case <-time.After(timeout):
		return nil, ErrBusy
	}
}

// ReleaseLock is idempotent: releasing an already-released or stale lease
// is a no-op.
func (m *Manager) ReleaseLock(lease *Lease) {
	if lease == nil {
		return
	}
	lease.mu.Lock()
	defer lease.mu.Unlock()
	if lease.released {
		return
	}
	lease.released = true

	s := m.stateFor(lease.accountID)
	s.lockCh <- struct{}{}
}

// CanExecuteTrade runs the §4.2 ordered gate. The caller MUST already hold
// the account's lock (via AcquireLock) so the duplicate-set read happens
// under exclusion.
func (m *Manager) CanExecuteTrade(accountID, fingerprint string, now time.Time) Decision {
	s := m.stateFor(accountID)
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	rolloverLocked(s, now)
	m.evictExpiredLocked(s, now)

	if _, dup := s.fingerprints[fingerprint]; dup {
		return Decision{Allowed: false, Reason: ReasonDuplicate}
	}
	if m.cal != nil && !m.cal.IsOpen(now).Open {
		return Decision{Allowed: false, Reason: ReasonOutsideHours}
	}
	if s.tradeCount >= m.cfg.MaxTradesPerDay {
		return Decision{Allowed: false, Reason: ReasonMaxTrades}
	}
	if s.totalLoss >= m.cfg.MaxDailyLossUSD {
		return Decision{Allowed: false, Reason: ReasonMaxLoss}
	}
	if !s.lastTradeTime.IsZero() && now.Sub(s.lastTradeTime) < time.Duration(m.cfg.CooldownSeconds)*time.Second {
		return Decision{Allowed: false, Reason: ReasonCooldown}
	}

	return Decision{Allowed: true}
}

// RecordTrade increments the trade counter, stamps lastTradeTime, and
// inserts the fingerprint. Must be called after bracket success/partial and
// before ReleaseLock.
func (m *Manager) RecordTrade(accountID, fingerprint string, now time.Time) {
	s := m.stateFor(accountID)
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	rolloverLocked(s, now)
	s.tradeCount++
	s.lastTradeTime = now
	if _, exists := s.fingerprints[fingerprint]; !exists {
		s.fingerprintLRU = append(s.fingerprintLRU, fingerprint)
	}
	s.fingerprints[fingerprint] = now.Add(m.cfg.FingerprintTTL)
	m.evictExpiredLocked(s, now)
}

// UpdatePnL applies a signed delta to the account's daily P/L accumulators:
// positive deltas accumulate into totalProfit, negative into totalLoss.
func (m *Manager) UpdatePnL(accountID string, delta float64, now time.Time) {
	s := m.stateFor(accountID)
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	rolloverLocked(s, now)
	if delta >= 0 {
		s.totalProfit += delta
	} else {
		s.totalLoss += -delta
	}
}

// GetDailyStats returns a snapshot copy of the account's current counters.
func (m *Manager) GetDailyStats(accountID string, now time.Time) DailyStats {
	s := m.stateFor(accountID)
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	rolloverLocked(s, now)
	return DailyStats{
		Date:          s.date,
		TradeCount:    s.tradeCount,
		TotalProfit:   s.totalProfit,
		TotalLoss:     s.totalLoss,
		LastTradeTime: s.lastTradeTime,
	}
}

// EvictExpiredFingerprints is invoked periodically (see cmd/server's cron
// sweep) to bound memory for accounts that receive webhooks rarely enough
// that CanExecuteTrade/RecordTrade would not otherwise trigger eviction.
func (m *Manager) EvictExpiredFingerprints(now time.Time) {
	m.mu.Lock()
	states := make([]*accountState, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, s := range states {
		s.dataMu.Lock()
		m.evictExpiredLocked(s, now)
		s.dataMu.Unlock()
	}
}
