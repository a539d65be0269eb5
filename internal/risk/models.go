// Package risk implements per-account mutual exclusion, idempotency,
// daily counters, and the trading-window gate described in §4.2: one
// instance of Manager is shared by every inbound webhook request.
package risk

import "time"

// Reason is a machine-readable rejection reason returned by CanExecuteTrade.
type Reason string

const (
	ReasonDuplicate     Reason = "duplicate"
	ReasonOutsideHours  Reason = "outside-hours"
	ReasonMaxTrades     Reason = "max-trades"
	ReasonMaxLoss       Reason = "max-loss"
	ReasonCooldown      Reason = "cooldown"
)

// Decision is the result of CanExecuteTrade.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// DailyStats is an immutable snapshot of one account's per-day counters.
type DailyStats struct {
	Date          string    `json:"date"`
	TradeCount    int       `json:"tradeCount"`
	TotalProfit   float64   `json:"totalProfit"`
	TotalLoss     float64   `json:"totalLoss"`
	LastTradeTime time.Time `json:"lastTradeTime"`
}

// Config holds the tunable risk limits. NewManager replaces a zero
// LockTimeout, FingerprintTTL or FingerprintRing with DefaultConfig's
// value; the three daily limits are used as given, zero included.
type Config struct {
	MaxTradesPerDay  int
	MaxDailyLossUSD  float64
	CooldownSeconds  int
	LockTimeout      time.Duration
	FingerprintTTL   time.Duration
	FingerprintRing  int
}

// DefaultConfig returns the spec's §4.2/§5 default limits.
func DefaultConfig() Config {
	return Config{
		MaxTradesPerDay: 8,
		MaxDailyLossUSD: 400,
		CooldownSeconds: 60,
		LockTimeout:     5 * time.Second,
		FingerprintTTL:  10 * time.Minute,
		FingerprintRing: 128,
	}
}
