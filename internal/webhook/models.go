// Package webhook implements the Webhook Processor described in §4.4: the
// orchestrator that parses, authenticates, validates, reconciles position,
// and executes a bracket order for a single inbound signal. It is the glue
// between internal/accounts, internal/risk, internal/broker,
// internal/marketcalendar, and internal/alertlog; internal/server exposes
// it over HTTP.
package webhook

// Payload is the parsed JSON body of a webhook POST.
type Payload struct {
	Secret  string   `json:"secret"`
	Action  string   `json:"action"`
	Symbol  string   `json:"symbol"`
	Stop    *float64 `json:"stop"`
	TP      *float64 `json:"tp"`
	Account string   `json:"account"`
}

// defaultSymbol is used whenever Payload.Symbol is empty.
const defaultSymbol = "MNQ"

// symbolOrDefault returns p.Symbol, defaulting to defaultSymbol.
func (p Payload) symbolOrDefault() string {
	if p.Symbol == "" {
		return defaultSymbol
	}
	return p.Symbol
}

// mnqSaneRange is the sanity range for stop/tp prices on the MNQ
// instrument (§4.4 VALIDATE). Other instruments are out of scope for this
// gateway (§1 non-goals), so one fixed range is sufficient.
var mnqSaneRange = [2]float64{10000, 50000}

// Decision is the outcome of position reconciliation (§4.4 step 4).
type Decision string

const (
	DecisionExecute Decision = "execute"
	DecisionSkip    Decision = "skip"
	DecisionReverse Decision = "reverse"
)

// PositionReconciliation summarizes step 4 for the HTTP response.
type PositionReconciliation struct {
	PositionAPIAvailable bool     `json:"positionApiAvailable"`
	CurrentSide          string   `json:"currentSide"`
	IntendedSide         string   `json:"intendedSide"`
	Decision             Decision `json:"decision"`
	WasReversal          bool     `json:"wasReversal"`
}

// Outcome is the fully composed result of ENTRY-BRANCH, independent of how
// internal/server renders it to HTTP. StatusCode is read by internal/server
// to set the HTTP response code and is not itself serialized.
type Outcome struct {
	StatusCode        int                    `json:"-"`
	Success           bool                   `json:"success"`
	Skipped           bool                   `json:"skipped,omitempty"`
	Partial           bool                   `json:"partial,omitempty"`
	Action            string                 `json:"action,omitempty"`
	Account           string                 `json:"account,omitempty"`
	Entry             LegView                `json:"entry,omitempty"`
	StopLoss          LegView                `json:"stopLoss,omitempty"`
	TakeProfit        LegView                `json:"takeProfit,omitempty"`
	Warning           string                 `json:"warning,omitempty"`
	TPError           string                 `json:"tpError,omitempty"`
	Reconciliation    PositionReconciliation `json:"positionReconciliation,omitempty"`
	DailyStats        StatsView              `json:"dailyStats,omitempty"`
	Reason            string                 `json:"reason,omitempty"` // risk-blocked / skip reason, machine readable
	Error             string                 `json:"error,omitempty"`
	Critical          bool                   `json:"critical,omitempty"`
	ManualAction      string                 `json:"manualAction,omitempty"`
	AttemptedReversal bool                   `json:"attemptedReversal,omitempty"`
}

// StepResult is one stage's pass/fail outcome in a DryRunResult.
type StepResult struct {
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// DryRunResult is the per-step report returned by Processor.ProcessDryRun
// for POST /trading/webhook/test (§6): AUTH and VALIDATE always run;
// RiskGate and Reconciliation only apply to buy/sell signals and are left
// nil for close/close_all, which stop after VALIDATE with nothing further
// to check before the (never-taken) order placement.
type DryRunResult struct {
	Account        string                  `json:"account,omitempty"`
	Action         string                  `json:"action,omitempty"`
	Auth           StepResult              `json:"auth"`
	Validate       StepResult              `json:"validate"`
	RiskGate       *StepResult             `json:"riskGate,omitempty"`
	Reconciliation *PositionReconciliation `json:"reconciliation,omitempty"`
}

// LegView is the HTTP-facing projection of one bracket leg.
type LegView struct {
	OrderID string  `json:"orderId,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Failed  bool    `json:"failed,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// StatsView is the HTTP-facing projection of risk.DailyStats.
type StatsView struct {
	Date        string  `json:"date"`
	TradesToday int     `json:"tradesExecuted"`
	TotalProfit float64 `json:"totalProfit"`
	TotalLoss   float64 `json:"totalLoss"`
}
