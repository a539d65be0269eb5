package webhook

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/mnq-gateway/internal/accounts"
	"github.com/aristath/mnq-gateway/internal/alertlog"
	"github.com/aristath/mnq-gateway/internal/broker"
	"github.com/aristath/mnq-gateway/internal/marketcalendar"
	"github.com/aristath/mnq-gateway/internal/risk"
)

// defaultQty is the contract size placed per signal. The gateway trades a
// single fixed size per account; position scaling is a non-goal (§1).
const defaultQty = 1

// Config tunes the processor's own knobs, independent of risk.Config (which
// the caller wires directly into risk.NewManager).
type Config struct {
	LockTimeout time.Duration
}

// DefaultConfig mirrors risk.DefaultConfig's lock timeout so the two stay
// in lockstep unless a caller deliberately overrides one.
func DefaultConfig() Config {
	return Config{LockTimeout: 5 * time.Second}
}

// Processor wires the Account Registry, Risk Manager, Broker factory,
// Market Calendar, and Alert Log together into the single request pipeline
// described in §4.4: PARSE -> AUTH -> VALIDATE -> CLOSE-BRANCH |
// ENTRY-BRANCH. internal/server owns HTTP transport; Processor owns
// everything after the body is decoded.
type Processor struct {
	cfg      Config
	accounts *accounts.Registry
	risk     *risk.Manager
	brokers  *broker.Factory
	cal      *marketcalendar.Calendar
	alerts   *alertlog.Store
	log      zerolog.Logger
}

// New builds a Processor from its already-constructed dependencies.
func New(cfg Config, reg *accounts.Registry, riskMgr *risk.Manager, brokers *broker.Factory, cal *marketcalendar.Calendar, alerts *alertlog.Store, log zerolog.Logger) *Processor {
	def := DefaultConfig()
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	return &Processor{
		cfg:      cfg,
		accounts: reg,
		risk:     riskMgr,
		brokers:  brokers,
		cal:      cal,
		alerts:   alerts,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// authResult bundles the resolved account with the HTTP status its
// resolution failure (if any) maps to.
type authResult struct {
	account    accounts.Account
	statusCode int
	err        error
}

// authenticate performs AUTH (§4.4 step 2). A failure here is never
// alerted: there is no reliably-attributable account to log it against,
// and an unauthenticated caller probing for valid secrets should not be
// able to make the gateway write audit rows on their behalf.
func (p *Processor) authenticate(secret, explicitAccountID string) authResult {
	acc, err := p.accounts.Resolve(secret, explicitAccountID)
	if err == nil {
		return authResult{account: acc}
	}
	switch err {
	case accounts.ErrNotFound:
		return authResult{statusCode: 404, err: err}
	case accounts.ErrDisabled:
		return authResult{statusCode: 403, err: err}
	default:
		return authResult{statusCode: 401, err: err}
	}
}

// validate performs VALIDATE (§4.4 step 3): action shape and stop/tp
// sanity. Unlike AUTH failures, validation failures against an
// authenticated account ARE alerted (§7) — the caller is known, and a bad
// payload from a known strategy is worth a record for later debugging.
func validate(p Payload) error {
	action := strings.ToLower(p.Action)
	switch action {
	case "close", "close_all":
		return nil
	case "buy", "sell":
	default:
		return fmt.Errorf("unrecognized action %q", p.Action)
	}
	if p.Stop == nil || p.TP == nil {
		return fmt.Errorf("action %q requires both stop and tp", action)
	}
	for _, v := range []float64{*p.Stop, *p.TP} {
		if math.IsNaN(v) {
			return fmt.Errorf("price is NaN")
		}
		if v <= 0 {
			return fmt.Errorf("price %.2f must be positive", v)
		}
		if v < mnqSaneRange[0] || v > mnqSaneRange[1] {
			return fmt.Errorf("price %.2f outside sane range [%.0f, %.0f]", v, mnqSaneRange[0], mnqSaneRange[1])
		}
	}
	if *p.Stop == *p.TP {
		return fmt.Errorf("stop and tp must differ")
	}
	// A bracket only protects the position if the stop sits on the losing
	// side and the take-profit on the winning side of entry: below both for
	// a long, above both for a short. An inverted bracket is rejected before
	// any broker call rather than trusted to the upstream gateway.
	if action == "buy" && *p.Stop >= *p.TP {
		return fmt.Errorf("buy requires stop < tp, got stop=%.2f tp=%.2f", *p.Stop, *p.TP)
	}
	if action == "sell" && *p.Stop <= *p.TP {
		return fmt.Errorf("sell requires stop > tp, got stop=%.2f tp=%.2f", *p.Stop, *p.TP)
	}
	return nil
}

// Process runs the full pipeline for one inbound webhook and returns the
// HTTP-ready Outcome. now is threaded through explicitly so tests can
// control day-rollover and session-bucket behavior deterministically.
func (p *Processor) Process(ctx context.Context, payload Payload, now time.Time) Outcome {
	auth := p.authenticate(payload.Secret, payload.Account)
	if auth.err != nil {
		return Outcome{StatusCode: auth.statusCode, Error: auth.err.Error()}
	}
	acc := auth.account

	if err := validate(payload); err != nil {
		p.saveAlert(payload, acc.ID, alertlog.StatusFailed, err.Error())
		return Outcome{StatusCode: 400, Account: acc.ID, Error: err.Error()}
	}

	action := strings.ToLower(payload.Action)
	if action == "close" || action == "close_all" {
		return p.close(ctx, acc, payload)
	}
	return p.enter(ctx, acc, payload, now)
}

// ProcessDryRun runs the same PARSE->AUTH->VALIDATE pipeline as Process,
// plus the risk gate check and position reconciliation read for buy/sell
// signals, but stops short of CloseAllPositions/PlaceBracketOrder: it is
// the pipeline used by POST /trading/webhook/test (§6) to let strategy
// authors validate payload shape and secret routing without placing a
// real order. Each stage's pass/fail is reported independently rather
// than collapsing to a single Outcome.
func (p *Processor) ProcessDryRun(ctx context.Context, payload Payload, now time.Time) DryRunResult {
	out := DryRunResult{Action: payload.Action}

	auth := p.authenticate(payload.Secret, payload.Account)
	if auth.err != nil {
		out.Auth = StepResult{Error: auth.err.Error()}
		return out
	}
	out.Auth = StepResult{Passed: true}
	acc := auth.account
	out.Account = acc.ID

	if err := validate(payload); err != nil {
		out.Validate = StepResult{Error: err.Error()}
		return out
	}
	out.Validate = StepResult{Passed: true}

	action := strings.ToLower(payload.Action)
	if action == "close" || action == "close_all" {
		return out
	}

	fingerprint := riskFingerprint(acc.ID, payload, now)
	decision := p.risk.CanExecuteTrade(acc.ID, fingerprint, now)
	if !decision.Allowed {
		out.RiskGate = &StepResult{Error: string(decision.Reason)}
		return out
	}
	out.RiskGate = &StepResult{Passed: true}

	side, _ := broker.ParseSide(payload.Action)
	symbol := payload.symbolOrDefault()
	client := p.brokers.For(acc)
	recon := p.reconcile(ctx, client, symbol, side)
	out.Reconciliation = &recon
	return out
}

// RecordParseFailure writes a failed alert for a webhook body that could
// not be decoded as JSON (§4.4 PARSE). The action is recorded as
// "unknown" since a body that never parsed has no action to attribute
// the failure to.
func (p *Processor) RecordParseFailure(err error) {
	p.alerts.Save(alertlog.Record{
		Action:   "unknown",
		Status:   alertlog.StatusFailed,
		ErrorMsg: err.Error(),
	})
}

func (p *Processor) close(ctx context.Context, acc accounts.Account, payload Payload) Outcome {
	client := p.brokers.For(acc)
	result, err := client.CloseAllPositions(ctx, payload.symbolOrDefault())
	if err != nil {
		p.saveAlert(payload, acc.ID, alertlog.StatusFailed, err.Error())
		return Outcome{StatusCode: 500, Account: acc.ID, Error: err.Error()}
	}
	if len(result.Errors) > 0 {
		msg := strings.Join(result.Errors, "; ")
		status := alertlog.StatusFailed
		if result.Closed > 0 {
			status = alertlog.StatusSuccess
		}
		p.saveAlert(payload, acc.ID, status, msg)
		return Outcome{StatusCode: 200, Account: acc.ID, Partial: true, Warning: msg, Action: "close"}
	}
	p.saveAlert(payload, acc.ID, alertlog.StatusSuccess, "")
	return Outcome{StatusCode: 200, Success: true, Account: acc.ID, Action: "close"}
}

// enter runs the risk gate, position reconciliation, and bracket order
// placement for a buy/sell signal (§4.4 ENTRY-BRANCH, §5 sequencing).
func (p *Processor) enter(ctx context.Context, acc accounts.Account, payload Payload, now time.Time) Outcome {
	lease, err := p.risk.AcquireLock(acc.ID, p.cfg.LockTimeout)
	if err != nil {
		return Outcome{StatusCode: 503, Account: acc.ID, Error: err.Error()}
	}
	defer p.risk.ReleaseLock(lease)

	fingerprint := riskFingerprint(acc.ID, payload, now)
	decision := p.risk.CanExecuteTrade(acc.ID, fingerprint, now)
	if !decision.Allowed {
		p.saveAlert(payload, acc.ID, alertlog.StatusBlocked, string(decision.Reason))
		return Outcome{
			StatusCode: 403,
			Account:    acc.ID,
			Reason:     string(decision.Reason),
			DailyStats: statsView(p.risk.GetDailyStats(acc.ID, now)),
		}
	}

	side, _ := broker.ParseSide(payload.Action)
	symbol := payload.symbolOrDefault()
	client := p.brokers.For(acc)

	recon := p.reconcile(ctx, client, symbol, side)

	if recon.Decision == DecisionSkip {
		p.saveAlert(payload, acc.ID, alertlog.StatusSkipped, "already positioned "+recon.CurrentSide)
		return Outcome{
			StatusCode:     200,
			Skipped:        true,
			Account:        acc.ID,
			Action:         payload.Action,
			Reason:         "already positioned " + recon.CurrentSide,
			Reconciliation: recon,
			DailyStats:     statsView(p.risk.GetDailyStats(acc.ID, now)),
		}
	}

	if recon.Decision == DecisionReverse {
		closeResult, err := client.CloseAllPositions(ctx, symbol)
		if err != nil || len(closeResult.Errors) > 0 {
			msg := "reversal flatten failed"
			if err != nil {
				msg = err.Error()
			} else {
				msg = strings.Join(closeResult.Errors, "; ")
			}
			p.saveAlertPrices(payload, acc.ID, alertlog.StatusFailed, msg)
			return Outcome{
				StatusCode:        500,
				Account:           acc.ID,
				Error:             msg,
				AttemptedReversal: true,
				Reconciliation:    recon,
			}
		}
		awaitFlat(ctx, client, symbol)
	}

	// The reversal above already flattened the prior side; PlaceBracketOrder
	// must not redo that cleanup against a position that no longer exists.
	skipCleanup := recon.Decision == DecisionReverse
	result, err := client.PlaceBracketOrder(ctx, symbol, side, *payload.Stop, *payload.TP, defaultQty, skipCleanup)
	if err != nil {
		return p.handleBracketError(payload, acc, recon, err)
	}

	p.risk.RecordTrade(acc.ID, fingerprint, now)

	out := Outcome{
		StatusCode:     200,
		Success:        true,
		Account:        acc.ID,
		Action:         payload.Action,
		Entry:          legView(result.Entry),
		StopLoss:       legView(result.StopLoss),
		TakeProfit:     legView(result.TakeProfit),
		Reconciliation: recon,
		DailyStats:     statsView(p.risk.GetDailyStats(acc.ID, now)),
	}

	if result.Partial {
		out.Partial = true
		out.Warning = result.Warning
		out.TPError = result.TakeProfit.Error
		p.saveAlertPrices(payload, acc.ID, alertlog.StatusPartial, result.Warning)
		return out
	}

	p.saveAlertPrices(payload, acc.ID, alertlog.StatusSuccess, "")
	return out
}

// reversalSettleBackoff is the adaptive re-poll schedule used to wait for a
// reversal's flatten to actually clear before the new bracket is placed:
// the upstream broker's fill confirmation can lag its order-ack response by
// a beat, and entering against a stale non-flat read risks a doubled size.
var reversalSettleBackoff = []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 400 * time.Millisecond}

// awaitFlat polls positions after a reversal's flatten until the net size
// reaches zero or the backoff schedule is exhausted. It never errors: if
// the position still isn't flat after the budget, PlaceBracketOrder proceeds
// anyway, and since a reversal skips its pre-entry cleanup, nothing checks
// the position again before the new entry.
func awaitFlat(ctx context.Context, client *broker.Client, symbol string) {
	for _, d := range reversalSettleBackoff {
		positions, err := client.GetPositions(ctx, symbol)
		if err == nil {
			var net float64
			for _, pos := range positions {
				net += pos.NetSize
			}
			if net == 0 {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// reconcile answers §4.4 step 4: given the account's current broker-side
// position, decide whether the signal should execute as a plain entry, a
// skip (already positioned the same way), or a reversal (flatten first,
// then enter). enter() is responsible for acting on DecisionReverse by
// flattening before the bracket order is placed.
func (p *Processor) reconcile(ctx context.Context, client *broker.Client, symbol string, side broker.Side) PositionReconciliation {
	positions, err := client.GetPositions(ctx, symbol)
	if err != nil {
		// Position API unavailable or failing: proceed conservatively,
		// letting PlaceBracketOrder's own cleanup handle whatever is there.
		return PositionReconciliation{PositionAPIAvailable: false, IntendedSide: side.String(), Decision: DecisionExecute}
	}

	var net float64
	for _, pos := range positions {
		net += pos.NetSize
	}

	current := "flat"
	switch {
	case net > 0:
		current = "long"
	case net < 0:
		current = "short"
	}
	intended := "long"
	if side == broker.SideSell {
		intended = "short"
	}

	recon := PositionReconciliation{
		PositionAPIAvailable: true,
		CurrentSide:          current,
		IntendedSide:         intended,
		Decision:             DecisionExecute,
	}
	if current == intended {
		recon.Decision = DecisionSkip
	} else if current != "flat" {
		recon.Decision = DecisionReverse
		recon.WasReversal = true
	}
	return recon
}

// handleBracketError classifies a PlaceBracketOrder failure per §7. The
// unprotected-position case is the single most severe outcome the gateway
// can produce and is reported distinctly so an operator can intervene
// manually rather than mistaking it for an ordinary failed trade.
func (p *Processor) handleBracketError(payload Payload, acc accounts.Account, recon PositionReconciliation, err error) Outcome {
	switch {
	case errors.Is(err, broker.ErrUnprotectedPosition):
		p.saveAlertPrices(payload, acc.ID, alertlog.StatusFailed, err.Error())
		return Outcome{
			StatusCode:     500,
			Account:        acc.ID,
			Action:         "MANUAL_INTERVENTION_REQUIRED",
			Critical:       true,
			Error:          err.Error(),
			ManualAction:   "position entered with no stop-loss in place; close or protect it manually immediately",
			Reconciliation: recon,
		}
	case errors.Is(err, broker.ErrCleanupIncomplete):
		p.saveAlertPrices(payload, acc.ID, alertlog.StatusFailed, err.Error())
		return Outcome{
			StatusCode:        500,
			Account:           acc.ID,
			Error:             err.Error(),
			AttemptedReversal: recon.WasReversal,
			Reconciliation:    recon,
		}
	default:
		p.saveAlertPrices(payload, acc.ID, alertlog.StatusFailed, err.Error())
		return Outcome{
			StatusCode:     500,
			Account:        acc.ID,
			Error:          err.Error(),
			Reconciliation: recon,
		}
	}
}

func riskFingerprint(accountID string, payload Payload, now time.Time) string {
	var stop, tp float64
	if payload.Stop != nil {
		stop = *payload.Stop
	}
	if payload.TP != nil {
		tp = *payload.TP
	}
	return risk.GenerateWebhookID(risk.WebhookFields{
		AccountID: accountID,
		Action:    payload.Action,
		Stop:      stop,
		TP:        tp,
	}, now)
}

func legView(l broker.OrderLeg) LegView {
	return LegView{OrderID: l.OrderID, Price: l.Price, Failed: l.Failed, Error: l.Error}
}

func statsView(s risk.DailyStats) StatsView {
	return StatsView{Date: s.Date, TradesToday: s.TradeCount, TotalProfit: s.TotalProfit, TotalLoss: s.TotalLoss}
}

func (p *Processor) saveAlert(payload Payload, accountID string, status alertlog.Status, errMsg string) {
	p.alerts.Save(alertlog.Record{
		Action:   payload.Action,
		Symbol:   payload.symbolOrDefault(),
		Account:  accountID,
		Status:   status,
		ErrorMsg: errMsg,
	})
}

func (p *Processor) saveAlertPrices(payload Payload, accountID string, status alertlog.Status, errMsg string) {
	p.alerts.Save(alertlog.Record{
		Action:    payload.Action,
		Symbol:    payload.symbolOrDefault(),
		Account:   accountID,
		Status:    status,
		StopPrice: payload.Stop,
		TPPrice:   payload.TP,
		ErrorMsg:  errMsg,
	})
}

// Status reports a best-effort connectivity snapshot for every enabled
// account, used by GET /trading/status.
func (p *Processor) Status(ctx context.Context) map[string]broker.AccountStatus {
	out := make(map[string]broker.AccountStatus)
	for _, acc := range p.accounts.ListEnabled() {
		client := p.brokers.For(acc)
		out[acc.ID] = client.GetAccountStatus(ctx)
	}
	return out
}

// MarketOpen reports whether the configured futures session is currently
// open, used by GET /trading/status.
func (p *Processor) MarketOpen(now time.Time) marketcalendar.Status {
	if p.cal == nil {
		return marketcalendar.Status{Open: true}
	}
	return p.cal.IsOpen(now)
}

// AlertLogHealth reports whether the alert log's backing database is
// reachable and passes its integrity check, used by GET /trading/status
// and GET /health.
func (p *Processor) AlertLogHealth(ctx context.Context) error {
	return p.alerts.HealthCheck(ctx)
}
