package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/mnq-gateway/internal/accounts"
	"github.com/aristath/mnq-gateway/internal/alertlog"
	"github.com/aristath/mnq-gateway/internal/broker"
	"github.com/aristath/mnq-gateway/internal/risk"
)

func testLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func ptr(f float64) *float64 { return &f }

func newTestProcessor(t *testing.T, upstream *httptest.Server) (*Processor, *accounts.Registry) {
	t.Helper()
	t.Setenv("PROJECTX_USERNAME", "")
	t.Setenv("PROJECTX_API_KEY", "")
	reg := mustRegistry(t, upstream.URL)

	riskMgr := risk.NewManager(risk.Config{MaxTradesPerDay: 10, MaxDailyLossUSD: 1000, CooldownSeconds: 0}, nil, testLog())
	brokers := broker.NewFactory(broker.SchemeA, testLog())
	alerts := alertlog.Open("", testLog())
	t.Cleanup(alerts.Close)

	p := New(Config{LockTimeout: time.Second}, reg, riskMgr, brokers, nil, alerts, testLog())
	return p, reg
}

// mustRegistry builds a one-account registry through the normal env-var
// discovery path (accounts.Registry exposes no test-only constructor).
func mustRegistry(t *testing.T, baseURL string) *accounts.Registry {
	t.Helper()
	t.Setenv("ACCOUNT_MAIN_BROKER", "topstepx")
	t.Setenv("ACCOUNT_MAIN_USERNAME", "trader")
	t.Setenv("ACCOUNT_MAIN_API_KEY", "key")
	t.Setenv("ACCOUNT_MAIN_ACCOUNT_ID", "7")
	t.Setenv("ACCOUNT_MAIN_BASE_URL", baseURL)
	t.Setenv("ACCOUNT_MAIN_WEBHOOK_SECRET", "s3cr3t")
	reg, err := accounts.Load(testLog())
	require.NoError(t, err)
	return reg
}

func flatUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/loginKey":
			json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "expiresInSeconds": 3600})
		case "/Position/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"positions": []interface{}{}})
		case "/Order/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"orders": []interface{}{}})
		case "/Contract/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"contracts": []map[string]string{{"id": "c1", "name": "MNQ Dec25"}},
			})
		case "/Order/place":
			json.NewEncoder(w).Encode(map[string]string{"orderId": "o-" + r.Method})
		default:
			t.Fatalf("unexpected call to %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestProcess_RejectsBadSecret(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.Process(context.Background(), Payload{Secret: "wrong", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, time.Now())
	assert.Equal(t, 401, out.StatusCode)
}

func TestProcess_RejectsMissingStopTP(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "buy"}, time.Now())
	assert.Equal(t, 400, out.StatusCode)
}

func TestProcess_RejectsOutOfRangePrice(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(1), TP: ptr(2)}, time.Now())
	assert.Equal(t, 400, out.StatusCode)
}

func TestProcess_SuccessfulEntryPlacesBracketAndRecordsTrade(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)
	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, now)

	require.Equal(t, 200, out.StatusCode)
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.Entry.OrderID)
	assert.Equal(t, 1, out.DailyStats.TradesToday)
}

func TestProcess_DuplicateSignalIsRejectedByRiskGate(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)
	payload := Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}

	first := p.Process(context.Background(), payload, now)
	require.Equal(t, 200, first.StatusCode)

	second := p.Process(context.Background(), payload, now)
	assert.Equal(t, 403, second.StatusCode)
	assert.Equal(t, string(risk.ReasonDuplicate), second.Reason)
}

func TestProcess_UnprotectedPositionIsCriticalAndNotRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/loginKey":
			json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "expiresInSeconds": 3600})
		case "/Position/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"positions": []interface{}{}})
		case "/Order/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"orders": []interface{}{}})
		case "/Contract/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"contracts": []map[string]string{{"id": "c1", "name": "MNQ Dec25"}},
			})
		case "/Order/place":
			var req map[string]interface{}
			json.NewDecoder(r.Body).Decode(&req)
			if int(req["type"].(float64)) == 4 { // stop
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"orderId": "o1"})
		}
	}))
	t.Cleanup(server.Close)

	p, _ := newTestProcessor(t, server)
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)
	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, now)

	require.Equal(t, 500, out.StatusCode)
	assert.True(t, out.Critical)
	assert.NotEmpty(t, out.ManualAction)

	// A failed entry must not count against the daily trade limit.
	stats := p.risk.GetDailyStats("main", now)
	assert.Equal(t, 0, stats.TradeCount)
}

func TestProcess_SkipsWhenAlreadyPositionedSameDirection(t *testing.T) {
	var placedOrder bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/loginKey":
			json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "expiresInSeconds": 3600})
		case "/Position/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"positions": []map[string]interface{}{{"netPos": 1, "contractName": "MNQ"}},
			})
		case "/Order/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"orders": []interface{}{}})
		case "/Contract/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"contracts": []map[string]string{{"id": "c1", "name": "MNQ Dec25"}},
			})
		case "/Order/place":
			placedOrder = true
			json.NewEncoder(w).Encode(map[string]string{"orderId": "o1"})
		default:
			t.Fatalf("unexpected call to %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)

	p, _ := newTestProcessor(t, server)
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)
	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, now)

	require.Equal(t, 200, out.StatusCode)
	assert.True(t, out.Skipped)
	assert.Equal(t, "long", out.Reconciliation.CurrentSide)
	assert.Equal(t, DecisionSkip, out.Reconciliation.Decision)
	assert.False(t, placedOrder, "PlaceBracketOrder must not be called when already positioned the same way")

	stats := p.risk.GetDailyStats("main", now)
	assert.Equal(t, 0, stats.TradeCount, "a skipped signal must not be recorded as a trade")
}

func TestProcess_ReversesWhenPositionedOppositeDirection(t *testing.T) {
	var orderPlacements int
	var flattened bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/loginKey":
			json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "expiresInSeconds": 3600})
		case "/Position/search":
			if flattened {
				json.NewEncoder(w).Encode(map[string]interface{}{"positions": []interface{}{}})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"positions": []map[string]interface{}{{"netPos": -1, "contractName": "MNQ"}},
			})
		case "/Order/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"orders": []interface{}{}})
		case "/Contract/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"contracts": []map[string]string{{"id": "c1", "name": "MNQ Dec25"}},
			})
		case "/Order/place":
			orderPlacements++
			if orderPlacements == 1 {
				flattened = true // the reversal's own flattening market order
			}
			json.NewEncoder(w).Encode(map[string]string{"orderId": "o1"})
		default:
			t.Fatalf("unexpected call to %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)

	p, _ := newTestProcessor(t, server)
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)
	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, now)

	require.Equal(t, 200, out.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, "short", out.Reconciliation.CurrentSide)
	assert.Equal(t, DecisionReverse, out.Reconciliation.Decision)
	assert.True(t, out.Reconciliation.WasReversal)
	// Flatten-the-short market order, entry, stop, and take-profit: four
	// separate /Order/place calls for one reversed signal.
	assert.Equal(t, 4, orderPlacements)
}

func TestProcess_CloseActionFlattensPositions(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.Process(context.Background(), Payload{Secret: "s3cr3t", Action: "close"}, time.Now())
	require.Equal(t, 200, out.StatusCode)
	assert.True(t, out.Success)
}

func TestProcessDryRun_NeverPlacesAnOrder(t *testing.T) {
	var placedOrder bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Auth/loginKey":
			json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok", "expiresInSeconds": 3600})
		case "/Position/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"positions": []interface{}{}})
		case "/Order/search":
			json.NewEncoder(w).Encode(map[string]interface{}{"orders": []interface{}{}})
		case "/Contract/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"contracts": []map[string]string{{"id": "c1", "name": "MNQ Dec25"}},
			})
		case "/Order/place":
			placedOrder = true
			json.NewEncoder(w).Encode(map[string]string{"orderId": "o1"})
		default:
			t.Fatalf("unexpected call to %s", r.URL.Path)
		}
	}))
	t.Cleanup(upstream.Close)

	p, _ := newTestProcessor(t, upstream)
	now := time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC)
	out := p.ProcessDryRun(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, now)

	assert.True(t, out.Auth.Passed)
	assert.True(t, out.Validate.Passed)
	require.NotNil(t, out.RiskGate)
	assert.True(t, out.RiskGate.Passed)
	require.NotNil(t, out.Reconciliation)
	assert.Equal(t, DecisionExecute, out.Reconciliation.Decision)
	assert.False(t, placedOrder, "a dry run must never place an order")

	stats := p.risk.GetDailyStats("main", now)
	assert.Equal(t, 0, stats.TradeCount, "a dry run must not consume the daily trade count")
}

func TestProcessDryRun_StopsAtAuthOnBadSecret(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.ProcessDryRun(context.Background(), Payload{Secret: "wrong", Action: "buy", Stop: ptr(21000), TP: ptr(21500)}, time.Now())
	assert.False(t, out.Auth.Passed)
	assert.NotEmpty(t, out.Auth.Error)
}

func TestProcessDryRun_StopsAtValidateOnBadPrice(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.ProcessDryRun(context.Background(), Payload{Secret: "s3cr3t", Action: "buy", Stop: ptr(1), TP: ptr(2)}, time.Now())
	assert.True(t, out.Auth.Passed)
	assert.False(t, out.Validate.Passed)
	assert.Nil(t, out.RiskGate)
}

func TestProcessDryRun_CloseActionStopsAfterValidate(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	out := p.ProcessDryRun(context.Background(), Payload{Secret: "s3cr3t", Action: "close"}, time.Now())
	assert.True(t, out.Auth.Passed)
	assert.True(t, out.Validate.Passed)
	assert.Nil(t, out.RiskGate)
	assert.Nil(t, out.Reconciliation)
}

func TestRecordParseFailure_WritesFailedUnknownActionAlert(t *testing.T) {
	upstream := flatUpstream(t)
	p, _ := newTestProcessor(t, upstream)

	p.RecordParseFailure(assert.AnError)

	var rec alertlog.Record
	require.Eventually(t, func() bool {
		recs := p.alerts.ListToday()
		for _, r := range recs {
			if r.Action == "unknown" {
				rec = r
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, alertlog.StatusFailed, rec.Status)
	assert.Equal(t, assert.AnError.Error(), rec.ErrorMsg)
}
