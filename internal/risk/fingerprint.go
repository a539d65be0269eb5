package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// WebhookFields is the subset of the webhook payload that participates in
// fingerprint generation.
type WebhookFields struct {
	AccountID string
	Action    string
	Stop      float64
	TP        float64
}

// GenerateWebhookID produces the §3 idempotency fingerprint: a digest of
// (account-id, action, rounded(stop, 2), rounded(tp, 2), floor(now/10s)).
// Two payloads with identical routing fields landing in the same 10-second
// bucket collide on purpose, suppressing upstream chart-system retries.
func GenerateWebhookID(f WebhookFields, now time.Time) string {
	bucket := now.Unix() / 10

	normalized := fmt.Sprintf("%s|%s|%.2f|%.2f|%d",
		strings.ToLower(f.AccountID),
		strings.ToLower(f.Action),
		round2(f.Stop),
		round2(f.TP),
		bucket,
	)

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
