package accounts

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Registry resolves webhook secrets to account descriptors. It is built
// once at process start from environment variables and is read-only to
// callers afterward; reloading (if ever needed) is a process-level action,
// never a per-request one.
type Registry struct {
	byID     map[string]Account
	bySecret map[string]string // webhookSecret -> account id
	legacyID string            // id of the legacy single-account entry, if any
}

// Load discovers accounts from the environment following the two patterns
// described in the spec: a legacy single-account form and a multi-account
// ACCOUNT_<ID>_<FIELD> form. Accounts missing username or apiKey are logged
// and skipped rather than causing Load to fail.
func Load(log zerolog.Logger) (*Registry, error) {
	log = log.With().Str("component", "accounts").Logger()

	r := &Registry{
		byID:     make(map[string]Account),
		bySecret: make(map[string]string),
	}

	if legacy, ok := loadLegacyAccount(); ok {
		if legacy.Credentials.Username == "" || legacy.Credentials.APIKey == "" {
			log.Warn().Str("account", legacy.ID).Msg("legacy account missing username or apiKey, skipping")
		} else {
			r.addAccount(legacy, log)
			r.legacyID = legacy.ID
		}
	}

	multi := discoverMultiAccounts()
	ids := make([]string, 0, len(multi))
	for id := range multi {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		acc := multi[id]
		if acc.Credentials.Username == "" || acc.Credentials.APIKey == "" {
			log.Warn().Str("account", id).Msg("account missing username or apiKey, skipping")
			continue
		}
		r.addAccount(acc, log)
	}

	log.Info().Int("accounts", len(r.byID)).Msg("account registry loaded")
	return r, nil
}

func (r *Registry) addAccount(acc Account, log zerolog.Logger) {
	if _, exists := r.byID[acc.ID]; exists {
		log.Warn().Str("account", acc.ID).Msg("duplicate account id, overwriting previous entry")
	}
	if acc.WebhookSecret != "" {
		if other, exists := r.bySecret[acc.WebhookSecret]; exists && other != acc.ID {
			log.Warn().Str("account", acc.ID).Str("conflicts_with", other).
				Msg("webhookSecret already bound to a different account; keeping the first binding")
		} else {
			r.bySecret[acc.WebhookSecret] = acc.ID
		}
	}
	r.byID[acc.ID] = acc
}

func loadLegacyAccount() (Account, bool) {
	username := os.Getenv("PROJECTX_USERNAME")
	apiKey := os.Getenv("PROJECTX_API_KEY")
	if username == "" && apiKey == "" {
		return Account{}, false
	}
	return Account{
		ID:          "default",
		DisplayName: "Default Account",
		BrokerKind:  "topstepx",
		Enabled:     true,
		Credentials: Credentials{
			Username:          username,
			APIKey:            apiKey,
			UpstreamAccountID: os.Getenv("PROJECTX_ACCOUNT_ID"),
		},
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}, true
}

// discoverMultiAccounts scans the environment for ACCOUNT_<ID>_<FIELD> keys
// and groups them into Account descriptors.
func discoverMultiAccounts() map[string]Account {
	accountsByID := make(map[string]Account)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "ACCOUNT_") {
			continue
		}
		id, field, ok := splitAccountKey(key)
		if !ok {
			continue
		}
		idLower := strings.ToLower(id)

		acc, seen := accountsByID[idLower]
		acc.ID = idLower
		if acc.DisplayName == "" {
			acc.DisplayName = idLower
		}
		if acc.BrokerKind == "" {
			acc.BrokerKind = "topstepx"
		}
		if !seen {
			// default Enabled to true unless explicitly overridden below
			acc.Enabled = true
		}

		switch field {
		case "BROKER":
			acc.BrokerKind = strings.ToLower(value)
		case "NAME":
			acc.DisplayName = value
		case "USERNAME":
			acc.Credentials.Username = value
		case "API_KEY":
			acc.Credentials.APIKey = value
		case "ACCOUNT_ID":
			acc.Credentials.UpstreamAccountID = value
		case "BASE_URL":
			acc.Credentials.BaseURL = value
		case "ENABLED":
			if b, err := strconv.ParseBool(value); err == nil {
				acc.Enabled = b
			}
		case "WEBHOOK_SECRET":
			acc.WebhookSecret = value
		default:
			// unrecognized field, ignore
			accountsByID[idLower] = acc
			continue
		}

		accountsByID[idLower] = acc
	}

	return accountsByID
}

// splitAccountKey splits "ACCOUNT_<ID>_<FIELD>" into (id, field). FIELD is
// matched against the known suffixes so that account ids containing
// underscores are still handled correctly.
func splitAccountKey(key string) (id string, field string, ok bool) {
	rest := strings.TrimPrefix(key, "ACCOUNT_")
	knownFields := []string{
		"WEBHOOK_SECRET",
		"ACCOUNT_ID",
		"BASE_URL",
		"BROKER",
		"NAME",
		"USERNAME",
		"API_KEY",
		"ENABLED",
	}
	for _, f := range knownFields {
		suffix := "_" + f
		if strings.HasSuffix(rest, suffix) {
			id := strings.TrimSuffix(rest, suffix)
			if id == "" {
				continue
			}
			return id, f, true
		}
	}
	return "", "", false
}

// Resolve implements the §4.1 resolution order: an explicit id requires the
// stored webhookSecret (if any) to match; otherwise the secret is looked up
// directly, falling back to the legacy default account.
func (r *Registry) Resolve(secret string, explicitID string) (Account, error) {
	if explicitID != "" {
		acc, ok := r.byID[strings.ToLower(explicitID)]
		if !ok {
			return Account{}, ErrNotFound
		}
		if acc.WebhookSecret != "" && acc.WebhookSecret != secret {
			return Account{}, ErrUnauthorized
		}
		if !acc.Enabled {
			return Account{}, ErrDisabled
		}
		return acc, nil
	}

	if id, ok := r.bySecret[secret]; ok {
		acc := r.byID[id]
		if !acc.Enabled {
			return Account{}, ErrDisabled
		}
		return acc, nil
	}

	if r.legacyID != "" {
		acc := r.byID[r.legacyID]
		if acc.WebhookSecret != "" && acc.WebhookSecret == secret {
			if !acc.Enabled {
				return Account{}, ErrDisabled
			}
			return acc, nil
		}
	}

	return Account{}, ErrUnauthorized
}

// List returns every loaded account descriptor.
func (r *Registry) List() []Account {
	out := make([]Account, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEnabled returns only accounts with Enabled=true.
func (r *Registry) ListEnabled() []Account {
	all := r.List()
	out := make([]Account, 0, len(all))
	for _, a := range all {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Summary returns the non-sensitive projection of every loaded account.
func (r *Registry) Summary() []Summary {
	all := r.List()
	out := make([]Summary, 0, len(all))
	for _, a := range all {
		out = append(out, a.Summary())
	}
	return out
}
