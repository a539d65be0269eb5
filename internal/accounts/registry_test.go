package accounts

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAccountEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := split2(kv)
		if key == "PROJECTX_USERNAME" || key == "PROJECTX_API_KEY" ||
			key == "PROJECTX_ACCOUNT_ID" || key == "WEBHOOK_SECRET" {
			os.Unsetenv(key)
		}
	}
}

func split2(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

func TestLoad_LegacyAccount(t *testing.T) {
	clearAccountEnv(t)
	t.Setenv("PROJECTX_USERNAME", "trader1")
	t.Setenv("PROJECTX_API_KEY", "key1")
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	reg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	acc, err := reg.Resolve("s3cret", "")
	require.NoError(t, err)
	assert.Equal(t, "default", acc.ID)
	assert.Equal(t, "trader1", acc.Credentials.Username)
}

func TestLoad_MultiAccountDiscovery(t *testing.T) {
	clearAccountEnv(t)
	t.Setenv("ACCOUNT_ALPHA_USERNAME", "alpha-user")
	t.Setenv("ACCOUNT_ALPHA_API_KEY", "alpha-key")
	t.Setenv("ACCOUNT_ALPHA_WEBHOOK_SECRET", "alpha-secret")
	t.Setenv("ACCOUNT_ALPHA_BROKER", "topstepx")
	t.Setenv("ACCOUNT_BETA_USERNAME", "beta-user")
	t.Setenv("ACCOUNT_BETA_API_KEY", "beta-key")
	t.Setenv("ACCOUNT_BETA_ENABLED", "false")

	reg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	alpha, err := reg.Resolve("alpha-secret", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", alpha.ID)

	_, err = reg.Resolve("", "beta")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestResolve_ExplicitIDRequiresMatchingSecret(t *testing.T) {
	clearAccountEnv(t)
	t.Setenv("ACCOUNT_ALPHA_USERNAME", "alpha-user")
	t.Setenv("ACCOUNT_ALPHA_API_KEY", "alpha-key")
	t.Setenv("ACCOUNT_ALPHA_WEBHOOK_SECRET", "alpha-secret")

	reg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	_, err = reg.Resolve("wrong-secret", "alpha")
	assert.ErrorIs(t, err, ErrUnauthorized)

	acc, err := reg.Resolve("alpha-secret", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", acc.ID)
}

func TestResolve_UnknownAccountAndSecret(t *testing.T) {
	clearAccountEnv(t)
	reg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	_, err = reg.Resolve("nope", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = reg.Resolve("nope", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_SkipsIncompleteAccounts(t *testing.T) {
	clearAccountEnv(t)
	t.Setenv("ACCOUNT_GAMMA_USERNAME", "gamma-user")
	// no API key set for gamma

	reg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, reg.List())
}
