package broker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/mnq-gateway/internal/accounts"
)

// Factory lazily builds and caches one Client per account id. Account
// Registry is read-only after load (§5), so the factory never needs to
// invalidate an entry once built.
type Factory struct {
	mu         sync.Mutex
	clients    map[string]*Client
	enumScheme EnumScheme
	log        zerolog.Logger
}

// NewFactory builds a client factory using the given default order-enum
// scheme for every client it creates.
func NewFactory(enumScheme EnumScheme, log zerolog.Logger) *Factory {
	return &Factory{
		clients:    make(map[string]*Client),
		enumScheme: enumScheme,
		log:        log,
	}
}

// For returns the cached client for acct, creating one on first use.
func (f *Factory) For(acct accounts.Account) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[acct.ID]; ok {
		return c
	}
	c := NewClient(Config{
		BaseURL:           acct.Credentials.BaseURL,
		Username:          acct.Credentials.Username,
		APIKey:            acct.Credentials.APIKey,
		UpstreamAccountID: acct.Credentials.UpstreamAccountID,
		EnumScheme:        f.enumScheme,
	}, f.log)
	f.clients[acct.ID] = c
	return c
}
