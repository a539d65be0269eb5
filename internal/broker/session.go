package broker

import (
	"context"
	"sync"
	"time"
)

// session is the per-client token cache. Refresh is single-flight: a
// caller that finds a refresh already underway waits on the same result
// rather than issuing a second login request.
type session struct {
	mu         sync.Mutex
	state      sessionState
	token      string
	expiresAt  time.Time
	refreshing chan struct{} // closed when the in-flight refresh completes
}

// ensureToken returns a valid bearer token, authenticating or refreshing
// as needed. login is called with the session lock released.
func (s *session) ensureToken(ctx context.Context, login func(context.Context) (string, time.Duration, error)) (string, error) {
	s.mu.Lock()
	switch s.state {
	case sessionValid:
		if time.Until(s.expiresAt) > tokenExpiryTrigger {
			tok := s.token
			s.mu.Unlock()
			return tok, nil
		}
		// expiring: fall through to refresh below.
	case sessionRefreshing:
		wait := s.refreshing
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return s.ensureToken(ctx, login)
	}

	s.state = sessionRefreshing
	done := make(chan struct{})
	s.refreshing = done
	s.mu.Unlock()

	tok, ttl, err := login(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	close(done)
	s.refreshing = nil
	if err != nil {
		s.state = sessionAbsent
		s.token = ""
		return "", err
	}
	if ttl <= 0 {
		ttl = assumedTokenLifetime
	}
	s.token = tok
	s.expiresAt = time.Now().Add(ttl)
	s.state = sessionValid
	return tok, nil
}

// invalidate forces the session back to absent, e.g. on a 401/403.
func (s *session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sessionAbsent
	s.token = ""
}
