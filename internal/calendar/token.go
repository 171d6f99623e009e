package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// refreshSkew is how long before the recorded expiry an access token is
// treated as already expired. Provider clocks and request latency eat into
// the nominal lifetime.
const refreshSkew = 60 * time.Second

// PersistFunc receives every freshly minted token so the caller can write it
// back to the vault. It must not block; failures are the callback's problem,
// the API call that triggered the refresh already has its token.
type PersistFunc func(tok *oauth2.Token)

// NewTokenSource returns an oauth2.TokenSource that refreshes through cfg
// when the stored token is within [refreshSkew] of expiry, keeps the refresh
// token across rotations, and hands every new token to persist.
func NewTokenSource(ctx context.Context, cfg *oauth2.Config, stored *oauth2.Token, persist PersistFunc) oauth2.TokenSource {
	return &persistingSource{ctx: ctx, cfg: cfg, tok: stored, persist: persist}
}

type persistingSource struct {
	ctx     context.Context
	cfg     *oauth2.Config
	persist PersistFunc

	mu  sync.Mutex
	tok *oauth2.Token
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.AccessToken != "" && time.Until(s.tok.Expiry) > refreshSkew {
		return s.tok, nil
	}
	if s.tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on file", ErrAuthExpired)
	}

	fresh, err := s.cfg.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.tok.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrAuthExpired, err)
	}
	// Some providers rotate the refresh token on use, some omit it entirely.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.tok.RefreshToken
	}
	s.tok = fresh
	if s.persist != nil {
		s.persist(fresh)
	}
	return fresh, nil
}
