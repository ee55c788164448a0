package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenSource returns an oauth2.TokenSource for the stored account. The cached
// token is reused until ExpiryBuffer before its deadline; refreshed credentials
// are written back with SaveToken, and a refresh rejected by the authorization
// server marks the stored token invalid.
func (s *Store) TokenSource(ctx context.Context, email string, cfg *oauth2.Config) (oauth2.TokenSource, error) {
	t, err := s.GetToken(ctx, email)
	if err != nil {
		return nil, err
	}
	if t.IsInvalid {
		return nil, fmt.Errorf("oauth token for %s is invalid: %s", t.Email, t.InvalidReason)
	}
	src := &refreshingSource{
		ctx:          ctx,
		store:        s,
		cfg:          cfg,
		email:        t.Email,
		refreshToken: t.RefreshToken,
	}
	return oauth2.ReuseTokenSourceWithExpiry(t.OAuth2(), src, ExpiryBuffer), nil
}

type refreshingSource struct {
	ctx   context.Context
	store *Store
	cfg   *oauth2.Config
	email string

	mu           sync.Mutex
	refreshToken string
}

func (r *refreshingSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refreshToken == "" {
		return nil, fmt.Errorf("oauth token for %s has no refresh token", r.email)
	}
	issuedAt := r.store.now().UTC()
	tok, err := r.cfg.TokenSource(r.ctx, &oauth2.Token{RefreshToken: r.refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			reason := re.ErrorCode
			if reason == "" && re.Response != nil {
				reason = fmt.Sprintf("refresh rejected with status %d", re.Response.StatusCode)
			}
			if reason == "" {
				reason = "refresh rejected"
			}
			if markErr := r.store.MarkTokenInvalid(r.ctx, r.email, reason); markErr != nil {
				return nil, errors.Join(err, markErr)
			}
		}
		return nil, err
	}
	if tok.RefreshToken != "" {
		r.refreshToken = tok.RefreshToken
	}
	if _, err := r.store.SaveToken(r.ctx, r.email, FromOAuth2(r.email, tok, issuedAt), true); err != nil {
		return nil, err
	}
	return tok, nil
}
