// Package oauth persists OAuth credentials per account email and decides
// which of them are usable or due for refresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sofatutor/gemini-pool/internal/encryption"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"go.uber.org/zap"
)

const tokenPrefix = "oauth:token:"

var (
	// ErrTokenNotFound is returned when no token is stored for the email.
	ErrTokenNotFound = errors.New("oauth token not found")

	// ErrEmptyEmail is returned when a token is saved without an email.
	ErrEmptyEmail = errors.New("oauth token email cannot be empty")
)

// Store keeps one Token per account on a kvstore.Store.
type Store struct {
	kv     kvstore.Store
	sealer encryption.FieldSealer
	logger *zap.Logger
	now    func() time.Time

	// mu serialises read-modify-write cycles within this process.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithSealer encrypts access tokens, refresh tokens and client secrets at
// rest. Records written in plaintext stay readable.
func WithSealer(f encryption.FieldSealer) Option { return func(s *Store) { s.sealer = f } }

// NewStore creates a token store.
func NewStore(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{kv: kv, sealer: encryption.Plaintext{}, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) load(ctx context.Context, email string) (Token, error) {
	t, err := s.read(ctx, tokenPrefix+email)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Token{}, ErrTokenNotFound
	}
	return t, err
}

func (s *Store) read(ctx context.Context, key string) (Token, error) {
	var t Token
	if err := kvstore.GetJSON(ctx, s.kv, key, &t); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Token{}, err
		}
		return Token{}, fmt.Errorf("failed to load oauth token: %w", err)
	}
	if err := s.crypt(&t, s.sealer.Open); err != nil {
		return Token{}, fmt.Errorf("failed to decrypt oauth token %s: %w", obfuscate.MaskEmail(t.Email), err)
	}
	return t, nil
}

func (s *Store) save(ctx context.Context, t Token) error {
	if t.Client != nil {
		c := *t.Client
		t.Client = &c
	}
	if err := s.crypt(&t, s.sealer.Seal); err != nil {
		return fmt.Errorf("failed to encrypt oauth token: %w", err)
	}
	if err := kvstore.SetJSON(ctx, s.kv, tokenPrefix+t.Email, t, 0); err != nil {
		return fmt.Errorf("failed to store oauth token: %w", err)
	}
	return nil
}

// crypt applies fn to the secret fields of t in place.
func (s *Store) crypt(t *Token, fn func(string) (string, error)) error {
	fields := []*string{&t.AccessToken, &t.RefreshToken}
	if t.Client != nil {
		fields = append(fields, &t.Client.Secret)
	}
	for _, f := range fields {
		v, err := fn(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// SaveToken upserts the token for email. With preserveMetadata, client and
// projects missing from data are carried over from the existing record and the
// original created_at is kept. The expiry is derived from expires_in when data
// has no explicit expiry_timestamp. Saving clears any invalid marker.
func (s *Store) SaveToken(ctx context.Context, email string, data Token, preserveMetadata bool) (Token, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Token{}, ErrEmptyEmail
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	issuedAt := data.CreatedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}

	t := data
	t.Email = email
	t.CreatedAt = issuedAt
	t.UpdatedAt = now
	t.IsInvalid = false
	t.InvalidReason = ""
	t.InvalidAt = nil
	if t.ExpiryTimestamp == nil && t.ExpiresIn > 0 {
		exp := issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
		t.ExpiryTimestamp = &exp
	}

	if preserveMetadata {
		existing, err := s.load(ctx, email)
		switch {
		case err == nil:
			if t.Client == nil {
				t.Client = existing.Client
			}
			if t.Projects == nil {
				t.Projects = existing.Projects
			}
			if t.RefreshToken == "" {
				t.RefreshToken = existing.RefreshToken
			}
			if !existing.CreatedAt.IsZero() {
				t.CreatedAt = existing.CreatedAt
			}
		case errors.Is(err, ErrTokenNotFound):
		default:
			return Token{}, err
		}
	}

	if err := s.save(ctx, t); err != nil {
		return Token{}, err
	}
	s.logger.Debug("oauth token saved",
		zap.String("email", obfuscate.MaskEmail(email)),
		zap.Bool("has_refresh_token", t.RefreshToken != ""))
	return t, nil
}

// GetToken returns the token stored for email.
func (s *Store) GetToken(ctx context.Context, email string) (Token, error) {
	return s.load(ctx, normalizeEmail(email))
}

// ListTokens returns all stored tokens ordered by email.
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	keys, err := s.kv.Scan(ctx, tokenPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth tokens: %w", err)
	}
	out := make([]Token, 0, len(keys))
	for _, k := range keys {
		t, err := s.read(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if errors.Is(err, kvstore.ErrMalformed) || isSealError(err) {
				s.logger.Warn("skipping unreadable oauth token", zap.String("key", k), zap.Error(err))
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// DeleteToken removes the token for email. This is the only way a token is
// ever removed.
func (s *Store) DeleteToken(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.kv.Exists(ctx, tokenPrefix+email)
	if err != nil {
		return fmt.Errorf("failed to check oauth token: %w", err)
	}
	if !ok {
		return ErrTokenNotFound
	}
	if err := s.kv.Del(ctx, tokenPrefix+email); err != nil {
		return fmt.Errorf("failed to delete oauth token: %w", err)
	}
	s.logger.Info("oauth token revoked", zap.String("email", obfuscate.MaskEmail(email)))
	return nil
}

// IsTokenExpired reports whether now is within ExpiryBuffer of the deadline.
// A token without a known deadline counts as expired.
func (s *Store) IsTokenExpired(t Token) bool {
	exp, ok := t.Expiry()
	if !ok {
		return true
	}
	return !s.now().Before(exp.Add(-ExpiryBuffer))
}

// GetTokensNeedingRefresh returns valid-flagged tokens with a refresh token whose
// deadline falls within buffer from now. A non-positive buffer uses
// DefaultRefreshBuffer.
func (s *Store) GetTokensNeedingRefresh(ctx context.Context, buffer time.Duration) ([]Token, error) {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	all, err := s.ListTokens(ctx)
	if err != nil {
		return nil, err
	}
	horizon := s.now().Add(buffer)
	var out []Token
	for _, t := range all {
		if t.RefreshToken == "" || t.IsInvalid {
			continue
		}
		exp, ok := t.Expiry()
		if !ok || !exp.After(horizon) {
			out = append(out, t)
		}
	}
	return out, nil
}

// MarkTokenInvalid flags the token so it is neither used nor refreshed.
func (s *Store) MarkTokenInvalid(ctx context.Context, email, reason string) error {
	return s.update(ctx, email, func(t *Token) {
		at := s.now().UTC()
		t.IsInvalid = true
		t.InvalidReason = reason
		t.InvalidAt = &at
		s.logger.Warn("oauth token marked invalid",
			zap.String("email", obfuscate.MaskEmail(t.Email)),
			zap.String("reason", reason))
	})
}

// GetValidTokens returns tokens that are neither flagged invalid nor expired.
func (s *Store) GetValidTokens(ctx context.Context) ([]Token, error) {
	all, err := s.ListTokens(ctx)
	if err != nil {
		return nil, err
	}
	var out []Token
	for _, t := range all {
		if !t.IsInvalid && !s.IsTokenExpired(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// SetProjects replaces the projects associated with the account.
func (s *Store) SetProjects(ctx context.Context, email string, projects []string) error {
	return s.update(ctx, email, func(t *Token) { t.Projects = projects })
}

// SetClient replaces the OAuth client the account's token belongs to.
func (s *Store) SetClient(ctx context.Context, email string, c *Client) error {
	return s.update(ctx, email, func(t *Token) { t.Client = c })
}

func isSealError(err error) bool {
	return errors.Is(err, encryption.ErrDecryptionFailed) ||
		errors.Is(err, encryption.ErrInvalidCiphertext) ||
		errors.Is(err, encryption.ErrNoKey)
}

func (s *Store) update(ctx context.Context, email string, fn func(*Token)) error {
	email = normalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ctx, email)
	if err != nil {
		return err
	}
	fn(&t)
	t.UpdatedAt = s.now().UTC()
	return s.save(ctx, t)
}
