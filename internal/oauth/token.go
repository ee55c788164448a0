package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// ExpiryBuffer is subtracted from a token's deadline when deciding whether it
// is expired, so a token never expires mid-flight.
const ExpiryBuffer = 60 * time.Second

// DefaultRefreshBuffer is the look-ahead used by GetTokensNeedingRefresh.
const DefaultRefreshBuffer = 5 * time.Minute

// Client identifies the OAuth client the token was issued to.
type Client struct {
	ID     string `json:"client_id"`
	Secret string `json:"client_secret,omitempty"`
}

// Token is the stored OAuth credential of one account, identified by email.
type Token struct {
	Email           string     `json:"email"`
	AccessToken     string     `json:"access_token"`
	RefreshToken    string     `json:"refresh_token,omitempty"`
	TokenType       string     `json:"token_type,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresIn       int64      `json:"expires_in,omitempty"` // seconds from issuance
	ExpiryTimestamp *time.Time `json:"expiry_timestamp,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`

	IsInvalid     bool       `json:"is_invalid,omitempty"`
	InvalidReason string     `json:"invalid_reason,omitempty"`
	InvalidAt     *time.Time `json:"invalid_at,omitempty"`

	Client   *Client  `json:"client,omitempty"`
	Projects []string `json:"projects,omitempty"`
}

// Expiry returns the deadline of the token, false if it is unknown.
func (t Token) Expiry() (time.Time, bool) {
	if t.ExpiryTimestamp != nil {
		return *t.ExpiryTimestamp, true
	}
	if t.ExpiresIn > 0 && !t.CreatedAt.IsZero() {
		return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second), true
	}
	return time.Time{}, false
}

// OAuth2 converts the stored token for use with an oauth2.TokenSource.
func (t Token) OAuth2() *oauth2.Token {
	out := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if exp, ok := t.Expiry(); ok {
		out.Expiry = exp
	}
	return out
}

// FromOAuth2 builds a Token payload for SaveToken from an exchanged or
// refreshed oauth2 token. issuedAt is the time the token was obtained.
func FromOAuth2(email string, tok *oauth2.Token, issuedAt time.Time) Token {
	t := Token{
		Email:        email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		CreatedAt:    issuedAt,
		ExpiresIn:    tok.ExpiresIn,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		t.ExpiryTimestamp = &exp
		if t.ExpiresIn == 0 {
			t.ExpiresIn = int64(exp.Sub(issuedAt) / time.Second)
		}
	}
	return t
}
