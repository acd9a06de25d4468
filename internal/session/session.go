// Package session carries a user's backend credentials explicitly from the
// HTTP edge to the backend client. There is no process-wide token store.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken    = errors.New("no access token")
	ErrUnverified = errors.New("access token not verified")
)

// Session is one user's token pair. It is safe for concurrent use; the
// backend client swaps tokens in place after a refresh.
//
// A session starts untrusted. Its claims only identify the user once the
// signature was checked locally or the backend accepted the token.
type Session struct {
	mu      sync.RWMutex
	access  string
	refresh string
	changed bool
	trusted bool
}

func New(access, refresh string) *Session {
	return &Session{access: access, refresh: refresh}
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// Update stores a refreshed pair. An empty refresh token keeps the old one,
// matching backends that do not rotate refresh tokens. The backend issued
// the pair, so the session becomes trusted.
func (s *Session) Update(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	s.changed = true
	s.trusted = true
}

// MarkTrusted records that the current access token was accepted by the
// backend or passed signature verification.
func (s *Session) MarkTrusted() {
	s.mu.Lock()
	s.trusted = true
	s.mu.Unlock()
}

func (s *Session) Trusted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trusted
}

// Verify checks the access token with v and marks the session trusted.
func (s *Session) Verify(v Verifier) error {
	tok := s.AccessToken()
	if tok == "" {
		return ErrNoToken
	}
	if err := v.Verify(tok); err != nil {
		return err
	}
	s.MarkTrusted()
	return nil
}

// Fingerprint is a stable, non-reversible id for the access token.
func (s *Session) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.AccessToken()))
	return hex.EncodeToString(sum[:])
}

// Refreshed reports whether Update was called during this session's life.
func (s *Session) Refreshed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// UserID reads the user_id claim, falling back to sub. It fails with
// ErrUnverified until the session is trusted.
func (s *Session) UserID() (string, error) {
	claims, err := s.claims()
	if err != nil {
		return "", err
	}
	if !s.Trusted() {
		return "", ErrUnverified
	}
	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("token has no user_id claim")
}

// ExpiresWithin reports whether the access token expires in less than d.
// Tokens without exp never expire; unreadable tokens count as expiring.
func (s *Session) ExpiresWithin(d time.Duration) bool {
	claims, err := s.claims()
	if err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < d
}

func (s *Session) claims() (jwt.MapClaims, error) {
	tok := s.AccessToken()
	if tok == "" {
		return nil, ErrNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}

// Verifier checks an access token signature.
type Verifier interface {
	Verify(token string) error
}

// HMACVerifier accepts HS256, HS384 and HS512 tokens signed with Key.
type HMACVerifier struct {
	Key []byte
}

func (h HMACVerifier) Verify(token string) error {
	_, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return h.Key, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fmt.Errorf("verify access token: %w", err)
	}
	return nil
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}
