// Package session identifies the account a process acts for.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var ErrNoSession = errors.New("no active session")

type Tokens struct {
	Access  string
	Refresh string
}

type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (Tokens, error)
}

// Static is a fixed account with nothing to refresh, used with backends
// that trust the process (direct database, in-memory).
type Static struct {
	userID string
}

func NewStatic(userID string) *Static {
	return &Static{userID: strings.TrimSpace(userID)}
}

func (s *Static) UserID(context.Context) (string, error) {
	if s.userID == "" {
		return "", ErrNoSession
	}
	return s.userID, nil
}

func (s *Static) Refresh(context.Context) error {
	return nil
}

func (s *Static) AccessToken(context.Context) (string, error) {
	return "", nil
}

// Token is a bearer session whose account id is the access token subject.
// Signatures are not verified here; the remote does that on every call.
type Token struct {
	mu        sync.RWMutex
	tokens    Tokens
	refresher Refresher
	parser    *jwtlib.Parser
}

func NewToken(tokens Tokens, refresher Refresher) *Token {
	return &Token{
		tokens:    tokens,
		refresher: refresher,
		parser:    jwtlib.NewParser(),
	}
}

func (t *Token) UserID(context.Context) (string, error) {
	claims, err := t.claims()
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrNoSession)
	}
	return sub, nil
}

func (t *Token) AccessToken(context.Context) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.tokens.Access == "" {
		return "", ErrNoSession
	}
	return t.tokens.Access, nil
}

// ExpiresAt reports the access token expiry, zero if it carries none.
func (t *Token) ExpiresAt() time.Time {
	claims, err := t.claims()
	if err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (t *Token) Refresh(ctx context.Context) error {
	t.mu.RLock()
	refreshToken := t.tokens.Refresh
	t.mu.RUnlock()
	if refreshToken == "" || t.refresher == nil {
		return fmt.Errorf("%w: no refresh token", ErrNoSession)
	}

	next, err := t.refresher.RefreshSession(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if next.Access == "" {
		return fmt.Errorf("%w: refresh returned no access token", ErrNoSession)
	}
	if next.Refresh == "" {
		next.Refresh = refreshToken
	}

	t.mu.Lock()
	t.tokens = next
	t.mu.Unlock()
	return nil
}

func (t *Token) claims() (*jwtlib.RegisteredClaims, error) {
	t.mu.RLock()
	access := t.tokens.Access
	t.mu.RUnlock()
	if access == "" {
		return nil, ErrNoSession
	}
	claims := &jwtlib.RegisteredClaims{}
	if _, _, err := t.parser.ParseUnverified(access, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return claims, nil
}
