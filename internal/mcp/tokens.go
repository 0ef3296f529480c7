// ABOUTME: Static access token store mapping tokens to principal IDs.
// ABOUTME: Tokens are minted at startup or by an operator and checked on MCP requests.

package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type tokenGrant struct {
	principal string
	issuedAt  time.Time
}

// TokenStore holds static MCP access tokens and the principal each one acts
// as. Tokens are opaque uuid strings suitable for embedding in MCP URLs.
type TokenStore struct {
	mu     sync.RWMutex
	grants map[string]tokenGrant
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{grants: make(map[string]tokenGrant)}
}

// CreateToken mints a new token bound to the given principal.
func (s *TokenStore) CreateToken(principalID string) string {
	token := uuid.New().String()
	s.mu.Lock()
	s.grants[token] = tokenGrant{principal: principalID, issuedAt: time.Now()}
	s.mu.Unlock()
	return token
}

// Principal returns the principal for a token, or "" if the token is unknown.
func (s *TokenStore) Principal(token string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[token].principal
}

// InvalidateToken revokes a token.
func (s *TokenStore) InvalidateToken(token string) {
	s.mu.Lock()
	delete(s.grants, token)
	s.mu.Unlock()
}

// TokenCount returns the number of active tokens.
func (s *TokenStore) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}
