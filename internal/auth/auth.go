// Package auth resolves session tokens presented by game clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wotw-multiverse/syncserver/internal/store"
)

const (
	// ScopeMultiverseConnect is required to open a game session.
	ScopeMultiverseConnect = "multiverse.connect"
	// ScopeWorldJoin is required to move into a world over HTTP.
	ScopeWorldJoin = "world.join"
	// ScopeMultiverseSpectate is required to spectate a multiverse.
	ScopeMultiverseSpectate = "multiverse.spectate"
)

var (
	// ErrInvalidToken is returned for unknown or empty tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingScope is returned when a principal lacks a required scope.
	ErrMissingScope = errors.New("auth: missing scope")
)

// Principal is an authenticated player.
type Principal struct {
	PlayerID string
	Name     string
	AvatarID string
	Scopes   []string
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Require returns ErrMissingScope unless every scope is granted.
func (p Principal) Require(scopes ...string) error {
	for _, s := range scopes {
		if !p.HasScope(s) {
			return fmt.Errorf("%w: %s", ErrMissingScope, s)
		}
	}
	return nil
}

// Authenticator turns a client token into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// StaticTokens maps fixed tokens to players and reads their profile and
// scopes from the store on every call.
type StaticTokens struct {
	players store.Store

	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticTokens constructs an authenticator over a token to player id map.
func NewStaticTokens(players store.Store, tokens map[string]string) *StaticTokens {
	a := &StaticTokens{players: players, tokens: make(map[string]string, len(tokens))}
	for tok, id := range tokens {
		a.tokens[tok] = id
	}
	return a
}

// Add registers or replaces a token.
func (a *StaticTokens) Add(token, playerID string) {
	a.mu.Lock()
	a.tokens[token] = playerID
	a.mu.Unlock()
}

// Authenticate implements Authenticator.
func (a *StaticTokens) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	a.mu.RLock()
	playerID, ok := a.tokens[token]
	a.mu.RUnlock()
	if !ok {
		return Principal{}, ErrInvalidToken
	}

	p, err := a.players.Player(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, ErrInvalidToken
	}
	if err != nil {
		return Principal{}, fmt.Errorf("load player %s: %w", playerID, err)
	}
	return Principal{
		PlayerID: p.ID,
		Name:     p.Name,
		AvatarID: p.AvatarID,
		Scopes:   slices.Clone(p.Scopes),
	}, nil
}
