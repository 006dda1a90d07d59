// Package identity adapts token validation collaborators.
//
// It intentionally avoids credential issuance and storage concerns.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("identity: unauthorized")
	ErrUnavailable  = errors.New("identity: validator unavailable")
)

// Identity is the validated principal behind a token.
type Identity struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot"`
}

// Validator resolves a token to an Identity. Implementations return
// ErrUnauthorized for bad tokens and ErrUnavailable when they cannot
// decide.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// Static is a fixed token table. It is intended for development and tests.
type Static struct {
	entries []staticEntry
}

type staticEntry struct {
	token    []byte
	identity Identity
}

func NewStatic(tokens map[string]Identity) *Static {
	s := &Static{entries: make([]staticEntry, 0, len(tokens))}
	for token, id := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || strings.TrimSpace(id.ID) == "" {
			continue
		}
		s.entries = append(s.entries, staticEntry{token: []byte(token), identity: id})
	}
	return s
}

func (s *Static) Validate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, errors.Join(ErrUnavailable, err)
	}
	candidate := []byte(strings.TrimSpace(token))
	var (
		match Identity
		found bool
	)
	// compare against every entry so timing does not leak the match position
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(e.token, candidate) == 1 {
			match = e.identity
			found = true
		}
	}
	if !found || len(candidate) == 0 {
		return Identity{}, ErrUnauthorized
	}
	return match, nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(ctx context.Context, token string) (Identity, error)

func (f FuncValidator) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Chain tries validators in order and returns the first success. An
// ErrUnavailable from any validator is reported only if none succeeds.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, token string) (Identity, error) {
	var unavailable error
	for _, v := range c {
		id, err := v.Validate(ctx, token)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrUnavailable) && unavailable == nil {
			unavailable = err
		}
	}
	if unavailable != nil {
		return Identity{}, unavailable
	}
	return Identity{}, ErrUnauthorized
}
