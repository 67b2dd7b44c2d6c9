// Package auth turns bearer tokens into the principal that owns ingestions.
package auth

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is an authenticated caller. Username scopes every ingestion.
type Principal struct {
	Username string                 `json:"username"`
	Subject  string                 `json:"sub,omitempty"`
	Issuer   string                 `json:"iss,omitempty"`
	Claims   map[string]interface{} `json:"claims"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// principalFromClaims picks the username from usernameClaim, falling back
// to sub.
func principalFromClaims(raw map[string]interface{}, usernameClaim string) (Principal, error) {
	p := Principal{Claims: raw}
	p.Subject, _ = raw["sub"].(string)
	p.Issuer, _ = raw["iss"].(string)
	if usernameClaim != "" {
		p.Username, _ = raw[usernameClaim].(string)
	}
	if p.Username == "" {
		p.Username = p.Subject
	}
	if p.Username == "" {
		return Principal{}, fmt.Errorf("%w: token has no %q or sub claim", ErrUnauthenticated, usernameClaim)
	}
	return p, nil
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (Principal, error) {
	if len(c) == 0 {
		return Principal{}, fmt.Errorf("%w: no authenticator configured", ErrUnauthenticated)
	}
	var errs []error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	return Principal{}, errors.Join(errs...)
}

type contextKey struct{}

func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
