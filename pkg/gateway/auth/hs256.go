package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// HS256Authenticator validates tokens signed with a shared secret. It is
// meant for local development and operator tooling.
type HS256Authenticator struct {
	secret        []byte
	issuer        string
	usernameClaim string
	now           func() time.Time
}

func NewHS256Authenticator(secret, issuer, usernameClaim string) (*HS256Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	return &HS256Authenticator{
		secret:        []byte(secret),
		issuer:        issuer,
		usernameClaim: usernameClaim,
		now:           time.Now,
	}, nil
}

// Issue signs a token for username valid for ttl.
func (a *HS256Authenticator) Issue(username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.now()
	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"sub": username,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if a.usernameClaim != "" && a.usernameClaim != "sub" {
		claims[a.usernameClaim] = username
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *HS256Authenticator) Authenticate(_ context.Context, token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	tok, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("parse claims: unsupported claim type %T", tok.Claims)
	}
	return principalFromClaims(map[string]interface{}(raw), a.usernameClaim)
}
