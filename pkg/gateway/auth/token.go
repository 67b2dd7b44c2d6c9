package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/models"
	"golang.org/x/oauth2"
)

// TokenIssuer exchanges a username and password for tokens at the identity
// provider's token endpoint.
type TokenIssuer struct {
	config *oauth2.Config
	client *http.Client
}

func NewTokenIssuer(tokenURL, clientID, clientSecret string, client *http.Client) (*TokenIssuer, error) {
	if tokenURL == "" || clientID == "" {
		return nil, fmt.Errorf("token endpoint configuration incomplete")
	}
	return &TokenIssuer{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       []string{"openid"},
		},
		client: client,
	}, nil
}

func (t *TokenIssuer) Exchange(ctx context.Context, username, password string) (models.TokenResponse, error) {
	if t.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, t.client)
	}
	tok, err := t.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	resp := models.TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresIn:   tok.ExpiresIn,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = id
	}
	return resp, nil
}
