package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	// HeaderAPIKey carries an API key in place of a bearer token.
	HeaderAPIKey = "X-API-Key"

	bearerPrefix = "bearer "
)

var (
	// ErrMissingCredentials reports a request without a bearer token or API key.
	ErrMissingCredentials = errors.New("auth: credentials required")

	errMissingVerifier = errors.New("authenticator requires a token issuer or an api key service")
)

// Method names how a request was authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Principal identifies an authenticated caller.
type Principal struct {
	UserID string
	Method Method
}

// Authenticator resolves request credentials to a user id.
type Authenticator struct {
	tokens *TokenIssuer
	keys   *APIKeyService
}

// NewAuthenticator accepts either verifier; at least one is required.
func NewAuthenticator(tokens *TokenIssuer, keys *APIKeyService) (*Authenticator, error) {
	if tokens == nil && keys == nil {
		return nil, errMissingVerifier
	}
	return &Authenticator{tokens: tokens, keys: keys}, nil
}

// AuthenticateRequest checks the Authorization bearer token first, then the API key header.
func (a *Authenticator) AuthenticateRequest(ctx context.Context, r *http.Request) (Principal, error) {
	if r == nil {
		return Principal{}, ErrMissingCredentials
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		if a.tokens == nil {
			return Principal{}, ErrInvalidToken
		}
		userID, err := a.tokens.Verify(token)
		if err != nil {
			return Principal{}, err
		}
		return Principal{UserID: userID, Method: MethodBearer}, nil
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		if a.keys == nil {
			return Principal{}, ErrInvalidAPIKey
		}
		userID, err := a.keys.Verify(ctx, key)
		if err != nil {
			return Principal{}, err
		}
		return Principal{UserID: userID, Method: MethodAPIKey}, nil
	}
	return Principal{}, ErrMissingCredentials
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}
