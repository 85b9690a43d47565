package hat

import (
	"context"
	"net/http"
)

// Credential identifies a Hat owner. The SDK never mutates it.
type Credential struct {
	Username string
	Password string
}

// AuthStrategy computes the headers that authenticate a request and observes
// every response so it can react to server-side signals such as token
// revocation.
type AuthStrategy interface {
	Headers(ctx context.Context) (map[string]string, error)
	OnResponse(resp *http.Response)
}

// CredentialAuth authenticates requests with the owner's stored credential.
// Used only to fetch owner tokens.
type CredentialAuth struct {
	credential Credential
}

// NewCredentialAuth creates a credential auth strategy.
func NewCredentialAuth(credential Credential) *CredentialAuth {
	return &CredentialAuth{credential: credential}
}

// Headers returns the static credential headers. No network call is made.
func (a *CredentialAuth) Headers(context.Context) (map[string]string, error) {
	return map[string]string{
		"username": a.credential.Username,
		"password": a.credential.Password,
	}, nil
}

// OnResponse is a no-op: credential-based requests carry no refreshable state.
func (a *CredentialAuth) OnResponse(*http.Response) {}

// TokenAuth authenticates requests with an API token, fetching or refreshing
// it as needed.
type TokenAuth struct {
	token Token
}

// NewTokenAuth creates a token auth strategy.
func NewTokenAuth(token Token) *TokenAuth {
	return &TokenAuth{token: token}
}

// Headers injects the raw token under TokenHeader. This may trigger a token
// fetch when the cached token is unset or expired.
func (a *TokenAuth) Headers(ctx context.Context) (map[string]string, error) {
	value, err := a.token.Value(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{TokenHeader: value}, nil
}

// OnResponse invalidates the cached token when the server signals revocation,
// so the next Headers call fetches a fresh one.
func (a *TokenAuth) OnResponse(resp *http.Response) {
	if resp.StatusCode == http.StatusUnauthorized {
		a.token.Invalidate()
	}
}
