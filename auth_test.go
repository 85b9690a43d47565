package hat

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a Token stub for exercising the strategies and the client
// without a live token endpoint.
type staticToken struct {
	value       string
	domain      string
	err         error
	invalidated atomic.Int32
}

func (t *staticToken) Value(context.Context) (string, error) { return t.value, t.err }

func (t *staticToken) Domain(context.Context) (string, error) { return t.domain, nil }

func (t *staticToken) Decode(context.Context, bool) (*Claims, error) { return &Claims{}, nil }

func (t *staticToken) PublicKey(context.Context) (crypto.PublicKey, error) { return nil, nil }

func (t *staticToken) Expired() bool { return false }

func (t *staticToken) Invalidate() { t.invalidated.Add(1) }

func TestCredentialAuthHeaders(t *testing.T) {
	auth := NewCredentialAuth(Credential{Username: "alice", Password: "secret"})

	headers, err := auth.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", headers["username"])
	assert.Equal(t, "secret", headers["password"])

	// No refreshable state: responses are ignored.
	auth.OnResponse(&http.Response{StatusCode: http.StatusUnauthorized})
}

func TestTokenAuthHeaders(t *testing.T) {
	token := &staticToken{value: "tok"}
	auth := NewTokenAuth(token)

	headers, err := auth.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", headers[TokenHeader])
}

func TestTokenAuthHeadersError(t *testing.T) {
	fetchErr := errors.New("fetch failed")
	auth := NewTokenAuth(&staticToken{err: fetchErr})

	_, err := auth.Headers(context.Background())
	assert.ErrorIs(t, err, fetchErr)
}

func TestTokenAuthOnResponse(t *testing.T) {
	token := &staticToken{value: "tok"}
	auth := NewTokenAuth(token)

	auth.OnResponse(&http.Response{StatusCode: http.StatusOK})
	assert.Equal(t, int32(0), token.invalidated.Load())

	auth.OnResponse(&http.Response{StatusCode: http.StatusUnauthorized})
	assert.Equal(t, int32(1), token.invalidated.Load(), "401 must invalidate the token")
}
