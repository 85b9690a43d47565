package hat

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHat is a minimal Hat server: owner and app token endpoints plus the
// public key endpoint.
type fakeHat struct {
	t   *testing.T
	key *rsa.PrivateKey
	srv *httptest.Server

	mu           sync.Mutex
	ownerFetches int
	appFetches   int
	badKey       bool // sign with a throwaway key to break verification
	bareBody     bool // return the token as a bare string instead of JSON
}

func newFakeHat(t *testing.T) *fakeHat {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hat := &fakeHat{t: t, key: key}
	hat.srv = httptest.NewServer(http.HandlerFunc(hat.handle))
	t.Cleanup(hat.srv.Close)
	return hat
}

func (h *fakeHat) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/users/access_token":
		h.mu.Lock()
		h.ownerFetches++
		h.mu.Unlock()
		if r.Header.Get("username") == "" || r.Header.Get("password") == "" {
			http.Error(w, "missing credential headers", http.StatusUnauthorized)
			return
		}
		h.writeToken(w, Claims{})

	case strings.HasPrefix(r.URL.Path, "/api/v2.6/applications/"):
		h.mu.Lock()
		h.appFetches++
		h.mu.Unlock()
		if r.Header.Get(TokenHeader) == "" {
			http.Error(w, "missing token header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(r.URL.Path, "/")
		h.writeToken(w, Claims{Application: parts[4]})

	case r.URL.Path == "/.well-known/jwks":
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &h.key.PublicKey,
			Use:       "sig",
			Algorithm: "RS256",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)

	default:
		http.NotFound(w, r)
	}
}

func (h *fakeHat) writeToken(w http.ResponseWriter, claims Claims) {
	h.mu.Lock()
	badKey, bareBody := h.badKey, h.bareBody
	h.mu.Unlock()

	claims.Issuer = h.srv.URL
	claims.Subject = "alice"
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))

	key := h.key
	if badKey {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(h.t, err)
		key = other
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(h.t, err)

	if bareBody {
		_, _ = w.Write([]byte(signed))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": signed})
}

func (h *fakeHat) setBadKey(bad bool) {
	h.mu.Lock()
	h.badKey = bad
	h.mu.Unlock()
}

func (h *fakeHat) fetches() (owner, app int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ownerFetches, h.appFetches
}

func (h *fakeHat) ownerToken(t *testing.T, config TokenConfig) *OwnerToken {
	t.Helper()
	config.TokenURL = h.srv.URL + "/users/access_token"
	token, err := NewOwnerToken(Credential{Username: "alice", Password: "secret"}, config)
	require.NoError(t, err)
	return token
}

// fakeClock is an adjustable wall clock for expiration tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestNewOwnerTokenRequiresCredential(t *testing.T) {
	_, err := NewOwnerToken(Credential{Username: "alice"}, TokenConfig{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewOwnerToken(Credential{Password: "secret"}, TokenConfig{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestOwnerTokenFetch(t *testing.T) {
	hat := newFakeHat(t)
	token := hat.ownerToken(t, TokenConfig{})
	ctx := context.Background()

	value, err := token.Value(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, value)
	assert.False(t, token.Expired())

	// Verified decode round-trips the claims the server signed.
	claims, err := token.Decode(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, hat.srv.URL, claims.Issuer)
	assert.Equal(t, "alice", claims.Subject)

	domain, err := token.Domain(ctx)
	require.NoError(t, err)
	assert.Equal(t, hat.srv.URL, domain)

	// A fresh token is served from cache.
	again, err := token.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, value, again)
	owner, _ := hat.fetches()
	assert.Equal(t, 1, owner)
}

func TestOwnerTokenBareBodyFallback(t *testing.T) {
	hat := newFakeHat(t)
	hat.bareBody = true
	token := hat.ownerToken(t, TokenConfig{})

	value, err := token.Value(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, value)
}

func TestOwnerTokenSingleFlight(t *testing.T) {
	hat := newFakeHat(t)
	token := hat.ownerToken(t, TokenConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := token.Value(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	owner, _ := hat.fetches()
	assert.Equal(t, 1, owner, "concurrent callers must share one fetch")
}

func TestOwnerTokenExpiryBoundary(t *testing.T) {
	hat := newFakeHat(t)
	clock := newFakeClock()
	token := hat.ownerToken(t, TokenConfig{Clock: clock.Now})
	ctx := context.Background()

	_, err := token.Value(ctx)
	require.NoError(t, err)

	claims, err := token.Decode(ctx, false)
	require.NoError(t, err)
	expires := claims.ExpiresAt.Time

	clock.Set(expires.Add(-time.Second))
	assert.False(t, token.Expired(), "strictly before expiration")

	clock.Set(expires)
	assert.True(t, token.Expired(), "equality counts as expired")

	clock.Set(expires.Add(time.Second))
	assert.True(t, token.Expired(), "after expiration")
}

func TestOwnerTokenRefetchAfterExpiry(t *testing.T) {
	hat := newFakeHat(t)
	clock := newFakeClock()
	token := hat.ownerToken(t, TokenConfig{Clock: clock.Now})
	ctx := context.Background()

	_, err := token.Value(ctx)
	require.NoError(t, err)

	claims, err := token.Decode(ctx, false)
	require.NoError(t, err)

	clock.Set(claims.ExpiresAt.Time.Add(time.Second))
	_, err = token.Value(ctx)
	require.NoError(t, err)

	owner, _ := hat.fetches()
	assert.Equal(t, 2, owner, "expired token must be refetched")
}

func TestOwnerTokenNeverFetchedIsExpired(t *testing.T) {
	hat := newFakeHat(t)
	token := hat.ownerToken(t, TokenConfig{})
	assert.True(t, token.Expired())
}

func TestOwnerTokenInvalidate(t *testing.T) {
	hat := newFakeHat(t)
	token := hat.ownerToken(t, TokenConfig{})
	ctx := context.Background()

	_, err := token.Value(ctx)
	require.NoError(t, err)

	token.Invalidate()
	assert.True(t, token.Expired())

	_, err = token.Value(ctx)
	require.NoError(t, err)
	owner, _ := hat.fetches()
	assert.Equal(t, 2, owner)
}

func TestOwnerTokenVerifyFailure(t *testing.T) {
	hat := newFakeHat(t)
	hat.setBadKey(true)
	token := hat.ownerToken(t, TokenConfig{})

	_, err := token.Value(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.True(t, token.Expired(), "failed fetch must not install token state")

	// The server recovers and so does the token.
	hat.setBadKey(false)
	_, err = token.Value(context.Background())
	assert.NoError(t, err)
}

func TestAppToken(t *testing.T) {
	hat := newFakeHat(t)
	owner := hat.ownerToken(t, TokenConfig{})
	token, err := NewAppToken(owner, "app1", TokenConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	// Domain always comes from the owner token.
	domain, err := token.Domain(ctx)
	require.NoError(t, err)
	assert.Equal(t, hat.srv.URL, domain)

	value, err := token.Value(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, value)

	claims, err := token.Decode(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "app1", claims.Application)
	assert.Equal(t, "app1", token.AppID())

	ownerFetches, appFetches := hat.fetches()
	assert.Equal(t, 1, ownerFetches)
	assert.Equal(t, 1, appFetches)
}

func TestNewAppTokenValidation(t *testing.T) {
	hat := newFakeHat(t)
	owner := hat.ownerToken(t, TokenConfig{})

	_, err := NewAppToken(nil, "app1", TokenConfig{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewAppToken(owner, "", TokenConfig{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParsePublicKeyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, Use: "sig"}}}
	body, err := json.Marshal(set)
	require.NoError(t, err)

	parsed, err := ParsePublicKey(body)
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, parsed)
}

func TestParsePublicKeyPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	body := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParsePublicKey(body)
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, parsed)
}

func TestParsePublicKeyGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("not a key"))
	assert.ErrorIs(t, err, ErrAuth)
}

func TestTokenFromBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "json wrapper", body: `{"accessToken": "tok"}`, want: "tok"},
		{name: "bare string", body: "tok", want: "tok"},
		{name: "quoted string", body: `"tok"`, want: "tok"},
		{name: "empty", body: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tokenFromBody([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
