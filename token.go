package hat

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// signingMethods lists the JWT algorithms accepted during verification.
var signingMethods = []string{"RS256", "RS512", "ES256", "ES384", "ES512"}

// Claims are the decoded contents of a Hat JWT. The issuer claim identifies
// the owner's API domain.
type Claims struct {
	Application string `json:"application,omitempty"`
	jwt.RegisteredClaims
}

// Token is a bearer token capability. Implementations cache the raw token,
// its decoded claims, and its expiration, refetching when expired.
type Token interface {
	// Value returns the raw token, fetching a fresh one when unset or expired.
	Value(ctx context.Context) (string, error)
	// Domain returns the owner's API domain, discovered from the token's
	// issuer claim and memoized.
	Domain(ctx context.Context) (string, error)
	// Decode returns the token's claims. With verify set, the signature is
	// checked against the domain's fetched public key.
	Decode(ctx context.Context, verify bool) (*Claims, error)
	// PublicKey returns the domain's memoized verification key.
	PublicKey(ctx context.Context) (crypto.PublicKey, error)
	// Expired reports whether the stored expiration instant has been reached.
	// A token whose expiration equals the current instant is expired.
	Expired() bool
	// Invalidate clears the cached token state so the next Value refetches.
	Invalidate()
}

// TokenConfig configures token construction.
type TokenConfig struct {
	HTTPClient *http.Client  // Custom HTTP client (optional)
	Timeout    time.Duration // Request timeout (default: 30s)
	Logger     hclog.Logger  // Logger (optional)
	// TokenURL overrides the owner-token endpoint derived from the username.
	// Needed for self-hosted Hats that live outside the hosted domain.
	TokenURL string
	// Clock overrides the wall clock used for expiration checks.
	Clock func() time.Time
}

// apiToken is the shared token state machine. tokenURL and domainFn vary by
// token kind; everything else (fetch, decode, verify, expiry) is common.
type apiToken struct {
	transport *transport
	auth      AuthStrategy
	logger    hclog.Logger
	now       func() time.Time

	tokenURL func(ctx context.Context) (string, error)
	// domainFn overrides issuer-based domain discovery. App tokens set it to
	// the owner token's Domain so discovery never recurses into themselves.
	domainFn func(ctx context.Context) (string, error)

	group singleflight.Group

	mu      sync.RWMutex
	value   string
	claims  *Claims
	expires time.Time
	domain  string
	pk      crypto.PublicKey
}

func (t *apiToken) init(config TokenConfig, name string) {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	t.logger = config.Logger.Named(name)
	t.transport = newTransport(client, 0, 0, t.logger)
	t.now = config.Clock
}

// Value returns the raw token. An unset or expired token triggers a fetch;
// concurrent callers share a single in-flight fetch.
func (t *apiToken) Value(ctx context.Context) (string, error) {
	t.mu.RLock()
	value, fresh := t.value, !t.expiredLocked()
	t.mu.RUnlock()
	if value != "" && fresh {
		return value, nil
	}
	fetched, err, _ := t.group.Do("token", func() (any, error) {
		return t.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return fetched.(string), nil
}

// fetch retrieves, verifies, and stores a fresh token. The raw value, claims,
// and expiration are stored together or not at all: any decode or
// verification failure leaves the previous state untouched.
func (t *apiToken) fetch(ctx context.Context) (string, error) {
	url, err := t.tokenURL(ctx)
	if err != nil {
		return "", err
	}
	body, err := t.transport.do(ctx, request{method: http.MethodGet, url: url, auth: t.auth})
	if err != nil {
		return "", err
	}
	value, err := tokenFromBody(body)
	if err != nil {
		return "", err
	}
	if err := t.discoverDomain(ctx, value); err != nil {
		return "", err
	}
	pk, err := t.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	claims, err := decodeVerified(value, pk)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.value = value
	t.claims = claims
	t.expires = claims.ExpiresAt.Time
	t.mu.Unlock()

	t.logger.Debug("fetched token", "issuer", claims.Issuer, "expires", claims.ExpiresAt.Time)
	return value, nil
}

// discoverDomain memoizes the domain before verification needs it. For
// issuer-derived tokens the freshly fetched value is decoded unverified:
// verification requires the public key, which lives at the domain being
// discovered.
func (t *apiToken) discoverDomain(ctx context.Context, value string) error {
	t.mu.RLock()
	known := t.domain != ""
	t.mu.RUnlock()
	if known {
		return nil
	}
	if t.domainFn != nil {
		domain, err := t.domainFn(ctx)
		if err != nil {
			return err
		}
		t.setDomain(domain)
		return nil
	}
	claims, err := decodeUnverified(value)
	if err != nil {
		return err
	}
	if claims.Issuer == "" {
		return fmt.Errorf("%w: token has no issuer claim", ErrAuth)
	}
	t.setDomain(WithScheme(claims.Issuer))
	return nil
}

func (t *apiToken) setDomain(domain string) {
	t.mu.Lock()
	t.domain = domain
	t.mu.Unlock()
}

// Domain returns the owner's API domain, fetching a token first if domain
// discovery has not happened yet.
func (t *apiToken) Domain(ctx context.Context) (string, error) {
	t.mu.RLock()
	domain := t.domain
	t.mu.RUnlock()
	if domain != "" {
		return domain, nil
	}
	if t.domainFn != nil {
		domain, err := t.domainFn(ctx)
		if err != nil {
			return "", err
		}
		t.setDomain(domain)
		return domain, nil
	}
	if _, err := t.Value(ctx); err != nil {
		return "", err
	}
	t.mu.RLock()
	domain = t.domain
	t.mu.RUnlock()
	return domain, nil
}

// PublicKey fetches and memoizes the domain's verification key. The fetch is
// a plain unauthenticated GET; the body may be a JWKS or a bare PEM key.
func (t *apiToken) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	t.mu.RLock()
	pk := t.pk
	t.mu.RUnlock()
	if pk != nil {
		return pk, nil
	}
	domain, err := t.Domain(ctx)
	if err != nil {
		return nil, err
	}
	body, err := t.transport.do(ctx, request{method: http.MethodGet, url: PublicKeyURL(domain), cacheable: true})
	if err != nil {
		return nil, err
	}
	pk, err = ParsePublicKey(body)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.pk = pk
	t.mu.Unlock()
	return pk, nil
}

// Decode returns the token's claims, fetching the token first when needed.
// With verify set, the signature and expiry are checked against the domain's
// public key.
func (t *apiToken) Decode(ctx context.Context, verify bool) (*Claims, error) {
	value, err := t.Value(ctx)
	if err != nil {
		return nil, err
	}
	if !verify {
		return decodeUnverified(value)
	}
	pk, err := t.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return decodeVerified(value, pk)
}

// Expired reports whether the stored expiration has been reached. Equality
// with the current instant counts as expired; there is no grace or skew. A
// token that has never been fetched is reported expired.
func (t *apiToken) Expired() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.expiredLocked()
}

func (t *apiToken) expiredLocked() bool {
	if t.expires.IsZero() {
		return true
	}
	return !t.now().Before(t.expires)
}

// Invalidate clears the raw token, claims, and expiration together. The
// memoized domain and public key survive: they are per-domain, not per-token.
func (t *apiToken) Invalidate() {
	t.mu.Lock()
	t.value = ""
	t.claims = nil
	t.expires = time.Time{}
	t.mu.Unlock()
	t.logger.Debug("token invalidated")
}

func (t *apiToken) session() *http.Client { return t.transport.session() }

// OwnerToken is a credential-derived bearer token identifying the owner's
// data domain.
type OwnerToken struct {
	apiToken
	credential Credential
}

// NewOwnerToken creates a token fetched with the owner's credential.
func NewOwnerToken(credential Credential, config TokenConfig) (*OwnerToken, error) {
	if credential.Username == "" || credential.Password == "" {
		return nil, fmt.Errorf("%w: credential username and password are required", ErrConfiguration)
	}
	token := &OwnerToken{credential: credential}
	token.init(config, "owner-token")
	token.auth = NewCredentialAuth(credential)
	url := config.TokenURL
	if url == "" {
		url = OwnerTokenURL(credential.Username)
	}
	token.tokenURL = func(context.Context) (string, error) { return url, nil }
	return token, nil
}

// AppToken is derived from an owner token and scoped to one application.
type AppToken struct {
	apiToken
	owner *OwnerToken
	appID string
}

// NewAppToken creates an application token derived from the owner token. Its
// domain always comes from the owner token: an app token's issuer is the
// owner's domain, so computing it independently would recurse forever.
func NewAppToken(owner *OwnerToken, appID string, config TokenConfig) (*AppToken, error) {
	if owner == nil {
		return nil, fmt.Errorf("%w: owner token is required", ErrConfiguration)
	}
	if appID == "" {
		return nil, fmt.Errorf("%w: application id is required", ErrConfiguration)
	}
	token := &AppToken{owner: owner, appID: appID}
	token.init(config, "app-token")
	if config.HTTPClient == nil {
		// Share the owner token's session.
		token.transport = newTransport(owner.session(), 0, 0, token.logger)
	}
	token.auth = NewTokenAuth(owner)
	token.domainFn = owner.Domain
	token.tokenURL = func(ctx context.Context) (string, error) {
		domain, err := owner.Domain(ctx)
		if err != nil {
			return "", err
		}
		return AppTokenURL(domain, appID), nil
	}
	return token, nil
}

// AppID returns the application identifier the token is scoped to.
func (t *AppToken) AppID() string { return t.appID }

// tokenFromBody extracts the raw token from a token endpoint response. The
// server returns JSON {"accessToken": "..."}; a bare token string body is
// accepted as well.
func tokenFromBody(body []byte) (string, error) {
	var wrapped struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.AccessToken != "" {
		return wrapped.AccessToken, nil
	}
	raw := string(jsonUnquote(body))
	if raw == "" {
		return "", fmt.Errorf("%w: token endpoint returned an empty body", ErrAuth)
	}
	return raw, nil
}

// jsonUnquote strips surrounding JSON string quotes when present.
func jsonUnquote(body []byte) []byte {
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return []byte(s)
	}
	return body
}

func decodeUnverified(value string) (*Claims, error) {
	claims := new(Claims)
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return claims, nil
}

func decodeVerified(value string, key crypto.PublicKey) (*Claims, error) {
	claims := new(Claims)
	parser := jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return claims, nil
}

// ParsePublicKey decodes a verification key from a public key endpoint body:
// a JWKS document or a PEM-encoded public key.
func ParsePublicKey(body []byte) (crypto.PublicKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err == nil && len(set.Keys) > 0 {
		for _, key := range set.Keys {
			if key.Use == "" || key.Use == "sig" {
				return key.Key, nil
			}
		}
		return nil, fmt.Errorf("%w: JWKS contains no signing key", ErrAuth)
	}
	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("%w: public key body is neither a JWKS nor PEM", ErrAuth)
	}
	pk, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return pk, nil
}
