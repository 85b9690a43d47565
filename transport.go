package hat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	cache "github.com/patrickmn/go-cache"
)

const defaultTimeout = 30 * time.Second

// transport wraps the injected *http.Client with the plumbing every SDK call
// shares: auth header injection, request correlation ids, response
// classification, optional GET caching, and optional bounded retries.
type transport struct {
	client     *http.Client
	cache      *cache.Cache // nil when caching is disabled
	maxRetries uint64
	logger     hclog.Logger
}

func newTransport(client *http.Client, cacheTTL time.Duration, maxRetries uint64, logger hclog.Logger) *transport {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	t := &transport{
		client:     client,
		maxRetries: maxRetries,
		logger:     logger.Named("transport"),
	}
	if cacheTTL > 0 {
		t.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return t
}

// request describes one exchange. Auth may be nil for unauthenticated calls
// such as public key fetches. Cacheable marks responses safe to serve from
// the GET cache.
type request struct {
	method    string
	url       string
	query     url.Values
	body      []byte
	auth      AuthStrategy
	cacheable bool
}

func (r request) fullURL() string {
	if len(r.query) == 0 {
		return r.url
	}
	separator := "?"
	if strings.Contains(r.url, "?") {
		separator = "&"
	}
	return r.url + separator + r.query.Encode()
}

// do performs one request and returns the response body. Non-2xx responses
// are classified into *RequestError. The auth strategy observes every
// response, success or failure, so it can react to revocation signals.
func (t *transport) do(ctx context.Context, req request) ([]byte, error) {
	fullURL := req.fullURL()

	if t.cache != nil && req.cacheable && req.method == http.MethodGet {
		if cached, found := t.cache.Get(fullURL); found {
			t.logger.Debug("cache hit", "url", fullURL)
			return cached.([]byte), nil
		}
	}

	operation := func() ([]byte, error) {
		body, err := t.exchange(ctx, req, fullURL)
		if err != nil && !retryable(req.method, err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}

	var body []byte
	var err error
	if t.maxRetries > 0 {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.maxRetries), ctx)
		body, err = backoff.RetryWithData(operation, policy)
	} else {
		body, err = t.exchange(ctx, req, fullURL)
	}
	if err != nil {
		return nil, err
	}

	if t.cache != nil && req.cacheable && req.method == http.MethodGet {
		t.cache.Set(fullURL, body, cache.DefaultExpiration)
	}
	return body, nil
}

func (t *transport) exchange(ctx context.Context, req request, fullURL string) ([]byte, error) {
	var reader io.Reader
	if len(req.body) > 0 {
		reader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, reader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if req.auth != nil {
		headers, err := req.auth.Headers(ctx)
		if err != nil {
			return nil, err
		}
		for key, value := range headers {
			httpReq.Header.Set(key, value)
		}
	}

	t.logger.Debug("sending request",
		"method", req.method,
		"url", fullURL,
		"request_id", httpReq.Header.Get("X-Request-Id"),
	)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if req.auth != nil {
		req.auth.OnResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Warn("request failed",
			"method", req.method,
			"url", fullURL,
			"status", resp.StatusCode,
		)
		return nil, &RequestError{Method: req.method, URL: req.url, Status: resp.StatusCode}
	}
	return body, nil
}

// retryable reports whether the failed exchange may be retried: only
// idempotent methods, and only transient failures (connection errors and
// gateway statuses).
func retryable(method string, err error) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// Connection-level failure.
	return true
}

func (t *transport) clearCache() {
	if t.cache != nil {
		t.cache.Flush()
	}
}

func (t *transport) session() *http.Client { return t.client }
