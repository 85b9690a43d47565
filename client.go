package hat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Config holds the Hat client configuration.
type Config struct {
	Token      Token         // Token authenticating every request (required)
	Namespace  string        // Application data partition (required for Get/Post)
	HTTPClient *http.Client  // Custom HTTP client (default: the token's session)
	Timeout    time.Duration // Request timeout when building a client (default: 30s)
	Logger     hclog.Logger  // Logger (optional)
	CacheTTL   time.Duration // GET response cache lifetime (0 disables caching)
	MaxRetries uint64        // Transient-failure retries for idempotent requests (0 disables)
}

// Client issues batched CRUD requests against the owner's data endpoints.
// It does not own the token; tokens are shared and externally constructed.
type Client struct {
	token     Token
	auth      AuthStrategy
	namespace string
	transport *transport
	logger    hclog.Logger
}

// sessionProvider is satisfied by the SDK's token implementations so a client
// can share the token's underlying HTTP session.
type sessionProvider interface {
	session() *http.Client
}

// NewClient creates a new Hat client.
func NewClient(config Config) (*Client, error) {
	if config.Token == nil {
		return nil, fmt.Errorf("%w: token is required", ErrConfiguration)
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		if provider, ok := config.Token.(sessionProvider); ok {
			httpClient = provider.session()
		} else {
			timeout := config.Timeout
			if timeout == 0 {
				timeout = defaultTimeout
			}
			httpClient = &http.Client{Timeout: timeout}
		}
	}

	logger := config.Logger.Named("hat-client")
	return &Client{
		token:     config.Token,
		auth:      NewTokenAuth(config.Token),
		namespace: config.Namespace,
		transport: newTransport(httpClient, config.CacheTTL, config.MaxRetries, logger),
		logger:    logger,
	}, nil
}

// Namespace returns the client's data partition.
func (c *Client) Namespace() string { return c.namespace }

// Token returns the shared token the client authenticates with.
func (c *Client) Token() Token { return c.token }

// Get fetches records from each endpoint, one GET per endpoint, and returns
// them in endpoint order then server response order. Options serialize to
// query parameters with zero values omitted.
func (c *Client) Get(ctx context.Context, endpoints []string, opts *GetOpts) ([]Record, error) {
	if err := c.requireNamespace(); err != nil {
		return nil, err
	}
	var query url.Values
	if opts != nil {
		if err := opts.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid get options: %v", ErrConfiguration, err)
		}
		query = opts.query()
	}
	domain, err := c.token.Domain(ctx)
	if err != nil {
		return nil, err
	}

	var got []Record
	for _, endpoint := range endpoints {
		body, err := c.transport.do(ctx, request{
			method:    http.MethodGet,
			url:       EndpointURL(domain, c.namespace, endpoint),
			query:     query,
			auth:      c.auth,
			cacheable: true,
		})
		if err != nil {
			return nil, err
		}
		records, err := ParseRecords(body)
		if err != nil {
			return nil, err
		}
		got = append(got, records...)
	}
	return got, nil
}

// endpointGroup keeps POST grouping stable: groups appear in first-appearance
// order and records keep their relative order within a group.
type endpointGroup struct {
	endpoint string
	payload  []map[string]any
}

// Post creates records. Records are grouped by endpoint and one POST is
// issued per group, concurrently; results join in group order then server
// response order. The namespace prefix is stripped from each endpoint before
// sending because the URL reconstructs it; payloads carry bare data only.
func (c *Client) Post(ctx context.Context, records []Record) ([]Record, error) {
	if err := c.requireNamespace(); err != nil {
		return nil, err
	}
	if err := requireEndpoints(records); err != nil {
		return nil, err
	}
	domain, err := c.token.Domain(ctx)
	if err != nil {
		return nil, err
	}

	var groups []*endpointGroup
	index := map[string]*endpointGroup{}
	for _, rec := range records {
		endpoint := strings.TrimPrefix(rec.Endpoint, c.namespace+"/")
		group, ok := index[endpoint]
		if !ok {
			group = &endpointGroup{endpoint: endpoint}
			index[endpoint] = group
			groups = append(groups, group)
		}
		group.payload = append(group.payload, rec.Data)
	}

	// Groups are independent; fan out and join preserving group order.
	posted := make([][]Record, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			body, err := json.Marshal(group.payload)
			if err != nil {
				return err
			}
			resp, err := c.transport.do(gctx, request{
				method: http.MethodPost,
				url:    EndpointURL(domain, c.namespace, group.endpoint),
				body:   body,
				auth:   c.auth,
			})
			if err != nil {
				return err
			}
			records, err := ParseRecords(resp)
			if err != nil {
				return err
			}
			posted[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Record
	for _, records := range posted {
		out = append(out, records...)
	}
	return out, nil
}

// Put updates records with a single batched PUT. PUT payloads must carry
// fully qualified endpoints, so an unqualified endpoint has the namespace
// prepended before sending, the inverse of Post's stripping.
func (c *Client) Put(ctx context.Context, records []Record) ([]Record, error) {
	if err := requireEndpoints(records); err != nil {
		return nil, err
	}
	domain, err := c.token.Domain(ctx)
	if err != nil {
		return nil, err
	}

	payload := make([]Record, len(records))
	for i, rec := range records {
		if c.namespace != "" && !strings.HasPrefix(rec.Endpoint, c.namespace+"/") {
			rec.Endpoint = c.namespace + "/" + rec.Endpoint
		}
		payload[i] = rec
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.do(ctx, request{
		method: http.MethodPut,
		url:    DataURL(domain),
		body:   body,
		auth:   c.auth,
	})
	if err != nil {
		return nil, err
	}
	return ParseRecords(resp)
}

// Delete removes records by id with a single batched DELETE. The response
// body is inspected only to surface delete errors; nothing is returned on
// success.
func (c *Client) Delete(ctx context.Context, recordIDs ...string) error {
	var errs *multierror.Error
	for i, id := range recordIDs {
		if id == "" {
			errs = multierror.Append(errs, fmt.Errorf("%w: record %d has no record id", ErrConfiguration, i))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	domain, err := c.token.Domain(ctx)
	if err != nil {
		return err
	}
	body, err := c.transport.do(ctx, request{
		method: http.MethodDelete,
		url:    DataURL(domain),
		query:  url.Values{"records": recordIDs},
		auth:   c.auth,
	})
	if err != nil {
		return err
	}
	return deleteBodyError(body)
}

// DeleteRecords removes the given records, which must all carry record ids.
func (c *Client) DeleteRecords(ctx context.Context, records []Record) error {
	var errs *multierror.Error
	ids := make([]string, len(records))
	for i, rec := range records {
		if rec.RecordID == "" {
			errs = multierror.Append(errs, fmt.Errorf("%w: record %d has no record id", ErrConfiguration, i))
			continue
		}
		ids[i] = rec.RecordID
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	return c.Delete(ctx, ids...)
}

// Save persists a record. A record with an id is updated via Put; if the
// server rejects the update, the id is treated as stale and the record is
// recreated via Post. A record without an id is created directly and errors
// surface unchanged, since there is no fallback to attempt.
func (c *Client) Save(ctx context.Context, rec Record) (Record, error) {
	if rec.RecordID != "" {
		saved, err := c.Put(ctx, []Record{rec})
		if err == nil {
			return first(saved)
		}
		if !errors.Is(err, ErrPut) {
			return Record{}, err
		}
		c.logger.Debug("put rejected, falling back to post", "record_id", rec.RecordID)
	}
	posted, err := c.Post(ctx, []Record{rec})
	if err != nil {
		return Record{}, err
	}
	return first(posted)
}

// deleteBodyError surfaces an error the server reported in an otherwise
// successful delete response. Anything else in the body is discarded.
func deleteBodyError(body []byte) error {
	var status struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Cause   string `json:"cause"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil
	}
	if status.Error != "" {
		detail := status.Message
		if detail == "" {
			detail = status.Cause
		}
		return fmt.Errorf("%w: %s: %s", ErrDelete, status.Error, detail)
	}
	return nil
}

func first(records []Record) (Record, error) {
	if len(records) == 0 {
		return Record{}, &DecodeError{Index: 0, Err: errors.New("empty response")}
	}
	return records[0], nil
}

// ClearCache flushes cached GET responses. Callers must ensure no conflicting
// operation is in flight.
func (c *Client) ClearCache() {
	c.transport.clearCache()
}

// Close releases client resources.
func (c *Client) Close() error {
	c.transport.clearCache()
	return nil
}

func (c *Client) requireNamespace() error {
	if c.namespace == "" {
		return fmt.Errorf("%w: namespace is required to access endpoint data", ErrConfiguration)
	}
	return nil
}

// requireEndpoints reports every record missing an endpoint, not just the
// first.
func requireEndpoints(records []Record) error {
	var errs *multierror.Error
	for i, rec := range records {
		if rec.Endpoint == "" {
			errs = multierror.Append(errs, fmt.Errorf("%w: record %d has no endpoint", ErrConfiguration, i))
		}
	}
	return errs.ErrorOrNil()
}
