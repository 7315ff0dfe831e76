package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-bastion/bastion/breaker"
	"github.com/go-bastion/bastion/log"
)

// Resolver picks a base URL for a service, typically the registry.
type Resolver interface {
	URL(ctx context.Context, serviceName string) (string, error)
}

// Response is a fully read HTTP answer. A zero Response is what the
// default fallback substitutes for a failed call.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Ok reports whether the response carries a 2xx status.
func (r *Response) Ok() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// HTTPError reports a non-2xx answer. The response stays available to
// fallbacks and callers.
type HTTPError struct {
	Method   string
	URL      string
	Response *Response
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s answered %d", e.Method, e.URL, e.Response.StatusCode)
}

// AsHTTPError extracts an HTTPError from anywhere in the chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

type opts struct {
	resolver   Resolver
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	fallback   breaker.Fallback
	noFallback bool
}

type Opt func(o *opts)

// WithResolver resolves the base URL through the registry on every
// call.
func WithResolver(resolver Resolver) Opt {
	return func(o *opts) {
		o.resolver = resolver
	}
}

// WithBaseURL pins the dependency to a fixed base URL instead of
// resolving it.
func WithBaseURL(baseURL string) Opt {
	return func(o *opts) {
		o.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithTimeout bounds each request independently of the breaker's
// timing.
func WithTimeout(timeout time.Duration) Opt {
	return func(o *opts) {
		o.timeout = timeout
	}
}

func WithHTTPClient(httpClient *http.Client) Opt {
	return func(o *opts) {
		o.httpClient = httpClient
	}
}

// WithFallback replaces the default empty-response fallback.
func WithFallback(fallback breaker.Fallback) Opt {
	return func(o *opts) {
		o.fallback = fallback
	}
}

// WithoutFallback makes failed calls return their error instead of a
// substituted response.
func WithoutFallback() Opt {
	return func(o *opts) {
		o.noFallback = true
	}
}

// Client pairs exactly one circuit breaker with one logical dependency
// and routes every request through it.
type Client struct {
	service    string
	logger     log.Logger
	breaker    *breaker.Breaker
	resolver   Resolver
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	fallback   breaker.Fallback
}

func New(service string, b *breaker.Breaker, logger log.Logger, options ...Opt) (*Client, error) {
	o := &opts{
		timeout:    30 * time.Second,
		httpClient: &http.Client{},
	}
	for _, opt := range options {
		opt(o)
	}

	if o.resolver == nil && o.baseURL == "" {
		return nil, errors.Errorf("client %s needs a resolver or a base url", service)
	}

	c := &Client{
		service:    service,
		logger:     logger.WithFields(log.Fields{"client": service}),
		breaker:    b,
		resolver:   o.resolver,
		baseURL:    o.baseURL,
		timeout:    o.timeout,
		httpClient: o.httpClient,
	}

	switch {
	case o.noFallback:
		c.fallback = nil
	case o.fallback != nil:
		c.fallback = o.fallback
	default:
		c.fallback = c.emptyResponseFallback
	}
	return c, nil
}

func (c *Client) Get(ctx context.Context, path string, headers http.Header) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, headers)
}

func (c *Client) Post(ctx context.Context, path string, body []byte, headers http.Header) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, headers)
}

func (c *Client) Put(ctx context.Context, path string, body []byte, headers http.Header) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body, headers)
}

func (c *Client) Delete(ctx context.Context, path string, headers http.Header) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, headers)
}

// State snapshots the breaker guarding this client.
func (c *Client) State() breaker.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	result, err := c.breaker.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return c.request(ctx, method, path, body, headers)
	}, c.fallback)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	response, ok := result.(*Response)
	if !ok {
		return nil, errors.Errorf("fallback for %s returned %T, want *client.Response", c.service, result)
	}
	return response, nil
}

// request performs one bounded HTTP round trip, resolving the base URL
// first so a discovery miss counts as a call failure.
func (c *Client) request(ctx context.Context, method, path string, body []byte, headers http.Header) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	base := c.baseURL
	if c.resolver != nil {
		resolved, err := c.resolver.URL(reqCtx, c.service)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %s", c.service)
		}
		base = resolved
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, base+path, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s", method, path)
	}
	for name, values := range headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, req.URL)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s response", method, req.URL)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       payload,
	}
	if !response.Ok() {
		httpErr := &HTTPError{Method: method, URL: req.URL.String(), Response: response}
		// the class lets a breaker exempt chosen statuses via its
		// expected errors, e.g. HTTP404
		return nil, breaker.Classify(fmt.Sprintf("HTTP%d", resp.StatusCode), httpErr)
	}
	return response, nil
}

func (c *Client) emptyResponseFallback(_ context.Context, err error) (interface{}, error) {
	c.logger.Logf(log.WarnLevel, "substituting empty response: %s", err)
	return &Response{}, nil
}
