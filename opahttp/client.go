package opahttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethgrid/pester"
	"go.uber.org/zap"

	opa "github.com/tamasfe/opa-go"
	"github.com/tamasfe/opa-go/errors"
)

const defaultTimeout = 10 * time.Second

// Decision is a decision document returned by the data API. Result is
// absent when the queried rule was undefined for the input.
type Decision struct {
	Result     json.RawMessage `json:"result"`
	DecisionID uuid.UUID       `json:"decision_id"`
}

// Policy is a raw Rego policy as the policy API exchanges it.
type Policy struct {
	ID  string `json:"id"`
	Raw string `json:"raw"`
}

// Client talks to one OPA server.
type Client struct {
	base *url.URL
	hc   *pester.Client
	log  *zap.Logger
}

// Option adjusts a Client during construction.
type Option func(*Client)

// WithLogger replaces the no-op default logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTimeout bounds each request attempt, default 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithMaxRetries bounds retry attempts per request, default 3.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.hc.MaxRetries = n }
}

// WithTransport replaces the underlying HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.hc.Transport = rt }
}

// New creates a client for the OPA server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Request("parse base url", err)
	}

	hc := pester.New()
	hc.Concurrency = 1
	hc.MaxRetries = 3
	hc.Backoff = pester.ExponentialJitterBackoff
	hc.RetryOnHTTP429 = true
	hc.Timeout = defaultTimeout

	c := &Client{
		base: base,
		hc:   hc,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	log := c.log
	hc.LogHook = func(e pester.ErrEntry) {
		if e.Err != nil && e.Retry <= hc.MaxRetries {
			log.Debug("retrying request",
				zap.String("method", e.Verb),
				zap.String("url", e.URL),
				zap.Int("attempt", e.Retry),
				zap.Error(e.Err))
		}
	}
	return c, nil
}

// normalizePolicyPath accepts dotted package references (example.allow)
// and URL-style paths (example/allow) interchangeably.
func normalizePolicyPath(policy string) string {
	return strings.ReplaceAll(policy, ".", "/")
}

// do sends a request and returns the response body for 2xx statuses.
// Any other status is reported together with the body the server sent.
func (c *Client) do(ctx context.Context, method, u, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, errors.Request("build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	c.log.Debug("sending request",
		zap.String("method", method),
		zap.String("url", u))

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Request(method+" "+u, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Request("read response body", err)
	}
	if res.StatusCode/100 != 2 {
		return nil, errors.Status(res.StatusCode, string(raw))
	}
	return raw, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

// GetDecision evaluates a policy rule server-side with the given input
// and returns the decision document. The policy path is either a package
// reference such as example.policy.allow or a path such as
// example/policy/allow.
func (c *Client) GetDecision(ctx context.Context, policy string, input any) (*Decision, error) {
	payload, err := json.Marshal(struct {
		Input any `json:"input"`
	}{Input: input})
	if err != nil {
		return nil, errors.Encode("input", err)
	}

	raw, err := c.do(ctx, http.MethodPost,
		c.endpoint("v1", "data", normalizePolicyPath(policy)),
		"application/json", payload)
	if err != nil {
		return nil, err
	}

	var dec Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return nil, errors.Decode("decision", err)
	}
	return &dec, nil
}

// GetDocument fetches the document at path as the server sees it, with
// no input bound.
func (c *Client) GetDocument(ctx context.Context, path string, out any) error {
	raw, err := c.do(ctx, http.MethodGet,
		c.endpoint("v1", "data", normalizePolicyPath(path)), "", nil)
	if err != nil {
		return err
	}
	var res struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return errors.Decode("document", err)
	}
	if out == nil || res.Result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return errors.Decode("document", err)
	}
	return nil
}

// SetDocument replaces the document at path.
func (c *Client) SetDocument(ctx context.Context, path string, document any) error {
	payload, err := json.Marshal(document)
	if err != nil {
		return errors.Encode("document", err)
	}
	_, err = c.do(ctx, http.MethodPut,
		c.endpoint("v1", "data", normalizePolicyPath(path)),
		"application/json", payload)
	return err
}

// DeleteDocument removes the document at path.
func (c *Client) DeleteDocument(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete,
		c.endpoint("v1", "data", normalizePolicyPath(path)), "", nil)
	return err
}

// SetPolicy uploads a raw Rego policy under its id.
func (c *Client) SetPolicy(ctx context.Context, policy Policy) error {
	_, err := c.do(ctx, http.MethodPut,
		c.endpoint("v1", "policies", policy.ID),
		"text/plain", []byte(policy.Raw))
	return err
}

// GetPolicy fetches the raw policy stored under id.
func (c *Client) GetPolicy(ctx context.Context, id string) (Policy, error) {
	raw, err := c.do(ctx, http.MethodGet, c.endpoint("v1", "policies", id), "", nil)
	if err != nil {
		return Policy{}, err
	}
	var res struct {
		Result Policy `json:"result"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return Policy{}, errors.Decode("policy", err)
	}
	return res.Result, nil
}

// ListPolicies fetches every policy on the server.
func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	raw, err := c.do(ctx, http.MethodGet, c.endpoint("v1", "policies"), "", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Result []Policy `json:"result"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Decode("policy list", err)
	}
	return res.Result, nil
}

// DeletePolicy removes the policy stored under id.
func (c *Client) DeletePolicy(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.endpoint("v1", "policies", id), "", nil)
	return err
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.endpoint("health"), "", nil)
	return err
}

// Decide evaluates a typed decision point server-side. An undefined
// decision (no result document) reports a no-results error, matching
// in-process evaluation.
func Decide[I, O any](ctx context.Context, c *Client, d opa.Decision[I, O], input I) (O, error) {
	var out O
	dec, err := c.GetDecision(ctx, d.Path, input)
	if err != nil {
		return out, err
	}
	if dec.Result == nil {
		return out, errors.NoResults(d.Path)
	}
	if err := json.Unmarshal(dec.Result, &out); err != nil {
		var zero O
		return zero, errors.Decode("decision", err)
	}
	return out, nil
}
