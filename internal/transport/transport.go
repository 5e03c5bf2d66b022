// Package transport is the single choke point for calls to the gallery API.
// Every request leaving the client passes through Transport.Send, which
// attaches the current bearer credential (if any) at dispatch time.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/credential"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// defaultMaxResponseBytes bounds how much of a response body is read.
const defaultMaxResponseBytes = 20 << 20 // 20 MiB

// CredentialSource supplies the credential to attach to outgoing requests.
type CredentialSource interface {
	Current() (credential.Credential, bool)
}

// Transport sends requests to the gallery API. It never retries: mutating
// calls must stay at-most-once from the caller's point of view. It also
// never clears the credential on a 401; reacting to that is the caller's
// decision.
type Transport struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

type Option func(*transportConfig)

type transportConfig struct {
	base     http.RoundTripper
	timeout  time.Duration
	limiter  *rate.Limiter
	maxBytes int64
}

// WithRoundTripper sets the round tripper the bearer credential is layered
// over. Defaults to http.DefaultTransport.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *transportConfig) {
		c.base = rt
	}
}

// WithTimeout bounds each request, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(c *transportConfig) {
		c.timeout = d
	}
}

// WithRateLimit paces outgoing requests. A zero limit disables pacing.
func WithRateLimit(limit float64, burst int) Option {
	return func(c *transportConfig) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithMaxResponseBytes bounds the size of response bodies.
func WithMaxResponseBytes(n int64) Option {
	return func(c *transportConfig) {
		c.maxBytes = n
	}
}

// New creates a Transport for the API rooted at baseURL.
func New(baseURL string, source CredentialSource, opts ...Option) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse API URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("API URL must be absolute: %s", baseURL)
	}

	cfg := transportConfig{
		base:     http.DefaultTransport,
		maxBytes: defaultMaxResponseBytes,
	}
	for _, o := range opts {
		o(&cfg)
	}

	return &Transport{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		client: &http.Client{
			Transport: &bearerRoundTripper{source: source, next: cfg.base},
			Timeout:   cfg.timeout,
		},
		limiter:  cfg.limiter,
		maxBytes: cfg.maxBytes,
	}, nil
}

// Send dispatches the request and reads the whole response. Non-2xx
// responses are returned alongside an *Error so callers can inspect both.
func (t *Transport) Send(ctx context.Context, req Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindNetwork, Err: err}
		}
	}

	httpReq, err := t.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > t.maxBytes {
		return nil, decodeError(fmt.Errorf("response body exceeds %d bytes", t.maxBytes))
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}

	log.Ctx(ctx).Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("gallery API call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, statusError(resp.StatusCode, body)
	}

	return out, nil
}

func (t *Transport) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	if req.Method == "" {
		return nil, errors.New("request method is required")
	}

	target := t.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}

	if ct := req.contentType(); ct != "" && body != nil {
		httpReq.Header.Set("Content-Type", ct)
	}
	httpReq.Header.Set("Accept", "application/json, image/*;q=0.9, */*;q=0.8")

	return httpReq, nil
}

// bearerRoundTripper reads the credential for every request so that a
// login or logout takes effect on the very next call.
type bearerRoundTripper struct {
	source CredentialSource
	next   http.RoundTripper
}

func (b *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, ok := b.source.Current()
	if !ok {
		return b.next.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+string(token))

	return b.next.RoundTrip(req)
}
