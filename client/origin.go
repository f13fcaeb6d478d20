package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

type Option func(*OriginFetcher)

// WithDial replaces the dialer, mostly for in-memory listeners in tests.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(o *OriginFetcher) {
		o.client.Dial = dial
	}
}

// OriginFetcher is the network side of the worker: it forwards requests to
// the configured origin and maps transport failures to errors while any
// HTTP status, including 4xx and 5xx, comes back as a response.
type OriginFetcher struct {
	logger  types.Logger
	metrics types.MetricsManager
	client  *fasthttp.Client
	baseURL *url.URL
	timeout time.Duration
	breaker *CircuitBreaker
	closed  atomic.Bool
}

func NewOriginFetcher(logger types.Logger, metrics types.MetricsManager, config *types.OriginConfig, opts ...Option) (*OriginFetcher, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	baseURL, err := url.Parse(config.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "origin base url %q", config.BaseURL)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	o := &OriginFetcher{
		logger:  logger,
		metrics: metrics,
		client: &fasthttp.Client{
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			MaxConnsPerHost:          config.MaxConnsPerHost,
			MaxResponseBodySize:      config.MaxBodySize,
			NoDefaultUserAgentHeader: true,
		},
		baseURL: baseURL,
		timeout: timeout,
		breaker: NewCircuitBreaker(config.CircuitBreaker, logger, baseURL.Host),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

func (o *OriginFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if o.closed.Load() {
		return nil, types.Errorf(types.ErrFetchFailed, "origin fetcher closed")
	}

	if !o.breaker.CanExecute() {
		o.record("circuit_open", time.Now())
		return nil, types.Errorf(types.ErrCircuitOpen, "origin %s", o.baseURL.Host)
	}

	target := o.resolve(req.URL)

	deadline := time.Now().Add(o.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	type result struct {
		resp *types.Response
		err  error
	}

	start := time.Now()
	done := make(chan result, 1)

	go func() {
		freq := fasthttp.AcquireRequest()
		fresp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(freq)
		defer fasthttp.ReleaseResponse(fresp)

		o.buildRequest(freq, req, target)

		if err := o.client.DoDeadline(freq, fresp, deadline); err != nil {
			done <- result{err: err}
			return
		}

		done <- result{resp: convertResponse(fresp, target)}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	if res.err != nil {
		o.breaker.RecordFailure()
		o.record("error", start)

		o.logger.Debug("Origin fetch failed",
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Error(res.err))

		if errors.Is(res.err, fasthttp.ErrTimeout) || errors.Is(res.err, context.DeadlineExceeded) {
			return nil, types.Errorf(types.ErrFetchTimeout, "%s %s: %v", req.Method, target, res.err)
		}
		return nil, types.Errorf(types.ErrFetchFailed, "%s %s: %v", req.Method, target, res.err)
	}

	if IsCircuitBreakerFailure(res.resp.Status, nil) {
		o.breaker.RecordFailure()
	} else {
		o.breaker.RecordSuccess()
	}

	o.record(strconv.Itoa(res.resp.Status/100)+"xx", start)
	return res.resp, nil
}

func (o *OriginFetcher) Breaker() *CircuitBreaker {
	return o.breaker
}

func (o *OriginFetcher) BaseURL() string {
	return o.baseURL.String()
}

func (o *OriginFetcher) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.breaker.Stop()
	o.client.CloseIdleConnections()
	o.logger.Debug("Origin fetcher closed", zap.String("origin", o.baseURL.Host))
}

func (o *OriginFetcher) resolve(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return o.baseURL.String()
	}
	if ref.IsAbs() {
		ref.Fragment = ""
		return ref.String()
	}

	resolved := o.baseURL.ResolveReference(&url.URL{Path: "/" + strings.TrimPrefix(ref.Path, "/"), RawQuery: ref.RawQuery})
	return resolved.String()
}

func (o *OriginFetcher) buildRequest(freq *fasthttp.Request, req *types.Request, target string) {
	freq.SetRequestURI(target)
	freq.Header.SetMethod(req.Method)

	for key, values := range req.Header {
		for _, value := range values {
			freq.Header.Add(key, value)
		}
	}
	for _, key := range hopHeaders {
		freq.Header.Del(key)
	}
	freq.Header.Del("Accept-Encoding")

	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
	}
}

func (o *OriginFetcher) record(outcome string, start time.Time) {
	o.metrics.Counter("origin_requests_total", map[string]string{
		"outcome": outcome,
	}).Inc()

	o.metrics.Histogram("origin_request_duration_seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		map[string]string{},
	).ObserveDuration(start)
}

func convertResponse(fresp *fasthttp.Response, target string) *types.Response {
	header := make(http.Header)
	fresp.Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	for _, key := range hopHeaders {
		header.Del(key)
	}

	body := make([]byte, len(fresp.Body()))
	copy(body, fresp.Body())

	return &types.Response{
		Status: fresp.StatusCode(),
		Header: header,
		Body:   body,
		Type:   types.ResponseBasic,
		URL:    target,
	}
}
