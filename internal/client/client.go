package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kjstillabower/oasa-bus-tracker/internal/circuitbreaker"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
)

// OASA telematics actions.
const (
	OpClosestStops  = "getClosestStops"
	OpStopArrivals  = "getStopArrivals"
	OpRoutesForStop = "webRoutesForStop"
	OpBusLocation   = "getBusLocation"
	OpRouteDetails  = "webGetRoutesDetailsAndStops"
)

// Provider is the subset of the OASA telematics API the service depends on.
// StopArrivals and BusLocations return a nil slice when the provider has no data.
type Provider interface {
	ClosestStops(ctx context.Context, lat, lng float64) ([]StopRecord, error)
	StopArrivals(ctx context.Context, stopID string) ([]ArrivalRecord, error)
	RoutesForStop(ctx context.Context, stopID string) ([]RouteRecord, error)
	BusLocations(ctx context.Context, routeCode string) ([]LocationRecord, error)
	RouteDetails(ctx context.Context, routeCode string) (RouteDetailsRecord, error)
}

var (
	ErrInvalidURL        = errors.New("invalid API URL")
	ErrNotFound          = errors.New("not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed response")

	// ErrCircuitOpen is returned without calling upstream while the breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen
)

// OASAClient calls the OASA telematics HTTP API.
type OASAClient struct {
	apiURL         *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewOASAClient(apiURL string, timeout time.Duration) (*OASAClient, error) {
	return NewOASAClientWithRetry(apiURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewOASAClientWithRetry(apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OASAClient, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidURL, apiURL)
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}

	return &OASAClient{
		apiURL:         u,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every upstream call through cb.
func (c *OASAClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

func (c *OASAClient) ClosestStops(ctx context.Context, lat, lng float64) ([]StopRecord, error) {
	var out []StopRecord
	err := c.get(ctx, OpClosestStops, &out, formatCoord(lat), formatCoord(lng))
	return out, err
}

func (c *OASAClient) StopArrivals(ctx context.Context, stopID string) ([]ArrivalRecord, error) {
	var out []ArrivalRecord
	err := c.get(ctx, OpStopArrivals, &out, stopID)
	return out, err
}

func (c *OASAClient) RoutesForStop(ctx context.Context, stopID string) ([]RouteRecord, error) {
	var out []RouteRecord
	err := c.get(ctx, OpRoutesForStop, &out, stopID)
	return out, err
}

func (c *OASAClient) BusLocations(ctx context.Context, routeCode string) ([]LocationRecord, error) {
	var out []LocationRecord
	err := c.get(ctx, OpBusLocation, &out, routeCode)
	return out, err
}

func (c *OASAClient) RouteDetails(ctx context.Context, routeCode string) (RouteDetailsRecord, error) {
	var out RouteDetailsRecord
	err := c.get(ctx, OpRouteDetails, &out, routeCode)
	return out, err
}

// get performs one logical call with retries and decodes the body into out.
// A JSON null body leaves out untouched.
func (c *OASAClient) get(ctx context.Context, op string, out interface{}, params ...string) error {
	attempt := func() error {
		err := c.callWithBreaker(ctx, op, out, params)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var policy backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryBaseDelay),
		backoff.WithMaxInterval(c.retryMaxDelay),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxElapsedTime(0),
	)
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retryAttempts-1)), ctx)

	retried := false
	err := backoff.RetryNotify(attempt, policy, func(error, time.Duration) {
		retried = true
		observability.ProviderRetriesTotal.WithLabelValues(op).Inc()
	})
	if err != nil && retried && isRetryable(err) {
		return fmt.Errorf("%s: exhausted retries: %w", op, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *OASAClient) callWithBreaker(ctx context.Context, op string, out interface{}, params []string) error {
	if c.breaker == nil {
		return c.callAPI(ctx, op, out, params)
	}
	return c.breaker.Call(ctx, func() error {
		return c.callAPI(ctx, op, out, params)
	})
}

func (c *OASAClient) callAPI(ctx context.Context, op string, out interface{}, params []string) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, op, params)
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.ProviderCallsTotal.WithLabelValues(op, "error").Inc()
		observability.ProviderDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ProviderCallsTotal.WithLabelValues(op, status).Inc()
	observability.ProviderDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (c *OASAClient) buildRequest(ctx context.Context, op string, params []string) (*http.Request, error) {
	u := *c.apiURL
	q := u.Query()
	q.Set("act", op)
	for i, p := range params {
		q.Set("p"+strconv.Itoa(i+1), p)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

// isRetryable reports whether another attempt could succeed. Circuit-open
// and caller cancellation are final for this call.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
