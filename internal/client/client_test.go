package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/oasa-bus-tracker/internal/circuitbreaker"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
)

func newTestClient(t *testing.T, url string, attempts int) *OASAClient {
	t.Helper()
	c, err := NewOASAClientWithRetry(url, 2*time.Second, attempts, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOASAClientWithRetry() error = %v", err)
	}
	return c
}

func TestNewOASAClient_InvalidURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"empty", "", true},
		{"relative", "/api/", true},
		{"unsupported scheme", "ftp://telematics.oasa.gr/api/", true},
		{"valid", "http://telematics.oasa.gr/api/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewOASAClient(tt.url, time.Second)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidURL) {
					t.Fatalf("NewOASAClient() error = %v, want ErrInvalidURL", err)
				}
				if c != nil {
					t.Error("NewOASAClient() expected nil client on error")
				}
				return
			}
			if err != nil || c == nil {
				t.Fatalf("NewOASAClient() = %v, %v; want client", c, err)
			}
		})
	}
}

func TestOASAClient_ClosestStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("act") != OpClosestStops {
			t.Errorf("act = %q, want %q", q.Get("act"), OpClosestStops)
		}
		if q.Get("p1") != "38.037" || q.Get("p2") != "23.715" {
			t.Errorf("p1,p2 = %q,%q, want 38.037,23.715", q.Get("p1"), q.Get("p2"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"StopCode":"400075","StopID":"101","StopDescr":"Main St","StopLat":"38.0371","StopLng":23.7151,"distance":"0.00012"}]`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/api/", 1)
	stops, err := c.ClosestStops(context.Background(), 38.037, 23.715)
	if err != nil {
		t.Fatalf("ClosestStops() error = %v", err)
	}
	if len(stops) != 1 {
		t.Fatalf("len(stops) = %d, want 1", len(stops))
	}
	got := stops[0]
	if got.StopID != "101" || got.StopDescr != "Main St" || got.StopCode != "400075" {
		t.Errorf("stop = %+v", got)
	}
	if got.StopLng != "23.7151" {
		t.Errorf("StopLng = %q, want numeric value kept as text", got.StopLng)
	}
}

func TestOASAClient_NullBodyIsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1)
	arrivals, err := c.StopArrivals(context.Background(), "101")
	if err != nil {
		t.Fatalf("StopArrivals() error = %v", err)
	}
	if arrivals != nil {
		t.Errorf("StopArrivals() = %v, want nil for null body", arrivals)
	}
}

func TestOASAClient_BusLocationsAndRoutes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("act") {
		case OpBusLocation:
			_, _ = w.Write([]byte(`[{"VEH_NO":"V1","CS_DATE":"Oct 17 2026 07:30:00:000PM","CS_LAT":"38.01","CS_LNG":"23.70","ROUTE_CODE":"A10"}]`))
		case OpRoutesForStop:
			_, _ = w.Write([]byte(`[{"RouteCode":"A10","LineCode":"962","LineID":"A10","LineDescr":"ΑΓ. ΑΝΑΡΓΥΡΟΙ","RouteDescr":"ΑΓ. ΑΝΑΡΓΥΡΟΙ - ΑΘΗΝΑ"}]`))
		case OpRouteDetails:
			_, _ = w.Write([]byte(`{"details":[],"stops":[{"StopCode":"1","StopID":"101","StopDescr":"Main St","RouteStopOrder":"1","StopLat":"38.1","StopLng":"23.7"}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1)
	ctx := context.Background()

	locs, err := c.BusLocations(ctx, "A10")
	if err != nil {
		t.Fatalf("BusLocations() error = %v", err)
	}
	if len(locs) != 1 || locs[0].VehicleNo != "V1" || locs[0].Lat != "38.01" {
		t.Errorf("BusLocations() = %+v", locs)
	}

	routes, err := c.RoutesForStop(ctx, "101")
	if err != nil {
		t.Fatalf("RoutesForStop() error = %v", err)
	}
	if len(routes) != 1 || routes[0].RouteCode != "A10" || routes[0].LineID != "A10" {
		t.Errorf("RoutesForStop() = %+v", routes)
	}

	details, err := c.RouteDetails(ctx, "A10")
	if err != nil {
		t.Fatalf("RouteDetails() error = %v", err)
	}
	if len(details.Stops) != 1 || details.Stops[0].StopID != "101" {
		t.Errorf("RouteDetails() = %+v", details)
	}
}

func TestOASAClient_ErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
		retryable  bool
	}{
		{"404 not found", http.StatusNotFound, "", ErrNotFound, false},
		{"429 rate limited", http.StatusTooManyRequests, "", ErrRateLimited, true},
		{"500 server error", http.StatusInternalServerError, "", ErrUpstreamFailure, true},
		{"502 bad gateway", http.StatusBadGateway, "", ErrUpstreamFailure, true},
		{"malformed body", http.StatusOK, `{"not":"an array"`, ErrMalformedResponse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 1)
			_, err := c.StopArrivals(context.Background(), "101")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StopArrivals() error = %v, want %v", err, tt.wantErr)
			}
			if got := isRetryable(err); got != tt.retryable {
				t.Errorf("isRetryable(%v) = %v, want %v", err, got, tt.retryable)
			}
		})
	}
}

func TestOASAClient_RetryLogic(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"route_code": "A10", "btime2": "5"}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	arrivals, err := c.StopArrivals(context.Background(), "101")
	if err != nil {
		t.Fatalf("StopArrivals() error = %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if len(arrivals) != 1 || arrivals[0].BTime2 != "5" {
		t.Errorf("arrivals = %+v", arrivals)
	}
}

func TestOASAClient_ExhaustedRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)
	_, err := c.BusLocations(context.Background(), "A10")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("BusLocations() error = %v, want ErrUpstreamFailure", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestOASAClient_NoRetryOnNotFound(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	if _, err := c.RouteDetails(context.Background(), "A10"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RouteDetails() error = %v, want ErrNotFound", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", n)
	}
}

func TestOASAClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ClosestStops(ctx, 38, 23)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ClosestStops() error = %v, want context.Canceled", err)
	}
}

func TestOASAClient_CorrelationID(t *testing.T) {
	var captured string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte("[]"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1)
	ctx := observability.WithCorrelationID(context.Background(), "corr-42")
	if _, err := c.RoutesForStop(ctx, "101"); err != nil {
		t.Fatalf("RoutesForStop() error = %v", err)
	}
	if captured != "corr-42" {
		t.Errorf("X-Correlation-ID = %q, want corr-42", captured)
	}
}

func TestOASAClient_CircuitBreakerOpens(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1)
	c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.BusLocations(ctx, "A10"); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("call %d error = %v, want ErrUpstreamFailure", i, err)
		}
	}
	_, err := c.BusLocations(ctx, "A10")
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("BusLocations() error = %v, want circuitbreaker.ErrOpen", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("upstream attempts = %d, want 2 (third call short-circuited)", n)
	}
}

func TestText_UnmarshalJSON(t *testing.T) {
	var rec struct {
		A Text `json:"a"`
		B Text `json:"b"`
		C Text `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"38.01","b":23.7,"c":null}`), &rec); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if rec.A != "38.01" || rec.B != "23.7" || rec.C != "" {
		t.Errorf("decoded = %+v", rec)
	}
	if err := json.Unmarshal([]byte(`{"a":{"x":1}}`), &rec); err == nil {
		t.Error("Unmarshal(object) error = nil, want error")
	}
}
