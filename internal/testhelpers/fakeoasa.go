// Package testhelpers provides a fake OASA telematics server for tests that
// exercise the real HTTP client end to end.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
)

// FakeOASA answers the telematics actions the service uses from in-memory
// fixtures. Unknown keys answer JSON null, as the real API does.
type FakeOASA struct {
	Server *httptest.Server

	mu        sync.Mutex
	stops     []client.StopRecord
	arrivals  map[string][]client.ArrivalRecord
	routes    map[string][]client.RouteRecord
	locations map[string][]client.LocationRecord
	details   map[string]client.RouteDetailsRecord
	failing   map[string]int
	calls     map[string]int
}

// NewFakeOASA starts a fake server that is closed when the test ends.
func NewFakeOASA(t *testing.T) *FakeOASA {
	t.Helper()
	f := &FakeOASA{
		arrivals:  make(map[string][]client.ArrivalRecord),
		routes:    make(map[string][]client.RouteRecord),
		locations: make(map[string][]client.LocationRecord),
		details:   make(map[string]client.RouteDetailsRecord),
		failing:   make(map[string]int),
		calls:     make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the API base URL to hand to client.NewOASAClient.
func (f *FakeOASA) URL() string { return f.Server.URL + "/api/" }

// MainStreet loads one stop "101 Main St" with route A10 arriving in 5
// minutes and vehicle V1 at (38.01, 23.70).
func (f *FakeOASA) MainStreet() *FakeOASA {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = []client.StopRecord{{
		StopCode: "10101", StopID: "101", StopDescr: "Main St",
		StopLat: "38.0372", StopLng: "23.7150", Distance: "0.01",
	}}
	f.arrivals["101"] = []client.ArrivalRecord{{RouteCode: "A10", VehicleCode: "V1", BTime2: "5"}}
	f.routes["101"] = []client.RouteRecord{{
		RouteCode: "A10", LineCode: "1010", LineID: "A10",
		LineDescr: "ΑΓ. ΑΝΑΡΓΥΡΟΙ", RouteDescr: "ΙΛΙΟΝ - ΣΥΝΤΑΓΜΑ",
	}}
	f.locations["A10"] = []client.LocationRecord{{VehicleNo: "V1", Lat: "38.01", Lng: "23.70", RouteCode: "A10"}}
	f.details["A10"] = client.RouteDetailsRecord{Stops: []client.RouteStopRecord{
		{StopCode: "10101", StopID: "101", StopDescr: "Main St", RouteStopOrder: "1", StopLat: "38.0372", StopLng: "23.7150"},
		{StopCode: "10102", StopID: "102", StopDescr: "Market", RouteStopOrder: "2", StopLat: "38.0301", StopLng: "23.7201"},
	}}
	return f
}

// SetStops replaces the getClosestStops answer.
func (f *FakeOASA) SetStops(stops []client.StopRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = stops
}

// SetLocations replaces the getBusLocation answer for routeCode.
func (f *FakeOASA) SetLocations(routeCode string, locs []client.LocationRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations[routeCode] = locs
}

// FailNext makes the next n calls of action answer 500.
func (f *FakeOASA) FailNext(action string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[action] = n
}

// Calls returns how many requests action has received.
func (f *FakeOASA) Calls(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *FakeOASA) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action, p1 := q.Get("act"), q.Get("p1")

	f.mu.Lock()
	f.calls[action]++
	if f.failing[action] > 0 {
		f.failing[action]--
		f.mu.Unlock()
		http.Error(w, "upstream error", http.StatusInternalServerError)
		return
	}

	var body interface{}
	switch action {
	case client.OpClosestStops:
		body = f.stops
	case client.OpStopArrivals:
		body = nilIfEmpty(f.arrivals[p1])
	case client.OpRoutesForStop:
		body = nilIfEmpty(f.routes[p1])
	case client.OpBusLocation:
		body = nilIfEmpty(f.locations[p1])
	case client.OpRouteDetails:
		if d, ok := f.details[p1]; ok {
			body = d
		}
	default:
		f.mu.Unlock()
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func nilIfEmpty[T any](s []T) interface{} {
	if len(s) == 0 {
		return nil
	}
	return s
}
