package service

import (
	"context"
	"sync"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
)

// fakeProvider is a scriptable client.Provider. Unset maps return nil, nil.
type fakeProvider struct {
	mu sync.Mutex

	stops      []client.StopRecord
	stopsErr   error
	arrivals   map[string][]client.ArrivalRecord
	arrivalErr map[string]error
	routes     map[string][]client.RouteRecord
	routesErr  map[string]error
	locations  map[string][]client.LocationRecord
	locErr     map[string]error
	details    map[string]client.RouteDetailsRecord
	detailsErr error

	calls map[string]int
}

func (f *fakeProvider) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

func (f *fakeProvider) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) ClosestStops(ctx context.Context, lat, lng float64) ([]client.StopRecord, error) {
	f.count(client.OpClosestStops)
	return f.stops, f.stopsErr
}

func (f *fakeProvider) StopArrivals(ctx context.Context, stopID string) ([]client.ArrivalRecord, error) {
	f.count(client.OpStopArrivals)
	return f.arrivals[stopID], f.arrivalErr[stopID]
}

func (f *fakeProvider) RoutesForStop(ctx context.Context, stopID string) ([]client.RouteRecord, error) {
	f.count(client.OpRoutesForStop)
	return f.routes[stopID], f.routesErr[stopID]
}

func (f *fakeProvider) BusLocations(ctx context.Context, routeCode string) ([]client.LocationRecord, error) {
	f.count(client.OpBusLocation)
	return f.locations[routeCode], f.locErr[routeCode]
}

func (f *fakeProvider) RouteDetails(ctx context.Context, routeCode string) (client.RouteDetailsRecord, error) {
	f.count(client.OpRouteDetails)
	return f.details[routeCode], f.detailsErr
}

// mainStreetProvider scripts the single-stop, single-bus scenario.
func mainStreetProvider() *fakeProvider {
	return &fakeProvider{
		stops: []client.StopRecord{{StopID: "101", StopCode: "400101", StopDescr: "Main St", StopLat: "38.0371", StopLng: "23.7151"}},
		arrivals: map[string][]client.ArrivalRecord{
			"101": {{RouteCode: "A10", BTime2: "5"}},
		},
		routes: map[string][]client.RouteRecord{
			"101": {{RouteCode: "A10", LineID: "A10", LineDescr: "ΑΓ. ΑΝΑΡΓΥΡΟΙ"}},
		},
		locations: map[string][]client.LocationRecord{
			"A10": {{Lat: "38.01", Lng: "23.70", VehicleNo: "V1"}},
		},
	}
}
