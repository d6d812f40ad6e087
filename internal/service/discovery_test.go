package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

var ilion = models.Location{Latitude: 38.037, Longitude: 23.715, Name: "ilion"}

func TestStopDiscovery_Discover(t *testing.T) {
	d := NewStopDiscovery(mainStreetProvider(), nil)

	stops, err := d.Discover(context.Background(), ilion)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(stops) != 1 {
		t.Fatalf("len(stops) = %d, want 1", len(stops))
	}
	want := models.Stop{ID: "101", Code: "400101", Description: "Main St", Latitude: 38.0371, Longitude: 23.7151}
	if stops[0] != want {
		t.Errorf("stop = %+v, want %+v", stops[0], want)
	}
}

func TestStopDiscovery_EmptyIsNotAnError(t *testing.T) {
	d := NewStopDiscovery(&fakeProvider{}, nil)

	stops, err := d.Discover(context.Background(), ilion)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if stops == nil || len(stops) != 0 {
		t.Errorf("stops = %#v, want empty non-nil slice", stops)
	}
}

func TestStopDiscovery_ProviderFailure(t *testing.T) {
	upstream := errors.New("connection refused")
	d := NewStopDiscovery(&fakeProvider{stopsErr: upstream}, nil)

	stops, err := d.Discover(context.Background(), ilion)
	if len(stops) != 0 {
		t.Errorf("stops = %v, want empty", stops)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Discover() error = %v, want *ProviderError", err)
	}
	if pe.Kind != KindCallFailed || pe.Op != client.OpClosestStops {
		t.Errorf("ProviderError = %+v", pe)
	}
	if !errors.Is(err, upstream) {
		t.Error("ProviderError should unwrap to the upstream error")
	}
}

func TestStopDiscovery_MalformedCoordinatesKeepsStops(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewStopDiscovery(&fakeProvider{stops: []client.StopRecord{
		{StopID: "101", StopDescr: "Main St", StopLat: "38.1", StopLng: "23.7"},
		{StopID: "102", StopDescr: "Market", StopLat: "north", StopLng: "23.7"},
		{StopID: "103", StopDescr: "Square"},
	}}, zap.New(core))

	stops, err := d.Discover(context.Background(), ilion)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	want := []models.Stop{
		{ID: "101", Description: "Main St", Latitude: 38.1, Longitude: 23.7},
		{ID: "102", Description: "Market"},
		{ID: "103", Description: "Square"},
	}
	if len(stops) != len(want) {
		t.Fatalf("len(stops) = %d, want %d", len(stops), len(want))
	}
	for i := range want {
		if stops[i] != want[i] {
			t.Errorf("stops[%d] = %+v, want %+v", i, stops[i], want[i])
		}
	}
	if n := logs.FilterMessage("stop coordinates unparseable").Len(); n != 2 {
		t.Errorf("unparseable stop warnings = %d, want 2", n)
	}
}

func TestStopDiscovery_NilProvider(t *testing.T) {
	d := NewStopDiscovery(nil, nil)

	stops, err := d.Discover(context.Background(), ilion)
	if len(stops) != 0 {
		t.Errorf("stops = %v, want empty", stops)
	}
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Discover() error = %v, want ErrProviderUnavailable", err)
	}
}
