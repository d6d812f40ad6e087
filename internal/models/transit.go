package models

import "time"

// Location is a geographic point the service polls stops around.
type Location struct {
	Latitude  float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
	Name      string  `json:"name" yaml:"name" validate:"required"`
}

// Stop is a bus stop near the polled location. JSON keys follow the
// provider's field names so browser clients can consume stops unchanged.
// Coordinates are zero, and omitted, when the provider sent unusable ones.
type Stop struct {
	ID             string  `json:"StopID"`
	Code           string  `json:"StopCode,omitempty"`
	Description    string  `json:"StopDescr"`
	DescriptionEng string  `json:"StopDescrEng,omitempty"`
	Street         string  `json:"StopStreet,omitempty"`
	Latitude       float64 `json:"StopLat,omitempty"`
	Longitude      float64 `json:"StopLng,omitempty"`
	Distance       float64 `json:"distance"`
}

// Arrival is a predicted arrival at one stop.
type Arrival struct {
	RouteCode   string `json:"route_code"`
	VehicleCode string `json:"veh_code,omitempty"`
	// TimeLeft is the provider's estimate in minutes, kept verbatim.
	TimeLeft string `json:"btime2"`
}

// RouteInfo describes a route serving a stop.
type RouteInfo struct {
	RouteCode     string `json:"RouteCode"`
	LineCode      string `json:"LineCode"`
	LineID        string `json:"LineID"`
	LineDescr     string `json:"LineDescr"`
	LineDescrEng  string `json:"LineDescrEng,omitempty"`
	RouteDescr    string `json:"RouteDescr"`
	RouteDescrEng string `json:"RouteDescrEng,omitempty"`
}

// VehiclePosition is a live position reported for a route.
type VehiclePosition struct {
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lng"`
	VehicleID  string  `json:"vehicle_id"`
	ReportedAt string  `json:"reported_at,omitempty"`
}

// BusSighting joins an arrival with its route and the route's live vehicle.
// Sightings are created once per refresh cycle and never mutated.
type BusSighting struct {
	RouteCode  string    `json:"route_code"`
	LineID     string    `json:"LineID,omitempty"`
	LineDescr  string    `json:"LineDescr,omitempty"`
	RouteDescr string    `json:"RouteDescr,omitempty"`
	StopID     string    `json:"stop_id"`
	StopName   string    `json:"stop_name"`
	TimeLeft   string    `json:"time_left"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	VehicleID  string    `json:"vehicle_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// Stats are cumulative refresh counters.
type Stats struct {
	TotalUpdates      uint64 `json:"total_updates"`
	SuccessfulUpdates uint64 `json:"successful_updates"`
	FailedUpdates     uint64 `json:"failed_updates"`
	UptimeSeconds     int64  `json:"uptime"`
}

// Snapshot is the dataset of one completed refresh cycle. Readers must treat
// the slices as read-only.
type Snapshot struct {
	Location   Location      `json:"location"`
	Stops      []Stop        `json:"stops"`
	Buses      []BusSighting `json:"buses"`
	LastUpdate time.Time     `json:"last_update"`
}

// RouteStop is one stop along a route's path.
type RouteStop struct {
	StopCode  string  `json:"StopCode"`
	StopID    string  `json:"StopID"`
	StopDescr string  `json:"StopDescr"`
	Order     string  `json:"RouteStopOrder"`
	Latitude  float64 `json:"StopLat"`
	Longitude float64 `json:"StopLng"`
}

// RoutePoint is one vertex of the polyline a map draws for a route.
type RoutePoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Order     string  `json:"order"`
}

// RouteDetail is the live, uncached view of a single route.
type RouteDetail struct {
	RouteCode   string            `json:"route_code"`
	RoutePath   []RoutePoint      `json:"route_path"`
	RouteStops  []RouteStop       `json:"route_stops"`
	BusLocation []VehiclePosition `json:"bus_location"`
}

// BusesView is the /api/buses payload. LastUpdate is Unix seconds, 0 before the first refresh.
type BusesView struct {
	Buses      []BusSighting `json:"buses"`
	LastUpdate float64       `json:"last_update"`
}

// StatusView is the /api/status payload.
type StatusView struct {
	Status     string  `json:"status"`
	Location   string  `json:"location"`
	LastUpdate float64 `json:"last_update"`
	StopsCount int     `json:"stops_count"`
	BusesCount int     `json:"buses_count"`
	Stats      Stats   `json:"stats"`
	ServerTime string  `json:"server_time"`
}

// UnixSeconds converts t to fractional Unix seconds; the zero time maps to 0.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
