package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Text is a provider field that OASA sends as a string, a bare number or null.
// It always decodes to the literal text so callers decide how to parse it.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		*t = Text(b)
	default:
		return fmt.Errorf("unexpected JSON value %s for text field", b)
	}
	return nil
}

// StopRecord is one entry of getClosestStops.
type StopRecord struct {
	StopCode     Text `json:"StopCode"`
	StopID       Text `json:"StopID"`
	StopDescr    Text `json:"StopDescr"`
	StopDescrEng Text `json:"StopDescrEng"`
	StopStreet   Text `json:"StopStreet"`
	StopLat      Text `json:"StopLat"`
	StopLng      Text `json:"StopLng"`
	Distance     Text `json:"distance"`
}

// ArrivalRecord is one entry of getStopArrivals.
type ArrivalRecord struct {
	RouteCode   Text `json:"route_code"`
	VehicleCode Text `json:"veh_code"`
	BTime2      Text `json:"btime2"`
}

// RouteRecord is one entry of webRoutesForStop.
type RouteRecord struct {
	RouteCode     Text `json:"RouteCode"`
	LineCode      Text `json:"LineCode"`
	LineID        Text `json:"LineID"`
	LineDescr     Text `json:"LineDescr"`
	LineDescrEng  Text `json:"LineDescrEng"`
	RouteDescr    Text `json:"RouteDescr"`
	RouteDescrEng Text `json:"RouteDescrEng"`
}

// LocationRecord is one entry of getBusLocation.
type LocationRecord struct {
	VehicleNo Text `json:"VEH_NO"`
	Date      Text `json:"CS_DATE"`
	Lat       Text `json:"CS_LAT"`
	Lng       Text `json:"CS_LNG"`
	RouteCode Text `json:"ROUTE_CODE"`
}

// RouteStopRecord is one stop of webGetRoutesDetailsAndStops.
type RouteStopRecord struct {
	StopCode       Text `json:"StopCode"`
	StopID         Text `json:"StopID"`
	StopDescr      Text `json:"StopDescr"`
	RouteStopOrder Text `json:"RouteStopOrder"`
	StopLat        Text `json:"StopLat"`
	StopLng        Text `json:"StopLng"`
}

// RoutePointRecord is one vertex of a route's drawn path.
type RoutePointRecord struct {
	X     Text `json:"routed_x"`
	Y     Text `json:"routed_y"`
	Order Text `json:"routed_order"`
}

// RouteDetailsRecord is the webGetRoutesDetailsAndStops payload.
type RouteDetailsRecord struct {
	Details []RoutePointRecord `json:"details"`
	Stops   []RouteStopRecord  `json:"stops"`
}
