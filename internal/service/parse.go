package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

// parseCoord parses a provider coordinate. Empty values are errors.
func parseCoord(field string, v client.Text) (float64, error) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0, fmt.Errorf("%s is empty", field)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return f, nil
}

// parseOptional parses a numeric field that the provider may omit.
func parseOptional(v client.Text) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	if err != nil {
		return 0
	}
	return f
}

// toStop always returns the stop. When its coordinates cannot be parsed they
// are left zero and the parse error is returned alongside.
func toStop(r client.StopRecord) (models.Stop, error) {
	stop := models.Stop{
		ID:             string(r.StopID),
		Code:           string(r.StopCode),
		Description:    string(r.StopDescr),
		DescriptionEng: string(r.StopDescrEng),
		Street:         string(r.StopStreet),
		Distance:       parseOptional(r.Distance),
	}
	lat, err := parseCoord("StopLat", r.StopLat)
	if err != nil {
		return stop, err
	}
	lng, err := parseCoord("StopLng", r.StopLng)
	if err != nil {
		return stop, err
	}
	stop.Latitude, stop.Longitude = lat, lng
	return stop, nil
}

func toArrival(r client.ArrivalRecord) models.Arrival {
	return models.Arrival{
		RouteCode:   strings.TrimSpace(string(r.RouteCode)),
		VehicleCode: string(r.VehicleCode),
		TimeLeft:    string(r.BTime2),
	}
}

func toRouteInfo(r client.RouteRecord) models.RouteInfo {
	return models.RouteInfo{
		RouteCode:     string(r.RouteCode),
		LineCode:      string(r.LineCode),
		LineID:        string(r.LineID),
		LineDescr:     string(r.LineDescr),
		LineDescrEng:  string(r.LineDescrEng),
		RouteDescr:    string(r.RouteDescr),
		RouteDescrEng: string(r.RouteDescrEng),
	}
}

func toVehiclePosition(r client.LocationRecord) (models.VehiclePosition, error) {
	lat, err := parseCoord("CS_LAT", r.Lat)
	if err != nil {
		return models.VehiclePosition{}, err
	}
	lng, err := parseCoord("CS_LNG", r.Lng)
	if err != nil {
		return models.VehiclePosition{}, err
	}
	return models.VehiclePosition{
		Latitude:   lat,
		Longitude:  lng,
		VehicleID:  string(r.VehicleNo),
		ReportedAt: string(r.Date),
	}, nil
}

func toRouteStop(r client.RouteStopRecord) (models.RouteStop, error) {
	lat, err := parseCoord("StopLat", r.StopLat)
	if err != nil {
		return models.RouteStop{}, err
	}
	lng, err := parseCoord("StopLng", r.StopLng)
	if err != nil {
		return models.RouteStop{}, err
	}
	return models.RouteStop{
		StopCode:  string(r.StopCode),
		StopID:    string(r.StopID),
		StopDescr: string(r.StopDescr),
		Order:     string(r.RouteStopOrder),
		Latitude:  lat,
		Longitude: lng,
	}, nil
}

// toRoutePoint reads a path vertex. OASA sends x as longitude and y as latitude.
func toRoutePoint(r client.RoutePointRecord) (models.RoutePoint, error) {
	lng, err := parseCoord("routed_x", r.X)
	if err != nil {
		return models.RoutePoint{}, err
	}
	lat, err := parseCoord("routed_y", r.Y)
	if err != nil {
		return models.RoutePoint{}, err
	}
	return models.RoutePoint{Latitude: lat, Longitude: lng, Order: string(r.Order)}, nil
}
