package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
	"github.com/kjstillabower/oasa-bus-tracker/internal/validation"
)

// RouteService serves live route details. It never reads or writes the snapshot cache.
type RouteService struct {
	provider  client.Provider
	coalescer *requestCoalescer
}

// NewRouteService returns a RouteService. coalesceTimeout bounds how long a
// lookup (shared or not) may take; 0 disables coalescing.
func NewRouteService(provider client.Provider, coalesceTimeout time.Duration) *RouteService {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &RouteService{provider: provider, coalescer: coalescer}
}

// Available reports whether a provider is configured.
func (s *RouteService) Available() bool { return s.provider != nil }

// RouteDetail fetches the route's stops and current vehicle positions.
// An invalid code returns a validation error before any provider call;
// provider failures return a *ProviderError. A route with no vehicles is a
// successful result with an empty BusLocation.
func (s *RouteService) RouteDetail(ctx context.Context, routeCode string) (models.RouteDetail, error) {
	code, err := validation.ValidateRouteCode(routeCode)
	if err != nil {
		return models.RouteDetail{}, err
	}
	if s.provider == nil {
		return models.RouteDetail{}, unavailable(client.OpRouteDetails)
	}
	if s.coalescer == nil {
		return s.fetch(ctx, code)
	}

	detail, shared, err := s.coalescer.GetOrDo(ctx, code, func(ctx context.Context) (models.RouteDetail, error) {
		return s.fetch(ctx, code)
	})
	if shared {
		observability.RouteDetailCoalescedTotal.Inc()
		if logger := observability.LoggerFromContext(ctx); logger != nil {
			logger.Debug("route detail coalesced", zap.String("route_code", code))
		}
	}
	return detail, err
}

func (s *RouteService) fetch(ctx context.Context, code string) (models.RouteDetail, error) {
	details, err := s.provider.RouteDetails(ctx, code)
	if err != nil {
		return models.RouteDetail{}, callFailed(client.OpRouteDetails, code, err)
	}
	locs, err := s.provider.BusLocations(ctx, code)
	if err != nil {
		return models.RouteDetail{}, callFailed(client.OpBusLocation, code, err)
	}

	out := models.RouteDetail{
		RouteCode:   code,
		RoutePath:   make([]models.RoutePoint, 0, len(details.Details)),
		RouteStops:  make([]models.RouteStop, 0, len(details.Stops)),
		BusLocation: make([]models.VehiclePosition, 0, len(locs)),
	}
	for _, r := range details.Stops {
		rs, err := toRouteStop(r)
		if err != nil {
			return models.RouteDetail{}, parseFailed(client.OpRouteDetails, code, fmt.Errorf("stop %s: %w", r.StopID, err))
		}
		out.RouteStops = append(out.RouteStops, rs)
	}

	// Path vertices and vehicle positions are drawn independently; a bad
	// entry is dropped without failing the lookup.
	for _, r := range details.Details {
		pt, err := toRoutePoint(r)
		if err != nil {
			s.skipped(ctx, parseFailed(client.OpRouteDetails, code, err))
			continue
		}
		out.RoutePath = append(out.RoutePath, pt)
	}
	for _, r := range locs {
		pos, err := toVehiclePosition(r)
		if err != nil {
			s.skipped(ctx, parseFailed(client.OpBusLocation, code, fmt.Errorf("vehicle %s: %w", r.VehicleNo, err)))
			continue
		}
		out.BusLocation = append(out.BusLocation, pos)
	}
	return out, nil
}

func (s *RouteService) skipped(ctx context.Context, pe *ProviderError) {
	observability.JoinErrorsTotal.WithLabelValues(pe.Op, string(client.ErrorCategoryParsing)).Inc()
	if logger := observability.LoggerFromContext(ctx); logger != nil {
		logger.Debug("route detail entry skipped", zap.String("op", pe.Op), zap.String("route_code", pe.Key), zap.Error(pe.Err))
	}
}
