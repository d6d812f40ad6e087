package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
)

// JoinResult is the output of one join pass. Errors holds every isolated
// failure; a non-empty Errors never makes the join itself fail.
type JoinResult struct {
	Sightings []models.BusSighting
	Errors    []*ProviderError
}

// ErrorCount returns the number of isolated failures.
func (r JoinResult) ErrorCount() int { return len(r.Errors) }

// BusJoiner turns stops into bus sightings by joining arrivals, the stop's
// route listing and the route's live vehicle positions.
type BusJoiner struct {
	provider    client.Provider
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewBusJoiner returns a BusJoiner that processes up to concurrency stops at
// once. concurrency <= 1 processes stops sequentially.
func NewBusJoiner(provider client.Provider, concurrency int, logger *zap.Logger) *BusJoiner {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusJoiner{provider: provider, concurrency: concurrency, logger: logger, now: time.Now}
}

type stopResult struct {
	sightings []models.BusSighting
	errs      []*ProviderError
}

// Join processes every stop independently. Output follows stop order, then
// arrival order within a stop, regardless of concurrency. Stops not yet
// started when ctx is cancelled are skipped.
func (j *BusJoiner) Join(ctx context.Context, stops []models.Stop) JoinResult {
	if len(stops) == 0 {
		return JoinResult{Sightings: []models.BusSighting{}}
	}
	if j.provider == nil {
		return JoinResult{Sightings: []models.BusSighting{}, Errors: []*ProviderError{unavailable(client.OpStopArrivals)}}
	}

	observedAt := j.now().UTC()
	results := make([]stopResult, len(stops))

	indexes := make(chan int)
	var wg sync.WaitGroup
	workers := j.concurrency
	if workers > len(stops) {
		workers = len(stops)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = j.joinStop(ctx, stops[i], observedAt)
			}
		}()
	}
	for i := range stops {
		if ctx.Err() != nil {
			break
		}
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	out := JoinResult{Sightings: []models.BusSighting{}}
	for _, r := range results {
		out.Sightings = append(out.Sightings, r.sightings...)
		out.Errors = append(out.Errors, r.errs...)
	}
	return out
}

// joinStop handles one stop. Failures are isolated to the smallest scope: a
// failed arrivals call drops the stop, a failed route listing or vehicle
// lookup drops only the current arrival.
func (j *BusJoiner) joinStop(ctx context.Context, stop models.Stop, observedAt time.Time) (res stopResult) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic while joining stop", zap.String("stop_id", stop.ID), zap.Any("panic", r))
			res.errs = append(res.errs, &ProviderError{Kind: KindCallFailed, Op: client.OpStopArrivals, Key: stop.ID, Err: errPanic})
		}
	}()

	arrivals, err := j.provider.StopArrivals(ctx, stop.ID)
	if err != nil {
		res.errs = append(res.errs, j.record(callFailed(client.OpStopArrivals, stop.ID, err)))
		return res
	}
	if len(arrivals) == 0 {
		j.logger.Debug("no arrivals for stop", zap.String("stop_id", stop.ID), zap.String("stop_name", stop.Description))
		return res
	}

	// The route listing and vehicle positions are reused within the stop once
	// fetched successfully; failed fetches are retried by the next arrival.
	var routes []client.RouteRecord
	routesLoaded := false
	positions := make(map[string][]client.LocationRecord)

	for _, rec := range arrivals {
		if ctx.Err() != nil {
			return res
		}
		a := toArrival(rec)
		routeCode := a.RouteCode

		if !routesLoaded {
			routes, err = j.provider.RoutesForStop(ctx, stop.ID)
			if err != nil {
				res.errs = append(res.errs, j.record(callFailed(client.OpRoutesForStop, stop.ID, err)))
				continue
			}
			routesLoaded = true
		}

		route, ok := firstRoute(routes, routeCode)
		if !ok {
			continue
		}

		locs, cached := positions[routeCode]
		if !cached {
			locs, err = j.provider.BusLocations(ctx, routeCode)
			if err != nil {
				res.errs = append(res.errs, j.record(callFailed(client.OpBusLocation, routeCode, err)))
				continue
			}
			positions[routeCode] = locs
		}
		if len(locs) == 0 {
			continue
		}

		pos, err := toVehiclePosition(locs[0])
		if err != nil {
			res.errs = append(res.errs, j.record(parseFailed(client.OpBusLocation, routeCode, err)))
			continue
		}

		info := toRouteInfo(route)
		res.sightings = append(res.sightings, models.BusSighting{
			RouteCode:  routeCode,
			LineID:     info.LineID,
			LineDescr:  info.LineDescr,
			RouteDescr: info.RouteDescr,
			StopID:     stop.ID,
			StopName:   stop.Description,
			TimeLeft:   a.TimeLeft,
			Latitude:   pos.Latitude,
			Longitude:  pos.Longitude,
			VehicleID:  pos.VehicleID,
			ObservedAt: observedAt,
		})
	}
	return res
}

// firstRoute returns the first route whose code equals code.
func firstRoute(routes []client.RouteRecord, code string) (client.RouteRecord, bool) {
	for _, r := range routes {
		if string(r.RouteCode) == code {
			return r, true
		}
	}
	return client.RouteRecord{}, false
}

func (j *BusJoiner) record(pe *ProviderError) *ProviderError {
	category := client.ErrorCategoryParsing
	if pe.Kind != KindParseFailed {
		category = client.CategorizeError(pe.Err)
	}
	observability.JoinErrorsTotal.WithLabelValues(pe.Op, string(category)).Inc()
	j.logger.Warn("provider call failed",
		zap.String("op", pe.Op),
		zap.String("key", pe.Key),
		zap.String("kind", string(pe.Kind)),
		zap.Error(pe.Err),
	)
	return pe
}
