package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
)

// StopDiscovery finds the stops around a location.
type StopDiscovery struct {
	provider client.Provider
	logger   *zap.Logger
}

// NewStopDiscovery returns a StopDiscovery. A nil provider is allowed; every
// call then fails with ErrProviderUnavailable.
func NewStopDiscovery(provider client.Provider, logger *zap.Logger) *StopDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StopDiscovery{provider: provider, logger: logger}
}

// Discover returns the stops closest to loc in provider order. When the call
// fails it returns an empty slice and a *ProviderError. A record with
// unparseable coordinates is kept without them.
func (d *StopDiscovery) Discover(ctx context.Context, loc models.Location) ([]models.Stop, error) {
	if d.provider == nil {
		return []models.Stop{}, unavailable(client.OpClosestStops)
	}

	records, err := d.provider.ClosestStops(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		observability.JoinErrorsTotal.WithLabelValues(client.OpClosestStops, string(client.CategorizeError(err))).Inc()
		return []models.Stop{}, callFailed(client.OpClosestStops, loc.Name, err)
	}

	stops := make([]models.Stop, 0, len(records))
	for _, r := range records {
		stop, err := toStop(r)
		if err != nil {
			observability.JoinErrorsTotal.WithLabelValues(client.OpClosestStops, string(client.ErrorCategoryParsing)).Inc()
			d.logger.Warn("stop coordinates unparseable",
				zap.String("stop_id", stop.ID),
				zap.Error(parseFailed(client.OpClosestStops, stop.ID, err)),
			)
		}
		stops = append(stops, stop)
	}

	d.logger.Debug("stops discovered",
		zap.String("location", loc.Name),
		zap.Float64("lat", loc.Latitude),
		zap.Float64("lng", loc.Longitude),
		zap.Int("stops", len(stops)),
	)
	return stops, nil
}
