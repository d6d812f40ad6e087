package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
	"github.com/kjstillabower/oasa-bus-tracker/internal/service"
	"github.com/kjstillabower/oasa-bus-tracker/internal/traffic"
)

// ErrAlreadyStarted is returned by Start when the loop is running.
var ErrAlreadyStarted = errors.New("refresher already started")

// Discoverer finds the stops around a location. Implemented by service.StopDiscovery.
type Discoverer interface {
	Discover(ctx context.Context, loc models.Location) ([]models.Stop, error)
}

// Joiner builds bus sightings for stops. Implemented by service.BusJoiner.
type Joiner interface {
	Join(ctx context.Context, stops []models.Stop) service.JoinResult
}

// RefresherConfig holds the refresh loop parameters.
type RefresherConfig struct {
	Interval time.Duration
	// StoreTTL is the expiry of mirrored snapshots. Ignored without a store.
	StoreTTL time.Duration
}

// Refresher runs discovery and join on a fixed interval and publishes each
// result into a SnapshotCache. Cycles never overlap: the loop is sequential
// and sleeps the full interval after every cycle, successful or not.
type Refresher struct {
	cache      *SnapshotCache
	discoverer Discoverer
	joiner     Joiner
	location   func() models.Location
	cfg        RefresherConfig
	store      Store
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher wires a refresher. location is read at the start of every
// cycle so a settings change applies to the next one. store may be nil.
func NewRefresher(cache *SnapshotCache, discoverer Discoverer, joiner Joiner, location func() models.Location, cfg RefresherConfig, store Store, logger *zap.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		cache:      cache,
		discoverer: discoverer,
		joiner:     joiner,
		location:   location,
		cfg:        cfg,
		store:      store,
		logger:     logger,
	}
}

// Start seeds the cache from the store when nothing is published yet, then
// runs the loop in a goroutine until ctx is cancelled or Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrAlreadyStarted
	}

	r.restore(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info("refresher started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for the running cycle to return.
// Safe to call more than once and before Start.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		_ = r.RunCycle(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("refresher stopped")
			return
		case <-time.After(r.cfg.Interval):
		}
	}
}

// RunCycle runs one discovery, join and publish pass. On failure the
// previously published snapshot stays visible and the error is returned
// after being counted and logged.
func (r *Refresher) RunCycle(ctx context.Context) error {
	snap, err := r.refresh(ctx)
	if err != nil {
		return err
	}
	r.mirror(ctx, snap)
	return nil
}

func (r *Refresher) refresh(ctx context.Context) (snap models.Snapshot, err error) {
	start := time.Now()
	loc := r.location()
	r.cache.beginCycle()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("refresh panicked: %v", p)
		}
		duration := time.Since(start)
		observability.RefreshDuration.Observe(duration.Seconds())
		if err != nil {
			r.cache.recordFailure()
			traffic.RecordRefreshFailure()
			observability.RefreshCyclesTotal.WithLabelValues("failure").Inc()
			r.logger.Error("refresh failed",
				zap.String("location", loc.Name),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		}
	}()

	r.logger.Debug("refresh started", zap.String("location", loc.Name))

	stops, err := r.discoverer.Discover(ctx, loc)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("discover stops: %w", err)
	}
	result := r.joiner.Join(ctx, stops)
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, fmt.Errorf("refresh interrupted: %w", err)
	}

	snap = r.cache.Publish(loc, stops, result.Sightings, time.Now())
	r.cache.recordSuccess()
	traffic.RecordRefreshSuccess()
	observability.RefreshCyclesTotal.WithLabelValues("success").Inc()
	observability.SnapshotStops.Set(float64(len(snap.Stops)))
	observability.SnapshotBuses.Set(float64(len(snap.Buses)))

	r.logger.Info("refresh complete",
		zap.String("location", loc.Name),
		zap.Int("stops", len(snap.Stops)),
		zap.Int("buses", len(snap.Buses)),
		zap.Int("errors", result.ErrorCount()),
		zap.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

// mirror copies a published snapshot to the store. Failures are logged only.
func (r *Refresher) mirror(ctx context.Context, snap models.Snapshot) {
	if r.store == nil {
		return
	}
	if err := r.store.Set(ctx, StoreKey(snap.Location), snap, r.cfg.StoreTTL); err != nil {
		observability.StoreOperationsTotal.WithLabelValues("set", "error").Inc()
		r.logger.Warn("snapshot mirror failed", zap.Error(err))
		return
	}
	observability.StoreOperationsTotal.WithLabelValues("set", "success").Inc()
}

// restore seeds an empty cache from the store. Stats are not restored.
func (r *Refresher) restore(ctx context.Context) {
	if r.store == nil || !r.cache.LastUpdate().IsZero() {
		return
	}
	loc := r.location()
	snap, ok, err := r.store.Get(ctx, StoreKey(loc))
	switch {
	case err != nil:
		observability.StoreOperationsTotal.WithLabelValues("get", "error").Inc()
		r.logger.Warn("snapshot restore failed", zap.Error(err))
	case !ok:
		observability.StoreOperationsTotal.WithLabelValues("get", "miss").Inc()
	default:
		observability.StoreOperationsTotal.WithLabelValues("get", "hit").Inc()
		if r.cache.Seed(snap) {
			observability.SnapshotStops.Set(float64(len(snap.Stops)))
			observability.SnapshotBuses.Set(float64(len(snap.Buses)))
			r.logger.Info("snapshot restored from store",
				zap.String("location", snap.Location.Name),
				zap.Int("stops", len(snap.Stops)),
				zap.Int("buses", len(snap.Buses)),
				zap.Time("last_update", snap.LastUpdate),
			)
		}
	}
}
