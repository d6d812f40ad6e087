package cache

import (
	"sync/atomic"
	"time"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

// ServerTimeLayout is the wall-clock format reported by Status.
const ServerTimeLayout = "2006-01-02 15:04:05"

// SnapshotCache holds the dataset of the last successful refresh cycle and
// the cumulative refresh counters. The refresher is the only writer; readers
// never block on it. Each Publish swaps in a new immutable snapshot, so a
// reader sees either all of one cycle or all of the next.
type SnapshotCache struct {
	current atomic.Pointer[models.Snapshot]

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64

	startedAt time.Time
	now       func() time.Time
}

// NewSnapshotCache returns a cache holding an empty snapshot for loc.
func NewSnapshotCache(loc models.Location) *SnapshotCache {
	c := &SnapshotCache{startedAt: time.Now(), now: time.Now}
	c.current.Store(&models.Snapshot{
		Location: loc,
		Stops:    []models.Stop{},
		Buses:    []models.BusSighting{},
	})
	return c
}

// Publish replaces the snapshot as one unit. The cache takes ownership of
// stops and buses; callers must not modify them afterwards.
func (c *SnapshotCache) Publish(loc models.Location, stops []models.Stop, buses []models.BusSighting, at time.Time) models.Snapshot {
	if stops == nil {
		stops = []models.Stop{}
	}
	if buses == nil {
		buses = []models.BusSighting{}
	}
	s := &models.Snapshot{Location: loc, Stops: stops, Buses: buses, LastUpdate: at}
	c.current.Store(s)
	return *s
}

// Seed installs s only if nothing has been published yet. Used for warm start.
func (c *SnapshotCache) Seed(s models.Snapshot) bool {
	old := c.current.Load()
	if !old.LastUpdate.IsZero() || s.LastUpdate.IsZero() {
		return false
	}
	if s.Stops == nil {
		s.Stops = []models.Stop{}
	}
	if s.Buses == nil {
		s.Buses = []models.BusSighting{}
	}
	return c.current.CompareAndSwap(old, &s)
}

// Snapshot returns the currently published snapshot.
func (c *SnapshotCache) Snapshot() models.Snapshot {
	return *c.current.Load()
}

// LastUpdate returns when the current snapshot was built; zero before the first publish.
func (c *SnapshotCache) LastUpdate() time.Time {
	return c.current.Load().LastUpdate
}

func (c *SnapshotCache) beginCycle()    { c.total.Add(1) }
func (c *SnapshotCache) recordSuccess() { c.successful.Add(1) }
func (c *SnapshotCache) recordFailure() { c.failed.Add(1) }

// Stats returns the refresh counters. While a cycle is running Total leads
// Successful+Failed by one.
func (c *SnapshotCache) Stats() models.Stats {
	return models.Stats{
		TotalUpdates:      c.total.Load(),
		SuccessfulUpdates: c.successful.Load(),
		FailedUpdates:     c.failed.Load(),
		UptimeSeconds:     int64(c.now().Sub(c.startedAt).Seconds()),
	}
}

// Stops returns the stops of the current snapshot.
func (c *SnapshotCache) Stops() []models.Stop {
	return c.current.Load().Stops
}

// Buses returns the sightings of the current snapshot with its build time.
func (c *SnapshotCache) Buses() models.BusesView {
	s := c.current.Load()
	return models.BusesView{Buses: s.Buses, LastUpdate: models.UnixSeconds(s.LastUpdate)}
}

// Status summarises the current snapshot and counters.
func (c *SnapshotCache) Status() models.StatusView {
	s := c.current.Load()
	return models.StatusView{
		Status:     "online",
		Location:   s.Location.Name,
		LastUpdate: models.UnixSeconds(s.LastUpdate),
		StopsCount: len(s.Stops),
		BusesCount: len(s.Buses),
		Stats:      c.Stats(),
		ServerTime: c.now().Format(ServerTimeLayout),
	}
}
