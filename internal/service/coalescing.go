package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

// inFlightLookup tracks one upstream route detail lookup that several callers may wait for.
type inFlightLookup struct {
	done   chan struct{}
	result models.RouteDetail
	err    error
}

// requestCoalescer collapses concurrent lookups for the same key into one upstream call.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightLookup
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightLookup),
		timeout:  timeout,
	}
}

// GetOrDo runs fn for key unless a lookup for key is already in flight, in
// which case it waits for that lookup. shared reports whether the result came
// from another caller's lookup. fn runs detached from any single caller so one
// caller giving up does not fail the others; it receives a context bounded by
// the coalescer timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.RouteDetail, error)) (result models.RouteDetail, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightLookup{done: make(chan struct{})}
		rc.inFlight[key] = req
		go rc.run(ctx, key, req, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return models.RouteDetail{}, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(ctx context.Context, key string, req *inFlightLookup, fn func(context.Context) (models.RouteDetail, error)) {
	fnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
	defer cancel()

	req.result, req.err = fn(fnCtx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(req.done)
}
