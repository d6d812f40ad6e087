// Package lifecycle holds the process-wide shutdown flag and runs the
// graceful shutdown sequence.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Step is one stage of graceful shutdown.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Shutdown flags the process as shutting down and runs steps in order. A
// failing step is logged and the remaining steps still run. The returned
// error joins every step failure.
func Shutdown(ctx context.Context, logger *zap.Logger, steps ...Step) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetShuttingDown(true)

	var errs []error
	for _, s := range steps {
		if s.Run == nil {
			continue
		}
		start := time.Now()
		if err := s.Run(ctx); err != nil {
			logger.Error("shutdown step failed", zap.String("step", s.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		logger.Debug("shutdown step complete", zap.String("step", s.Name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
