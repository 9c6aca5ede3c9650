// Package guard serializes the engine's mutating operations. Downloads,
// moves, deletes and copies all touch the shared ledger and the same bucket
// prefixes; running them concurrently from one process interleaves their
// compensating cleanup in ways the engines do not defend against.
package guard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// OperationGuard hands out slots for mutating operations and runs an
// optional health check before each one.
type OperationGuard struct {
	mu          sync.Mutex
	semaphore   chan struct{}
	activeOps   int
	logger      logrus.FieldLogger
	healthCheck func(context.Context) error
}

// Config configures the guard.
type Config struct {
	// MaxConcurrent is the number of mutating operations allowed at once
	// (default 1).
	MaxConcurrent int
	// Logger for slot accounting.
	Logger logrus.FieldLogger
	// HealthCheck runs before each operation; a failure rejects the
	// operation without consuming work.
	HealthCheck func(context.Context) error
}

// New creates an operation guard.
func New(cfg Config) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore:   make(chan struct{}, cfg.MaxConcurrent),
		logger:      cfg.Logger.WithField("component", "operation-guard"),
		healthCheck: cfg.HealthCheck,
	}
}

// Acquire takes a slot for the named operation, waiting until one is free
// or the context ends.
func (g *OperationGuard) Acquire(ctx context.Context, opName string) error {
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	active := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": active,
	}).Debug("acquired operation slot")

	if g.healthCheck != nil {
		if err := g.healthCheck(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before %s: %w", opName, err)
		}
	}

	return nil
}

// Release returns a slot.
func (g *OperationGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	active := g.activeOps
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": active,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of operations currently holding a
// slot.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation runs fn under a slot, with panic recovery. A panic inside
// fn is returned as an error so one bad operation cannot take the process
// down while other work holds local state.
func (g *OperationGuard) WithOperation(ctx context.Context, opName string, fn func() error) (err error) {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)

	defer func() {
		if r := recover(); r != nil {
			g.logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(debug.Stack()),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()

	return fn()
}
