package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestWithOperation_SerializesByDefault checks that two operations never
// overlap under the default single slot.
func TestWithOperation_SerializesByDefault(t *testing.T) {
	g := New(Config{})

	var mu sync.Mutex
	var running, maxRunning int

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.WithOperation(context.Background(), "download", func() error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithOperation: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent operations = %d, want 1", maxRunning)
	}
	if g.ActiveOperations() != 0 {
		t.Errorf("active operations after drain = %d", g.ActiveOperations())
	}
}

// TestAcquire_HealthCheckRejects verifies a failing health check blocks the
// operation and frees the slot.
func TestAcquire_HealthCheckRejects(t *testing.T) {
	sentinel := errors.New("ledger unreachable")
	g := New(Config{HealthCheck: func(context.Context) error { return sentinel }})

	err := g.WithOperation(context.Background(), "move", func() error {
		t.Fatal("operation ran despite failed health check")
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want the health check error", err)
	}
	if g.ActiveOperations() != 0 {
		t.Errorf("slot leaked: active = %d", g.ActiveOperations())
	}
}

// TestAcquire_ContextCancelledWhileWaiting verifies a waiter can give up.
func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	g := New(Config{})
	if err := g.Acquire(context.Background(), "download"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release("download")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if err := g.Acquire(ctx, "move"); err == nil {
		t.Fatal("expected cancellation while waiting")
	}
}

// TestWithOperation_RecoversPanic verifies a panicking operation surfaces
// as an error and releases its slot.
func TestWithOperation_RecoversPanic(t *testing.T) {
	g := New(Config{})

	err := g.WithOperation(context.Background(), "copy", func() error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panic in operation copy") {
		t.Fatalf("error = %v, want recovered panic", err)
	}
	if g.ActiveOperations() != 0 {
		t.Errorf("slot leaked after panic: active = %d", g.ActiveOperations())
	}
}
