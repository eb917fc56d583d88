package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	worker "github.com/glimte/mmate-worker"
)

// WorkerState is the part of a worker client the checker inspects.
type WorkerState interface {
	IsConnected() bool
	Subscriptions() []worker.SubscriptionInfo
}

// WorkerChecker reports the broker connection and subscription state
type WorkerChecker struct {
	worker WorkerState
}

// NewWorkerChecker creates a checker for w
func NewWorkerChecker(w WorkerState) *WorkerChecker {
	return &WorkerChecker{worker: w}
}

func (c *WorkerChecker) Name() string {
	return "rabbitmq"
}

// Check is healthy while every subscription is active, degraded while some
// are still binding and unhealthy while subscriptions wait for a reconnect.
// A worker without subscriptions is idle and healthy.
func (c *WorkerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.worker.IsConnected()
	subs := c.worker.Subscriptions()

	active := 0
	for _, s := range subs {
		if s.State == worker.StateActive {
			active++
		}
	}

	result.Details["connected"] = connected
	result.Details["subscriptions"] = len(subs)
	result.Details["active_subscriptions"] = active

	switch {
	case len(subs) == 0:
		result.Status = StatusHealthy
		result.Message = "Idle, no subscriptions"
	case !connected:
		result.Status = StatusUnhealthy
		result.Message = "Disconnected, waiting to reconnect"
	case active < len(subs):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d subscriptions active", active, len(subs))
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks, typically consumers that never return
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is healthy"
	}

	result.Duration = time.Since(start)
	return result
}
