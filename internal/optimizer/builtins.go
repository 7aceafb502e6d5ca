// internal/optimizer/builtins.go
package optimizer

import (
	"context"
	"runtime/debug"
	"time"
)

// Metric names read by the built-in strategies.
const (
	MetricHeapAllocMB  = "heap_alloc_mb"
	MetricPendingFixes = "pending_fixes"
)

// QueueDrainer starts a drain of the pending fix queue that outlives the
// strategy action.
type QueueDrainer interface {
	Kick()
}

// MemoryPressure returns the heap strategy: above thresholdMB it returns
// freed memory to the OS.
func MemoryPressure(thresholdMB float64, cooldown time.Duration) Strategy {
	return Strategy{
		Name:     "memory-pressure",
		Cooldown: cooldown,
		Predicate: func(m map[string]float64) bool {
			return m[MetricHeapAllocMB] > thresholdMB
		},
		Action: func(context.Context) error {
			debug.FreeOSMemory()
			return nil
		},
	}
}

// FixBacklog returns the backlog strategy: once the pending fix count
// reaches threshold it kicks a background drain.
func FixBacklog(threshold int, cooldown time.Duration, drainer QueueDrainer) Strategy {
	return Strategy{
		Name:     "fix-backlog",
		Cooldown: cooldown,
		Predicate: func(m map[string]float64) bool {
			return m[MetricPendingFixes] >= float64(threshold)
		},
		Action: func(context.Context) error {
			drainer.Kick()
			return nil
		},
	}
}
