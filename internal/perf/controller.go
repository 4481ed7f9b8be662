// Package perf watches recognition latency and CPU load and toggles a
// degraded processing mode when the machine cannot keep up.
package perf

import (
	"log/slog"
	"sync"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

// Sink receives controller transitions. All callbacks run synchronously
// under the controller lock and must not call back into the controller.
type Sink interface {
	// MetricsUpdated fires on every metrics mutation.
	MetricsUpdated(snapshot protocol.MetricsSnapshot)
	// PerformanceDegraded fires once when degraded mode engages.
	PerformanceDegraded(snapshot protocol.MetricsSnapshot)
	// PerformanceRecovered fires once when degraded mode clears.
	PerformanceRecovered(snapshot protocol.MetricsSnapshot)
}

// Controller tracks latency and CPU samples. Degraded mode engages after a
// configured number of consecutive slow recognitions under high CPU, and
// clears on the first fast recognition or when CPU drops back below the
// threshold, whichever comes first.
type Controller struct {
	cfg  config.PerfConfig
	sink Sink
	log  *slog.Logger

	mu              sync.Mutex
	lastLatency     time.Duration
	averageCPU      float64
	consecutiveSlow int
	degraded        bool
}

// New builds a controller. sink must not be nil.
func New(cfg config.PerfConfig, sink Sink, log *slog.Logger) *Controller {
	return &Controller{
		cfg:  cfg,
		sink: sink,
		log:  log.With(slog.String("component", "perf")),
	}
}

// Observe records the latency of one completed recognition. A sample only
// counts as slow when CPU load is also above the threshold, so a cold model
// spin-up on an idle machine does not degrade the pipeline.
func (c *Controller) Observe(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastLatency = latency

	slow := latency > time.Duration(c.cfg.LatencyThresholdMS)*time.Millisecond && c.averageCPU > c.cfg.CPUThreshold
	if slow {
		c.consecutiveSlow++
		if c.consecutiveSlow >= c.cfg.SlowTrigger && !c.degraded {
			c.degraded = true
			c.log.Warn("entering degraded processing mode",
				slog.Int64("latency_ms", latency.Milliseconds()),
				slog.Float64("cpu", c.averageCPU))
			c.sink.PerformanceDegraded(c.snapshotLocked())
		}
	} else {
		c.consecutiveSlow = 0
		if c.degraded {
			c.degraded = false
			c.log.Info("recovered from degraded processing mode",
				slog.Int64("latency_ms", latency.Milliseconds()))
			c.sink.PerformanceRecovered(c.snapshotLocked())
		}
	}

	c.sink.MetricsUpdated(c.snapshotLocked())
}

// RecordCPU feeds one CPU load sample in [0, 1]. The latest sample is the
// reported average: the sampler already smooths over its interval, and a
// single sub-threshold reading must clear degraded mode regardless of the
// slow counter, even if no further recognitions complete.
func (c *Controller) RecordCPU(load float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.averageCPU = load

	if c.degraded && load < c.cfg.CPUThreshold {
		c.degraded = false
		c.consecutiveSlow = 0
		c.log.Info("recovered from degraded processing mode",
			slog.Float64("cpu", load))
		c.sink.PerformanceRecovered(c.snapshotLocked())
	}

	c.sink.MetricsUpdated(c.snapshotLocked())
}

// Degraded reports whether degraded mode is active.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Snapshot returns the current metrics.
func (c *Controller) Snapshot() protocol.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() protocol.MetricsSnapshot {
	return protocol.MetricsSnapshot{
		LastLatencyMS:     c.lastLatency.Milliseconds(),
		AverageCPUPercent: c.averageCPU * 100,
		ConsecutiveSlow:   c.consecutiveSlow,
		PerformanceMode:   c.degraded,
	}
}
