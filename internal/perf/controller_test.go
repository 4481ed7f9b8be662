package perf

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	metrics   []protocol.MetricsSnapshot
	degraded  int
	recovered int
	lastDegr  protocol.MetricsSnapshot
	lastRecov protocol.MetricsSnapshot
}

func (s *recordingSink) MetricsUpdated(snapshot protocol.MetricsSnapshot) {
	s.metrics = append(s.metrics, snapshot)
}

func (s *recordingSink) PerformanceDegraded(snapshot protocol.MetricsSnapshot) {
	s.degraded++
	s.lastDegr = snapshot
}

func (s *recordingSink) PerformanceRecovered(snapshot protocol.MetricsSnapshot) {
	s.recovered++
	s.lastRecov = snapshot
}

func testPerfConfig() config.PerfConfig {
	return config.PerfConfig{
		LatencyThresholdMS: 2000,
		CPUThreshold:       0.75,
		SlowTrigger:        2,
		SampleIntervalMS:   2000,
		MinHangoverMS:      200,
	}
}

func TestSingleSlowSampleDoesNotDegrade(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.9)
	c.Observe(3 * time.Second)

	if c.Degraded() {
		t.Fatal("one slow sample must not trigger degraded mode")
	}
	if sink.degraded != 0 {
		t.Fatal("unexpected degraded transition")
	}
}

func TestConsecutiveSlowSamplesDegrade(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.9)
	c.Observe(3 * time.Second)
	c.Observe(3 * time.Second)

	if !c.Degraded() {
		t.Fatal("expected degraded mode after two slow samples")
	}
	if sink.degraded != 1 {
		t.Fatalf("expected exactly one degraded transition, got %d", sink.degraded)
	}
	if !sink.lastDegr.PerformanceMode {
		t.Fatal("degraded snapshot must report performance mode")
	}
}

func TestSlowLatencyOnIdleCPUDoesNotCount(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.2)
	c.Observe(3 * time.Second)
	c.Observe(3 * time.Second)
	c.Observe(3 * time.Second)

	if c.Degraded() {
		t.Fatal("slow samples without CPU pressure must not degrade")
	}
}

func TestFastSampleResetsSlowCounter(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.9)
	c.Observe(3 * time.Second)
	c.Observe(500 * time.Millisecond)
	c.Observe(3 * time.Second)

	if c.Degraded() {
		t.Fatal("interleaved fast sample must reset the slow counter")
	}
}

func TestCPURecoveryIsIndependentOfSlowCounter(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.9)
	c.Observe(3 * time.Second)
	c.Observe(3 * time.Second)
	if !c.Degraded() {
		t.Fatal("expected degraded mode")
	}

	// CPU falls off without any further recognitions completing.
	c.RecordCPU(0.1)

	if c.Degraded() {
		t.Fatal("expected recovery on low CPU alone")
	}
	if sink.recovered != 1 {
		t.Fatalf("expected exactly one recovered transition, got %d", sink.recovered)
	}
}

func TestSingleLowCPUSampleClearsDegradedMode(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	// A long stretch of high load must not latch the average above the
	// threshold once the machine quiets down.
	for i := 0; i < 4; i++ {
		c.RecordCPU(0.95)
	}
	c.Observe(3 * time.Second)
	c.Observe(3 * time.Second)
	if !c.Degraded() {
		t.Fatal("expected degraded mode")
	}

	c.RecordCPU(0.5)

	if c.Degraded() {
		t.Fatal("sub-threshold CPU sample must clear degraded mode")
	}
	if got := c.Snapshot().AverageCPUPercent; got != 50 {
		t.Fatalf("expected average to track the latest sample, got %v", got)
	}
}

func TestMetricsEmittedOnEveryMutation(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.5)
	c.Observe(100 * time.Millisecond)

	if len(sink.metrics) != 2 {
		t.Fatalf("expected 2 metrics broadcasts, got %d", len(sink.metrics))
	}
	last := sink.metrics[len(sink.metrics)-1]
	if last.LastLatencyMS != 100 {
		t.Fatalf("unexpected latency %d", last.LastLatencyMS)
	}
	if last.AverageCPUPercent != 50 {
		t.Fatalf("unexpected cpu %v", last.AverageCPUPercent)
	}
}

func TestFastObservationRecoversWhenDegraded(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.9)
	c.Observe(3 * time.Second)
	c.Observe(3 * time.Second)
	if !c.Degraded() {
		t.Fatal("expected degraded mode")
	}

	c.Observe(500 * time.Millisecond)
	if c.Degraded() {
		t.Fatal("expected a fast sample to clear degraded mode")
	}
	if sink.recovered != 1 {
		t.Fatalf("expected one recovered transition, got %d", sink.recovered)
	}
}

func TestRepeatedSlowSamplesFireWarningOnce(t *testing.T) {
	sink := &recordingSink{}
	c := New(testPerfConfig(), sink, testLogger())

	c.RecordCPU(0.9)
	for i := 0; i < 4; i++ {
		c.Observe(3 * time.Second)
	}
	if sink.degraded != 1 {
		t.Fatalf("expected one degraded transition, got %d", sink.degraded)
	}
}
