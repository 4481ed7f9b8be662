package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// CPUSampler periodically reads /proc/stat and feeds system-wide CPU load
// into the controller.
type CPUSampler struct {
	fs         procfs.FS
	controller *Controller
	interval   time.Duration
	log        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastBusy  float64
	lastTotal float64
	primed    bool
}

// NewCPUSampler builds a sampler against the default /proc mount.
func NewCPUSampler(controller *Controller, interval time.Duration, log *slog.Logger) (*CPUSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &CPUSampler{
		fs:         fs,
		controller: controller,
		interval:   interval,
		log:        log.With(slog.String("component", "cpu-sampler")),
	}, nil
}

// Start launches the sampling loop.
func (s *CPUSampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *CPUSampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *CPUSampler) sample() {
	stat, err := s.fs.Stat()
	if err != nil {
		s.log.Warn("failed to read cpu stats", slog.String("error", err.Error()))
		return
	}

	total := stat.CPUTotal
	busy := total.User + total.Nice + total.System + total.IRQ + total.SoftIRQ + total.Steal
	all := busy + total.Idle + total.Iowait

	if !s.primed {
		s.lastBusy = busy
		s.lastTotal = all
		s.primed = true
		return
	}

	deltaBusy := busy - s.lastBusy
	deltaTotal := all - s.lastTotal
	s.lastBusy = busy
	s.lastTotal = all

	if deltaTotal <= 0 {
		return
	}
	s.controller.RecordCPU(deltaBusy / deltaTotal)
}
