package audio

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

const (
	// syntheticAmplitude keeps the fallback tone quiet enough that the
	// energy gate treats it as non-speech at default sensitivity.
	syntheticAmplitude = 0.03
	syntheticPhaseStep = 0.01
	outboundDepth      = 64
	captureDepth       = 16
)

// Event is a single hand-off from the frame source. Stopped is terminal and
// emitted once when a capture device fails mid-stream.
type Event struct {
	Frame   []float32
	Stopped bool
}

// Source produces fixed-size audio frames on a cadence. When the real
// capture backend is unavailable it falls back to a synthetic sine generator
// so downstream stages always receive frames.
type Source struct {
	cfg       config.AudioConfig
	log       *slog.Logger
	out       chan Event
	stop      chan struct{}
	wg        sync.WaitGroup
	capture   *execCapture
	synthetic bool
}

// Spawn starts the background producer. Capture start failures are logged
// once and degrade to the synthetic generator; Spawn itself never fails.
func Spawn(cfg config.AudioConfig, log *slog.Logger) *Source {
	s := &Source{
		cfg:  cfg,
		log:  log.With(slog.String("component", "audio-source")),
		out:  make(chan Event, outboundDepth),
		stop: make(chan struct{}),
	}

	in := make(chan Event, captureDepth)
	if cfg.CaptureMode == "exec" {
		capture, err := newExecCapture(cfg, s.log, in)
		if err != nil {
			s.log.Warn("capture backend failed to start, falling back to synthetic",
				slog.String("error", err.Error()))
		} else {
			s.capture = capture
			s.log.Info("audio capture started", slog.String("device", cfg.DeviceID))
		}
	}
	s.synthetic = s.capture == nil

	s.wg.Add(1)
	go s.run(in)

	return s
}

func (s *Source) run(in chan Event) {
	defer s.wg.Done()
	defer close(s.out)

	s.log.Info("audio source worker started", slog.Bool("synthetic", s.synthetic))

	frameLen := s.frameLen()
	interval := time.Duration(s.cfg.FrameDurationMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var phase float32
	for {
		if s.synthetic {
			select {
			case <-s.stop:
				return
			case ev := <-in:
				s.push(ev)
			case <-ticker.C:
				frame := make([]float32, frameLen)
				for i := range frame {
					frame[i] = float32(math.Sin(float64(phase)*2*math.Pi)) * syntheticAmplitude
					phase += syntheticPhaseStep
					if phase >= 1 {
						phase -= 1
					}
				}
				s.push(Event{Frame: frame})
			}
		} else {
			select {
			case <-s.stop:
				return
			case ev := <-in:
				s.push(ev)
			}
		}
	}
}

// push hands an event to consumers; the newest frame is dropped when the
// outbound queue is full so the producer never blocks.
func (s *Source) push(ev Event) {
	select {
	case s.out <- ev:
	default:
		s.log.Debug("audio frame dropped (backpressure)")
	}
}

// Subscribe returns the consumer channel. Multiple receivers may pull from
// it; each event is delivered to exactly one of them. The channel is closed
// after Close.
func (s *Source) Subscribe() <-chan Event {
	return s.out
}

// DeviceID reports the configured capture device selector.
func (s *Source) DeviceID() string {
	return s.cfg.DeviceID
}

// Synthetic reports whether the fallback generator is in use.
func (s *Source) Synthetic() bool {
	return s.synthetic
}

// Close stops the producer and joins its worker. Safe to call once.
func (s *Source) Close() {
	close(s.stop)
	if s.capture != nil {
		s.capture.Close()
	}
	s.wg.Wait()
}

func (s *Source) frameLen() int {
	n := s.cfg.SampleRate * s.cfg.FrameDurationMS / 1000
	if n <= 0 {
		n = 320
	}
	return n
}
