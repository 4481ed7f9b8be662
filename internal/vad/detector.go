package vad

import (
	"sync"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

// Decision classifies one frame.
type Decision int

const (
	Inactive Decision = iota
	Active
)

// probabilityThreshold gates the optional neural backend's speech score.
const probabilityThreshold = 0.6

// Backend is an optional speech-probability model. When absent the detector
// uses the mean-square energy heuristic.
type Backend interface {
	SpeechProbability(frame []float32) (float32, error)
}

// Detector classifies frames as speech or non-speech with temporal
// hysteresis: once speech is seen, Inactive frames keep reporting Active
// until the hangover window elapses.
type Detector struct {
	mu             sync.Mutex
	sensitivity    string
	threshold      float32
	hangover       time.Duration
	backend        Backend
	lastActivation time.Time
	clock          func() time.Time
}

// New builds a detector from config. backend may be nil.
func New(cfg config.VADConfig, backend Backend) *Detector {
	return &Detector{
		sensitivity: cfg.Sensitivity,
		threshold:   thresholdFor(cfg.Sensitivity),
		hangover:    time.Duration(cfg.HangoverMS) * time.Millisecond,
		backend:     backend,
		clock:       time.Now,
	}
}

func thresholdFor(sensitivity string) float32 {
	switch sensitivity {
	case "high":
		return 0.015
	case "low":
		return 0.035
	default:
		return 0.025
	}
}

// Evaluate classifies one frame. A backend error falls through to the
// energy heuristic for this frame.
func (d *Detector) Evaluate(frame []float32) Decision {
	speech := false
	if d.backend != nil {
		if prob, err := d.backend.SpeechProbability(frame); err == nil {
			return d.applyHangover(prob >= probabilityThreshold)
		}
	}

	var energy float32
	if len(frame) > 0 {
		var sum float64
		for _, s := range frame {
			sum += float64(s) * float64(s)
		}
		energy = float32(sum / float64(len(frame)))
	}
	speech = energy > d.threshold

	return d.applyHangover(speech)
}

func (d *Detector) applyHangover(speech bool) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	if speech {
		d.lastActivation = d.clock()
		return Active
	}
	if !d.lastActivation.IsZero() {
		if d.clock().Sub(d.lastActivation) < d.hangover {
			return Active
		}
	}
	d.lastActivation = time.Time{}
	return Inactive
}

// SetHangover shrinks or restores the hysteresis window. The performance
// controller uses this to make the gate release faster under load.
func (d *Detector) SetHangover(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangover = duration
}

// Hangover reports the current hysteresis window.
func (d *Detector) Hangover() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hangover
}

// Sensitivity reports the configured sensitivity level.
func (d *Detector) Sensitivity() string {
	return d.sensitivity
}
