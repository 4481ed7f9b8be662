package audio

import (
	"log/slog"
	"math"
)

// ProcessingMode selects how aggressively captured audio is cleaned before
// recognition.
type ProcessingMode string

const (
	ModeStandard ProcessingMode = "standard"
	ModeEnhanced ProcessingMode = "enhanced"
)

// ParseProcessingMode maps a settings string onto a mode, defaulting to
// Standard for anything unrecognized.
func ParseProcessingMode(value string) ProcessingMode {
	if value == string(ModeEnhanced) {
		return ModeEnhanced
	}
	return ModeStandard
}

// ExternalStage is an optional acoustic-processing backend for the always-on
// first stage (gain control / noise suppression). A processing error
// permanently demotes the chain to the baseline algorithm.
type ExternalStage interface {
	Process(frame []float32) error
}

// DenoiseBackend is an optional backend for the enhanced second stage.
type DenoiseBackend interface {
	Process(frame []float32)
	Reset()
}

// Preprocessor mutates frames in place. Stage A (gain normalization) is
// always active; stage B (denoise) runs only when the preferred mode is
// Enhanced and no performance override is set.
type Preprocessor struct {
	external    ExternalStage
	useExternal bool
	baseline    baselineProcessor
	denoise     DenoiseBackend
	denoiser    *onePoleDenoiser
	preferred   ProcessingMode
	override    bool
	log         *slog.Logger
}

// NewPreprocessor builds the chain. external and denoise may be nil, in
// which case the built-in fallback algorithms apply.
func NewPreprocessor(mode ProcessingMode, external ExternalStage, denoise DenoiseBackend, log *slog.Logger) *Preprocessor {
	p := &Preprocessor{
		external:    external,
		useExternal: external != nil,
		baseline:    newBaselineProcessor(),
		denoise:     denoise,
		preferred:   mode,
		log:         log.With(slog.String("component", "preprocessor")),
	}
	if mode == ModeEnhanced {
		p.denoiser = newOnePoleDenoiser()
	}
	return p
}

// Process runs the chain over frame in place. Idempotent on empty input.
func (p *Preprocessor) Process(frame []float32) {
	if len(frame) == 0 {
		return
	}

	if p.useExternal {
		if err := p.external.Process(frame); err != nil {
			p.log.Warn("external preprocessing failed, falling back to baseline",
				slog.String("error", err.Error()))
			p.useExternal = false
			p.baseline.process(frame)
		}
	} else {
		p.baseline.process(frame)
	}

	if p.override {
		return
	}

	if p.preferred == ModeEnhanced {
		if p.denoise != nil {
			p.denoise.Process(frame)
			return
		}
		if p.denoiser == nil {
			p.denoiser = newOnePoleDenoiser()
		}
		p.denoiser.process(frame)
	} else {
		p.dropDenoiserState()
	}
}

// SetPreferredMode records the user's preference. Leaving Enhanced discards
// stage B state so a later return starts fresh.
func (p *Preprocessor) SetPreferredMode(mode ProcessingMode) {
	p.preferred = mode
	if mode != ModeEnhanced {
		p.dropDenoiserState()
	}
}

// SetPerformanceOverride forces the effective mode to Standard while
// enabled, regardless of preference.
func (p *Preprocessor) SetPerformanceOverride(enabled bool) {
	p.override = enabled
	if enabled {
		p.dropDenoiserState()
	}
}

func (p *Preprocessor) PreferredMode() ProcessingMode {
	return p.preferred
}

// EffectiveMode reports the actually-applied mode, which differs from the
// preference whenever the performance override is active.
func (p *Preprocessor) EffectiveMode() ProcessingMode {
	if p.override {
		return ModeStandard
	}
	if p.preferred == ModeEnhanced {
		return ModeEnhanced
	}
	return ModeStandard
}

func (p *Preprocessor) dropDenoiserState() {
	p.denoiser = nil
	if p.denoise != nil {
		p.denoise.Reset()
	}
}

// baselineProcessor is the dependency-free stage A fallback: DC removal,
// RMS-tracking gain with exponential smoothing, and a hard clamp.
type baselineProcessor struct {
	targetRMS float32
	smoothing float32
	lastGain  float32
}

func newBaselineProcessor() baselineProcessor {
	return baselineProcessor{
		targetRMS: 0.05,
		smoothing: 0.85,
		lastGain:  1.0,
	}
}

func (b *baselineProcessor) process(frame []float32) {
	var mean float32
	for _, s := range frame {
		mean += s
	}
	mean /= float32(len(frame))
	for i := range frame {
		frame[i] -= mean
	}

	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := float32(math.Sqrt(sum / float64(len(frame))))
	if rms > math.SmallestNonzeroFloat32 {
		desired := b.targetRMS / rms
		if desired < 0.25 {
			desired = 0.25
		}
		if desired > 4.0 {
			desired = 4.0
		}
		b.lastGain = b.smoothing*b.lastGain + (1-b.smoothing)*desired
	} else {
		b.lastGain = 1.0
	}

	for i := range frame {
		v := frame[i] * b.lastGain
		if v > 1 {
			v = 1
		}
		if v < -1 {
			v = -1
		}
		frame[i] = v
	}
}

// onePoleDenoiser is the stage B fallback when no denoise backend is wired
// in: a single-pole low-pass smoother.
type onePoleDenoiser struct {
	alpha    float32
	previous float32
}

func newOnePoleDenoiser() *onePoleDenoiser {
	return &onePoleDenoiser{alpha: 0.92}
}

func (d *onePoleDenoiser) process(frame []float32) {
	for i, s := range frame {
		denoised := d.alpha*d.previous + (1-d.alpha)*s
		d.previous = denoised
		frame[i] = denoised
	}
}
