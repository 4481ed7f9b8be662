package asr

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func streamingEngine() *Engine {
	return NewEngine(Config{Mode: ModeStreaming}, nil, nil, testLogger())
}

func audioChunk(n int) []float32 {
	chunk := make([]float32, n)
	for i := range chunk {
		chunk[i] = 0.1
	}
	return chunk
}

func TestSimulatedStreamingRecognition(t *testing.T) {
	e := streamingEngine()
	res := e.Recognize(audioChunk(320))
	if res.Text != "simulated streaming dictation output" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Latency != 1200*time.Millisecond {
		t.Fatalf("unexpected latency %v", res.Latency)
	}
	if res.Pending {
		t.Fatal("simulated streaming result must not be pending")
	}
}

func TestSimulatedFinalizeAfterRecognize(t *testing.T) {
	e := streamingEngine()
	e.Recognize(audioChunk(320))

	res, ok := e.Finalize()
	if !ok {
		t.Fatal("expected finalize to produce text")
	}
	if res.Text != "simulated streaming dictation output" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Latency != 650*time.Millisecond {
		t.Fatalf("unexpected latency %v", res.Latency)
	}
}

func TestFinalizeWithoutAudioProducesNothing(t *testing.T) {
	e := streamingEngine()
	if _, ok := e.Finalize(); ok {
		t.Fatal("expected no result without any recognized audio")
	}
}

func TestFinalizeClearsState(t *testing.T) {
	e := streamingEngine()
	e.Recognize(audioChunk(320))
	e.Finalize()

	if e.BufferedSamples() != 0 {
		t.Fatal("expected buffer cleared after finalize")
	}
	if _, ok := e.Finalize(); ok {
		t.Fatal("expected second finalize to produce nothing")
	}
}

func TestResetDiscardsWithoutFinalizing(t *testing.T) {
	e := streamingEngine()
	e.Recognize(audioChunk(320))
	e.Reset()

	if e.BufferedSamples() != 0 {
		t.Fatal("expected buffer cleared after reset")
	}
	if _, ok := e.Finalize(); ok {
		t.Fatal("expected no text after reset")
	}
}

func TestBufferDropsOldestBeyondCap(t *testing.T) {
	e := streamingEngine()
	e.Recognize(audioChunk(maxBufferedSamples))
	e.Recognize(audioChunk(1000))

	if got := e.BufferedSamples(); got != maxBufferedSamples {
		t.Fatalf("expected buffer capped at %d, got %d", maxBufferedSamples, got)
	}
}

func TestWhisperModeSimulatedFinalizeIsEmpty(t *testing.T) {
	e := NewEngine(Config{Mode: ModeWhisper}, nil, nil, testLogger())
	e.Recognize(audioChunk(320))

	// No batch backend: whisper finalize has nothing authoritative to return.
	if _, ok := e.Finalize(); ok {
		t.Fatal("expected whisper finalize without backend to produce nothing")
	}
	if e.BufferedSamples() != 0 {
		t.Fatal("expected buffer cleared")
	}
}

type fakeBatch struct {
	text string
	err  error
}

func (b fakeBatch) Transcribe(_ []float32) (string, error) {
	return b.text, b.err
}

func TestWhisperFinalizeUsesBatchBackend(t *testing.T) {
	e := NewEngine(Config{Mode: ModeWhisper}, nil, fakeBatch{text: " hello there "}, testLogger())
	e.Recognize(audioChunk(320))

	res, ok := e.Finalize()
	if !ok {
		t.Fatal("expected a final result")
	}
	if res.Text != "hello there" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Latency != 2800*time.Millisecond {
		t.Fatalf("unexpected latency %v", res.Latency)
	}
}

type scriptedStream struct {
	hypotheses []string
	endpoints  []bool
	finalText  string
	step       int
	closed     bool
	acceptErr  error
}

func (s *scriptedStream) Accept(_ []float32) error { return s.acceptErr }

func (s *scriptedStream) Decode() (string, error) {
	if s.step >= len(s.hypotheses) {
		return "", nil
	}
	text := s.hypotheses[s.step]
	s.step++
	return text, nil
}

func (s *scriptedStream) Endpoint() bool {
	if s.step == 0 || s.step > len(s.endpoints) {
		return false
	}
	return s.endpoints[s.step-1]
}

func (s *scriptedStream) Finish() (string, error) { return s.finalText, nil }
func (s *scriptedStream) Close()                  { s.closed = true }

type scriptedBackend struct {
	stream  *scriptedStream
	openErr error
	opens   int
}

func (b *scriptedBackend) OpenStream() (Stream, error) {
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.stream, nil
}

func TestBackendPartialThenEndpoint(t *testing.T) {
	stream := &scriptedStream{
		hypotheses: []string{"hello", "hello world"},
		endpoints:  []bool{false, true},
		finalText:  "hello world",
	}
	backend := &scriptedBackend{stream: stream}
	e := NewEngine(Config{Mode: ModeStreaming}, backend, nil, testLogger())

	res := e.Recognize(audioChunk(320))
	if !res.Pending {
		t.Fatal("expected partial to be pending")
	}
	if res.Text != "hello" {
		t.Fatalf("unexpected partial %q", res.Text)
	}
	if res.Latency != 450*time.Millisecond {
		t.Fatalf("unexpected partial latency %v", res.Latency)
	}

	res = e.Recognize(audioChunk(320))
	if res.Pending {
		t.Fatal("expected endpoint result to be completed")
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected final %q", res.Text)
	}
	if res.Latency != 620*time.Millisecond {
		t.Fatalf("unexpected endpoint latency %v", res.Latency)
	}
	if !stream.closed {
		t.Fatal("expected stream closed after endpoint")
	}
}

func TestBackendFailureFallsBackForUtterance(t *testing.T) {
	backend := &scriptedBackend{openErr: errors.New("decoder unavailable")}
	e := NewEngine(Config{Mode: ModeStreaming}, backend, nil, testLogger())

	res := e.Recognize(audioChunk(320))
	if res.Text != "simulated streaming dictation output" {
		t.Fatalf("expected simulated fallback, got %q", res.Text)
	}

	e.Recognize(audioChunk(320))
	if backend.opens != 1 {
		t.Fatalf("expected no reopen attempt within utterance, opens=%d", backend.opens)
	}

	// Finalize clears the failure flag; the next utterance retries.
	e.Finalize()
	e.Recognize(audioChunk(320))
	if backend.opens != 2 {
		t.Fatalf("expected reopen after finalize, opens=%d", backend.opens)
	}
}

func TestBackendAcceptErrorFallsBack(t *testing.T) {
	stream := &scriptedStream{acceptErr: errors.New("pipe broken")}
	backend := &scriptedBackend{stream: stream}
	e := NewEngine(Config{Mode: ModeStreaming}, backend, nil, testLogger())

	res := e.Recognize(audioChunk(320))
	if res.Text != "simulated streaming dictation output" {
		t.Fatalf("expected fallback, got %q", res.Text)
	}
	if !stream.closed {
		t.Fatal("expected failed stream to be closed")
	}
}

func TestEmptyHypothesisIsPendingWithoutLatency(t *testing.T) {
	stream := &scriptedStream{hypotheses: []string{""}, endpoints: []bool{false}}
	backend := &scriptedBackend{stream: stream}
	e := NewEngine(Config{Mode: ModeStreaming}, backend, nil, testLogger())

	res := e.Recognize(audioChunk(320))
	if !res.Pending || res.Text != "" || res.Latency != 0 {
		t.Fatalf("expected empty pending result, got %+v", res)
	}
}
