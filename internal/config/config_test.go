package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.VAD.HangoverMS != 400 {
		t.Fatalf("expected default hangover, got %d", cfg.VAD.HangoverMS)
	}
	if cfg.Perf.SlowTrigger != 2 {
		t.Fatalf("expected default slow trigger, got %d", cfg.Perf.SlowTrigger)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MURMUR_AUDIO_DEVICE_ID", "usb-mic-1")
	t.Setenv("MURMUR_AUDIO_PROCESSING_MODE", "enhanced")
	t.Setenv("MURMUR_VAD_SENSITIVITY", "high")
	t.Setenv("MURMUR_VAD_HANGOVER_MS", "250")
	t.Setenv("MURMUR_ASR_MODE", "whisper")
	t.Setenv("MURMUR_CLEAN_MODE", "polish")
	t.Setenv("MURMUR_PERF_CPU_THRESHOLD", "0.6")
	t.Setenv("MURMUR_HISTORY_PATH", "./tmp.db")
	t.Setenv("MURMUR_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.DeviceID != "usb-mic-1" {
		t.Fatalf("expected device override, got %q", cfg.Audio.DeviceID)
	}
	if cfg.Audio.ProcessingMode != "enhanced" {
		t.Fatalf("expected processing mode override")
	}
	if cfg.VAD.Sensitivity != "high" || cfg.VAD.HangoverMS != 250 {
		t.Fatalf("expected vad overrides, got %+v", cfg.VAD)
	}
	if cfg.ASR.Mode != "whisper" {
		t.Fatalf("expected asr mode override")
	}
	if cfg.Clean.Mode != "polish" {
		t.Fatalf("expected clean mode override")
	}
	if cfg.Perf.CPUThreshold != 0.6 {
		t.Fatalf("expected cpu threshold override, got %v", cfg.Perf.CPUThreshold)
	}
	if cfg.History.Path != "./tmp.db" || cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history overrides, got %+v", cfg.History)
	}
}

func TestValidateRejectsBadSnapshot(t *testing.T) {
	cfg := Default()
	cfg.VAD.Sensitivity = "extreme"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for bad sensitivity")
	}

	cfg = Default()
	cfg.ASR.Backend = "stream-exec"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing asr command")
	}

	cfg = Default()
	cfg.Audio.ProcessingMode = "ultra"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for bad processing mode")
	}
}
