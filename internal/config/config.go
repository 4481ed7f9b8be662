package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	ASR         ASRConfig       `yaml:"asr"`
	Clean       CleanConfig     `yaml:"clean"`
	Perf        PerfConfig      `yaml:"perf"`
	History     HistoryConfig   `yaml:"history"`
	Models      ModelsConfig    `yaml:"models"`
	Output      OutputConfig    `yaml:"output"`
	DevSim      DevSimConfig    `yaml:"dev_sim"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	DeviceID           string `yaml:"device_id"`
	ProcessingMode     string `yaml:"processing_mode"` // standard, enhanced
	SampleRate         int    `yaml:"sample_rate"`
	FrameDurationMS    int    `yaml:"frame_duration_ms"`
	CaptureMode        string `yaml:"capture_mode"` // synthetic, exec
	CaptureCommand     string `yaml:"capture_command"`
	ListDevicesCommand string `yaml:"list_devices_command"`
}

type VADConfig struct {
	Sensitivity string `yaml:"sensitivity"` // low, medium, high
	HangoverMS  int    `yaml:"hangover_ms"`
}

type ASRConfig struct {
	Mode               string `yaml:"mode"`    // auto, streaming, whisper
	Backend            string `yaml:"backend"` // none, stream-exec, whisper-native, exec
	Command            string `yaml:"command"`
	ModelPath          string `yaml:"model_path"`
	Language           string `yaml:"language"`
	AutoDetectLanguage bool   `yaml:"auto_detect_language"`
}

type CleanConfig struct {
	Mode        string  `yaml:"mode"`        // off, fast, polish, cloud
	PolishMode  string  `yaml:"polish_mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type PerfConfig struct {
	LatencyThresholdMS int     `yaml:"latency_threshold_ms"`
	CPUThreshold       float64 `yaml:"cpu_threshold"`
	SlowTrigger        int     `yaml:"slow_trigger"`
	SampleIntervalMS   int     `yaml:"sample_interval_ms"`
	MinHangoverMS      int     `yaml:"min_hangover_ms"`
}

type HistoryConfig struct {
	Path             string `yaml:"path"`
	RetentionMode    string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays    int    `yaml:"retention_days"`
	MaxSessions      int    `yaml:"max_sessions"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
	DebugTranscripts bool   `yaml:"debug_transcripts"`
}

type ModelsConfig struct {
	Directory string `yaml:"directory"`
}

type OutputConfig struct {
	Mode    string `yaml:"mode"` // bus, exec
	Command string `yaml:"command"`
}

type DevSimConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			ProcessingMode:  "standard",
			SampleRate:      16000,
			FrameDurationMS: 20,
			CaptureMode:     "synthetic",
		},
		VAD: VADConfig{
			Sensitivity: "medium",
			HangoverMS:  400,
		},
		ASR: ASRConfig{
			Mode:               "auto",
			Backend:            "none",
			Language:           "auto",
			AutoDetectLanguage: true,
		},
		Clean: CleanConfig{
			Mode:        "fast",
			PolishMode:  "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.2,
		},
		Perf: PerfConfig{
			LatencyThresholdMS: 2000,
			CPUThreshold:       0.75,
			SlowTrigger:        2,
			SampleIntervalMS:   2000,
			MinHangoverMS:      200,
		},
		History: HistoryConfig{
			Path:          "./data/murmur-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Models: ModelsConfig{
			Directory: "./models",
		},
		Output: OutputConfig{
			Mode: "bus",
		},
		DevSim: DevSimConfig{
			Enabled:    false,
			IntervalMS: 20000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MURMUR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.DeviceID, "MURMUR_AUDIO_DEVICE_ID")
	overrideString(&cfg.Audio.ProcessingMode, "MURMUR_AUDIO_PROCESSING_MODE")
	overrideInt(&cfg.Audio.SampleRate, "MURMUR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "MURMUR_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Audio.CaptureMode, "MURMUR_AUDIO_CAPTURE_MODE")
	overrideString(&cfg.Audio.CaptureCommand, "MURMUR_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Audio.ListDevicesCommand, "MURMUR_AUDIO_LIST_DEVICES_COMMAND")
	overrideString(&cfg.VAD.Sensitivity, "MURMUR_VAD_SENSITIVITY")
	overrideInt(&cfg.VAD.HangoverMS, "MURMUR_VAD_HANGOVER_MS")
	overrideString(&cfg.ASR.Mode, "MURMUR_ASR_MODE")
	overrideString(&cfg.ASR.Backend, "MURMUR_ASR_BACKEND")
	overrideString(&cfg.ASR.Command, "MURMUR_ASR_COMMAND")
	overrideString(&cfg.ASR.ModelPath, "MURMUR_ASR_MODEL_PATH")
	overrideString(&cfg.ASR.Language, "MURMUR_ASR_LANGUAGE")
	overrideBool(&cfg.ASR.AutoDetectLanguage, "MURMUR_ASR_AUTO_DETECT_LANGUAGE")
	overrideString(&cfg.Clean.Mode, "MURMUR_CLEAN_MODE")
	overrideString(&cfg.Clean.PolishMode, "MURMUR_CLEAN_POLISH_MODE")
	overrideString(&cfg.Clean.Endpoint, "MURMUR_CLEAN_ENDPOINT")
	overrideString(&cfg.Clean.Command, "MURMUR_CLEAN_COMMAND")
	overrideString(&cfg.Clean.Model, "MURMUR_CLEAN_MODEL")
	overrideInt(&cfg.Clean.MaxTokens, "MURMUR_CLEAN_MAX_TOKENS")
	overrideFloat(&cfg.Clean.Temperature, "MURMUR_CLEAN_TEMPERATURE")
	overrideInt(&cfg.Perf.LatencyThresholdMS, "MURMUR_PERF_LATENCY_THRESHOLD_MS")
	overrideFloat(&cfg.Perf.CPUThreshold, "MURMUR_PERF_CPU_THRESHOLD")
	overrideInt(&cfg.Perf.SlowTrigger, "MURMUR_PERF_SLOW_TRIGGER")
	overrideInt(&cfg.Perf.SampleIntervalMS, "MURMUR_PERF_SAMPLE_INTERVAL_MS")
	overrideInt(&cfg.Perf.MinHangoverMS, "MURMUR_PERF_MIN_HANGOVER_MS")
	overrideString(&cfg.History.Path, "MURMUR_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "MURMUR_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "MURMUR_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "MURMUR_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "MURMUR_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.History.DebugTranscripts, "MURMUR_HISTORY_DEBUG_TRANSCRIPTS")
	overrideString(&cfg.Models.Directory, "MURMUR_MODELS_DIRECTORY")
	overrideString(&cfg.Output.Mode, "MURMUR_OUTPUT_MODE")
	overrideString(&cfg.Output.Command, "MURMUR_OUTPUT_COMMAND")
	overrideBool(&cfg.DevSim.Enabled, "MURMUR_DEV_SIM_ENABLED")
	overrideInt(&cfg.DevSim.IntervalMS, "MURMUR_DEV_SIM_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a full configuration snapshot. It is exported so the
// runtime can vet reconfiguration requests before applying them; a failing
// snapshot leaves the previous working configuration in place.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	switch cfg.Audio.ProcessingMode {
	case "standard", "enhanced":
	default:
		return errors.New("audio.processing_mode must be one of standard|enhanced")
	}
	switch cfg.Audio.CaptureMode {
	case "synthetic", "exec":
	default:
		return errors.New("audio.capture_mode must be one of synthetic|exec")
	}
	if cfg.Audio.CaptureMode == "exec" && cfg.Audio.CaptureCommand == "" {
		return errors.New("audio.capture_command must be set when capture_mode=exec")
	}
	switch cfg.VAD.Sensitivity {
	case "low", "medium", "high":
	default:
		return errors.New("vad.sensitivity must be one of low|medium|high")
	}
	if cfg.VAD.HangoverMS < 0 {
		return errors.New("vad.hangover_ms must be >= 0")
	}
	switch cfg.ASR.Mode {
	case "auto", "streaming", "whisper":
	default:
		return errors.New("asr.mode must be one of auto|streaming|whisper")
	}
	switch cfg.ASR.Backend {
	case "none", "stream-exec", "whisper-native", "exec":
	default:
		return errors.New("asr.backend must be one of none|stream-exec|whisper-native|exec")
	}
	if (cfg.ASR.Backend == "stream-exec" || cfg.ASR.Backend == "exec") && cfg.ASR.Command == "" {
		return errors.New("asr.command must be set for exec backends")
	}
	if cfg.ASR.Backend == "whisper-native" && cfg.ASR.ModelPath == "" {
		return errors.New("asr.model_path must be set when backend=whisper-native")
	}
	switch cfg.Clean.Mode {
	case "off", "fast", "polish", "cloud":
	default:
		return errors.New("clean.mode must be one of off|fast|polish|cloud")
	}
	switch cfg.Clean.PolishMode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("clean.polish_mode must be one of mock|ollama|exec")
	}
	if cfg.Clean.PolishMode == "ollama" && cfg.Clean.Endpoint == "" {
		return errors.New("clean.endpoint must be set when polish_mode=ollama")
	}
	if cfg.Clean.PolishMode == "exec" && cfg.Clean.Command == "" {
		return errors.New("clean.command must be set when polish_mode=exec")
	}
	if cfg.Perf.LatencyThresholdMS <= 0 {
		return errors.New("perf.latency_threshold_ms must be positive")
	}
	if cfg.Perf.CPUThreshold <= 0 || cfg.Perf.CPUThreshold > 1 {
		return errors.New("perf.cpu_threshold must be in (0, 1]")
	}
	if cfg.Perf.SlowTrigger <= 0 {
		return errors.New("perf.slow_trigger must be >= 1")
	}
	if cfg.Perf.SampleIntervalMS <= 0 {
		return errors.New("perf.sample_interval_ms must be positive")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Output.Mode {
	case "bus", "exec":
	default:
		return errors.New("output.mode must be one of bus|exec")
	}
	if cfg.Output.Mode == "exec" && cfg.Output.Command == "" {
		return errors.New("output.command must be set when mode=exec")
	}
	return nil
}
