package asr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// BatchExecBackend shells out to an external transcriber: the buffered
// utterance is written to a temp WAV file and the command is expected to
// print a JSON object with a "text" field.
type BatchExecBackend struct {
	cmd []string
	cfg config.ASRConfig
	mu  sync.Mutex
}

type batchExecResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewBatchExecBackend(cfg config.ASRConfig) (*BatchExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcriber command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcriber command is empty")
	}
	return &BatchExecBackend{cmd: args, cfg: cfg}, nil
}

func (b *BatchExecBackend) Transcribe(samples []float32) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "murmur_asr_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSamplesToWav(file, samples, 16000); err != nil {
		return "", err
	}

	args := append([]string{}, b.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if b.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", b.cfg.ModelPath)
	}
	if b.cfg.Language != "" && !b.cfg.AutoDetectLanguage {
		cmdArgs = append(cmdArgs, "--language", b.cfg.Language)
	}

	command := exec.Command(base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("transcriber command failed: %w: %s", err, stderr.String())
	}

	var resp batchExecResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode transcriber response: %w", err)
	}
	return resp.Text, nil
}

func writeSamplesToWav(file *os.File, samples []float32, sampleRate int) error {
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}}
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(int16(s * 32767))
	}
	buffer.Data = data

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
