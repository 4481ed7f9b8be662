package audio

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// execCapture runs an external capture command that writes raw little-endian
// float32 PCM to stdout. Runtime stream errors are logged and surface as a
// single Stopped event; they never crash the reader goroutine.
type execCapture struct {
	cmd *exec.Cmd
	log *slog.Logger
	wg  sync.WaitGroup
}

func newExecCapture(cfg config.AudioConfig, log *slog.Logger, out chan<- Event) (*execCapture, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.CaptureCommand)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}

	cmdArgs := append([]string{}, args[1:]...)
	if cfg.DeviceID != "" {
		cmdArgs = append(cmdArgs, "--device", cfg.DeviceID)
	}
	cmdArgs = append(cmdArgs, "--rate", strconv.Itoa(cfg.SampleRate))

	cmd := exec.Command(args[0], cmdArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	c := &execCapture{cmd: cmd, log: log}
	frameLen := cfg.SampleRate * cfg.FrameDurationMS / 1000
	if frameLen <= 0 {
		frameLen = 320
	}

	c.wg.Add(1)
	go c.readLoop(stdout, frameLen, out)

	return c, nil
}

func (c *execCapture) readLoop(stdout io.Reader, frameLen int, out chan<- Event) {
	defer c.wg.Done()

	raw := make([]byte, frameLen*4)
	for {
		if _, err := io.ReadFull(stdout, raw); err != nil {
			if err != io.EOF {
				c.log.Warn("capture stream read failed", slog.String("error", err.Error()))
			}
			select {
			case out <- Event{Stopped: true}:
			default:
			}
			return
		}
		frame := make([]float32, frameLen)
		for i := range frame {
			bits := binary.LittleEndian.Uint32(raw[i*4:])
			frame[i] = math.Float32frombits(bits)
		}
		select {
		case out <- Event{Frame: frame}:
		default:
			// capture queue full, shed the frame
		}
	}
}

func (c *execCapture) Close() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	c.wg.Wait()
}

// DeviceInfo describes one input device reported by the capture tooling.
type DeviceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// ListDevices enumerates input devices via the configured listing command.
// It is a read-only side operation, independent of any running source, and
// returns an empty list when no command is configured.
func ListDevices(cfg config.AudioConfig, log *slog.Logger) []DeviceInfo {
	if cfg.ListDevicesCommand == "" {
		return nil
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.ListDevicesCommand)
	if err != nil || len(args) == 0 {
		log.Warn("invalid list_devices_command")
		return nil
	}
	output, err := exec.Command(args[0], args[1:]...).Output()
	if err != nil {
		log.Warn("device enumeration failed", slog.String("error", err.Error()))
		return nil
	}
	var devices []DeviceInfo
	if err := json.Unmarshal(output, &devices); err != nil {
		log.Warn("failed to decode device list", slog.String("error", err.Error()))
		return nil
	}
	return devices
}
