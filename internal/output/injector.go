// Package output delivers finished transcriptions. The bus mode broadcasts
// them for subscribers (editors, overlays); the exec mode additionally pipes
// the text into an external paste helper.
package output

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

// Publisher is the broadcast half of delivery.
type Publisher interface {
	PublishJSON(subject string, payload any)
}

// Injector delivers completed transcription output.
type Injector struct {
	publisher Publisher
	cmd       []string
	log       *slog.Logger
}

// New builds an injector. For exec mode the paste command is parsed up
// front so a malformed command fails at startup, not mid-dictation.
func New(cfg config.OutputConfig, publisher Publisher, log *slog.Logger) (*Injector, error) {
	inj := &Injector{
		publisher: publisher,
		log:       log.With(slog.String("component", "output")),
	}
	if cfg.Mode == "exec" {
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse output command: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("output command is empty")
		}
		inj.cmd = args
	}
	return inj, nil
}

// Deliver broadcasts the output and, in exec mode, feeds it to the paste
// helper. Helper failures are logged; the broadcast already happened.
func (i *Injector) Deliver(out protocol.TranscriptionOutput) {
	i.publisher.PublishJSON(protocol.SubjectTranscriptionOutput, out)

	if len(i.cmd) == 0 {
		return
	}
	cmd := exec.Command(i.cmd[0], i.cmd[1:]...)
	cmd.Stdin = strings.NewReader(out.Text)
	if err := cmd.Run(); err != nil {
		i.log.Warn("output command failed", slog.String("error", err.Error()))
	}
}
