package asr

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// StreamExecBackend launches an external streaming decoder per utterance and
// speaks a line-delimited JSON protocol over its stdin/stdout. Each request
// line carries an op ("accept", "decode", "finish"); each decode and finish
// response carries the current hypothesis and endpoint flag.
type StreamExecBackend struct {
	command []string
}

// NewStreamExecBackend parses the decoder command line.
func NewStreamExecBackend(command string) (*StreamExecBackend, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("streaming recognizer command not configured")
	}
	parts, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty recognizer command")
	}
	return &StreamExecBackend{command: parts}, nil
}

// OpenStream starts a fresh decoder process.
func (b *StreamExecBackend) OpenStream() (Stream, error) {
	cmd := exec.Command(b.command[0], b.command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &execStream{
		cmd:     cmd,
		stdin:   stdin,
		scanner: scanner,
	}, nil
}

type execStream struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	scanner  *bufio.Scanner
	endpoint bool
	closed   bool
}

type streamRequest struct {
	Op      string    `json:"op"`
	Samples []float32 `json:"samples,omitempty"`
}

type streamResponse struct {
	Text     string `json:"text"`
	Endpoint bool   `json:"endpoint"`
	Error    string `json:"error,omitempty"`
}

func (s *execStream) send(req streamRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode recognizer request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := s.stdin.Write(payload); err != nil {
		return fmt.Errorf("write recognizer request: %w", err)
	}
	return nil
}

func (s *execStream) receive() (streamResponse, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return streamResponse{}, fmt.Errorf("read recognizer response: %w", err)
		}
		return streamResponse{}, fmt.Errorf("recognizer closed its output stream")
	}
	var resp streamResponse
	if err := json.Unmarshal(s.scanner.Bytes(), &resp); err != nil {
		return streamResponse{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	if resp.Error != "" {
		return streamResponse{}, fmt.Errorf("recognizer error: %s", resp.Error)
	}
	return resp, nil
}

func (s *execStream) Accept(samples []float32) error {
	return s.send(streamRequest{Op: "accept", Samples: samples})
}

func (s *execStream) Decode() (string, error) {
	if err := s.send(streamRequest{Op: "decode"}); err != nil {
		return "", err
	}
	resp, err := s.receive()
	if err != nil {
		return "", err
	}
	s.endpoint = resp.Endpoint
	return resp.Text, nil
}

func (s *execStream) Endpoint() bool {
	return s.endpoint
}

func (s *execStream) Finish() (string, error) {
	if err := s.send(streamRequest{Op: "finish"}); err != nil {
		return "", err
	}
	resp, err := s.receive()
	if err != nil {
		return "", err
	}
	s.endpoint = false
	return resp.Text, nil
}

func (s *execStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
}
