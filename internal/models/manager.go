// Package models tracks locally installed model assets. Each asset lives in
// its own subdirectory of the models directory with a metadata.json file
// describing what it is.
package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// Kind classifies what a model asset is used for.
type Kind string

const (
	KindStreamingASR Kind = "streaming-asr"
	KindVAD          Kind = "vad"
	KindPolishLLM    Kind = "polish-llm"
	KindWhisper      Kind = "whisper"
)

// Asset describes one installed model.
type Asset struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Version  string `json:"version"`
	Language string `json:"language,omitempty"`
	Path     string `json:"-"`
	// Primary marks the preferred asset when several of the same kind
	// are installed.
	Primary bool `json:"primary,omitempty"`
}

// Manager scans the models directory and answers capability questions.
type Manager struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	assets []Asset
}

// New builds a manager and performs the initial scan. A missing directory
// is not an error: the machine simply has no models installed yet.
func New(cfg config.ModelsConfig, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		dir: cfg.Directory,
		log: log.With(slog.String("component", "models")),
	}
	if err := m.Rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

// Rescan re-reads the models directory.
func (m *Manager) Rescan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.assets = nil
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read models directory: %w", err)
	}

	var assets []Asset
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		assetDir := filepath.Join(m.dir, entry.Name())
		metaPath := filepath.Join(assetDir, "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			if !os.IsNotExist(err) {
				m.log.Warn("skipping unreadable model metadata",
					slog.String("path", metaPath),
					slog.String("error", err.Error()))
			}
			continue
		}
		var asset Asset
		if err := json.Unmarshal(data, &asset); err != nil {
			m.log.Warn("skipping malformed model metadata",
				slog.String("path", metaPath),
				slog.String("error", err.Error()))
			continue
		}
		if asset.Name == "" {
			asset.Name = entry.Name()
		}
		asset.Path = assetDir
		assets = append(assets, asset)
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })

	m.mu.Lock()
	m.assets = assets
	m.mu.Unlock()
	m.log.Info("scanned model assets", slog.Int("count", len(assets)))
	return nil
}

// Assets returns a copy of the installed asset list.
func (m *Manager) Assets() []Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Asset, len(m.assets))
	copy(out, m.assets)
	return out
}

// Primary returns the preferred asset of the given kind: an asset marked
// primary wins, otherwise the first by name.
func (m *Manager) Primary(kind Kind) (Asset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first *Asset
	for i := range m.assets {
		if m.assets[i].Kind != kind {
			continue
		}
		if m.assets[i].Primary {
			return m.assets[i], true
		}
		if first == nil {
			first = &m.assets[i]
		}
	}
	if first != nil {
		return *first, true
	}
	return Asset{}, false
}

// ResolveMode maps the configured recognition mode to a concrete one:
// "auto" picks streaming when a streaming recognizer asset is installed and
// falls back to whisper-style batch accuracy otherwise.
func (m *Manager) ResolveMode(configured string) asr.Mode {
	switch configured {
	case "streaming":
		return asr.ModeStreaming
	case "whisper":
		return asr.ModeWhisper
	}
	if _, ok := m.Primary(KindStreamingASR); ok {
		return asr.ModeStreaming
	}
	return asr.ModeWhisper
}
