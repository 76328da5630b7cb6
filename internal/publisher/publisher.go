// Package publisher writes JSON documents atomically: the published fork-risk result and
// the event cache share the same write path.
package publisher

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
)

// FileMode is the mode of every published file. Temporary files start owner-only.
const FileMode = 0o644

// WriteJSON encodes v with indentation and writes it to path atomically.
func WriteJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(fs, path, append(data, '\n'))
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into
// place, so readers never observe a partially written document.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(name)
		return err
	}
	if err := fs.Chmod(name, FileMode); err != nil {
		fs.Remove(name)
		return err
	}
	if err := fs.Rename(name, path); err != nil {
		fs.Remove(name)
		return err
	}
	return nil
}

// Publisher replaces the result document on every run.
type Publisher struct {
	fs   afero.Fs
	path string
}

// New creates a Publisher writing to path.
func New(fs afero.Fs, path string) *Publisher {
	return &Publisher{fs: fs, path: path}
}

// Path returns the document location.
func (p *Publisher) Path() string {
	return p.path
}

// Publish validates result and writes it.
func (p *Publisher) Publish(result *models.ForkRiskResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid result: %w", err)
	}
	if err := WriteJSON(p.fs, p.path, result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	logger.Info("Results saved to %s", p.path)
	return nil
}

// Load reads the currently published document, if any.
func (p *Publisher) Load() (*models.ForkRiskResult, error) {
	data, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		return nil, err
	}
	var result models.ForkRiskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}
