// Package wake loads the one-shot restart checkpoint. A checkpoint carries
// the context a planned restart wants injected into the first fresh agent
// session; it is consumed exactly once and the file is deleted.
package wake

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxCheckpointAge bounds how stale a checkpoint may be before it is
// discarded instead of replayed.
const MaxCheckpointAge = 24 * time.Hour

// Context is the wake payload injected as a system prompt.
type Context struct {
	Prompt       string `yaml:"prompt"`
	PendingWork  string `yaml:"pending_work,omitempty"`
	Instructions string `yaml:"instructions,omitempty"`
}

// Checkpoint is the on-disk checkpoint.yaml shape.
type Checkpoint struct {
	Version       int       `yaml:"version"`
	SessionID     string    `yaml:"session_id"`
	RestartReason string    `yaml:"restart_reason"`
	WakeContext   Context   `yaml:"wake_context"`
	CreatedAt     time.Time `yaml:"created_at"`
}

// Loader holds a loaded checkpoint until it is consumed.
type Loader struct {
	path string

	mu         sync.Mutex
	checkpoint *Checkpoint
	consumed   bool
}

// NewLoader creates a loader for the given checkpoint path. Nothing is read
// until Load.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and validates the checkpoint file. A missing file is not an
// error; an unparseable or stale checkpoint is rejected (and the file kept
// for inspection).
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("parse checkpoint %s: %w", l.path, err)
	}
	if cp.WakeContext.Prompt == "" {
		return fmt.Errorf("checkpoint %s: empty wake prompt", l.path)
	}
	if age := time.Since(cp.CreatedAt); age > MaxCheckpointAge {
		return fmt.Errorf("checkpoint %s is stale: created %s ago", l.path, age.Round(time.Minute))
	}

	l.checkpoint = &cp
	slog.Info("wake checkpoint loaded",
		"session_id", cp.SessionID,
		"restart_reason", cp.RestartReason)
	return nil
}

// Pending reports whether a loaded checkpoint awaits consumption.
func (l *Loader) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint != nil && !l.consumed
}

// Consume returns the wake context exactly once and deletes the checkpoint
// file. Subsequent calls return nil.
func (l *Loader) Consume() *Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checkpoint == nil || l.consumed {
		return nil
	}
	l.consumed = true
	cp := l.checkpoint
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to delete consumed checkpoint", "path", l.path, "error", err)
	}
	return cp
}

// Write stores a checkpoint for the next process to pick up. Used by
// planned restarts.
func Write(path string, cp Checkpoint) error {
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}
