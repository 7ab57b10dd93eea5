// Package transform normalizes raw platform payloads into the common
// message shape the orchestrator consumes.
package transform

import (
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// ErrorKind classifies normalization failures. Unsupported content and a
// missing transformer are skips, not hard errors; the rest are dropped
// loudly by the caller.
type ErrorKind string

const (
	UnsupportedType    ErrorKind = "unsupported_type"
	MissingTransformer ErrorKind = "missing_transformer"
	Invalid            ErrorKind = "invalid"
)

// Error is a typed normalization failure.
type Error struct {
	Kind     ErrorKind
	Platform string
	Detail   string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("transform %s: %s", e.Platform, e.Kind)
	}
	return fmt.Sprintf("transform %s: %s: %s", e.Platform, e.Kind, e.Detail)
}

// IsSkippable reports whether err is a quiet skip rather than a failure.
func IsSkippable(err error) bool {
	te, ok := err.(*Error)
	return ok && (te.Kind == UnsupportedType || te.Kind == MissingTransformer)
}

// Unsupported builds an UnsupportedType error.
func Unsupported(platform, detail string) *Error {
	return &Error{Kind: UnsupportedType, Platform: platform, Detail: detail}
}

// InvalidErr builds an Invalid error.
func InvalidErr(platform, detail string) *Error {
	return &Error{Kind: Invalid, Platform: platform, Detail: detail}
}

// Transformer turns one platform's raw payload into a normalized message.
type Transformer interface {
	Platform() string
	Normalize(raw any) (*bus.Message, error)
}

// Func adapts a function to the Transformer interface.
type Func struct {
	Name string
	Fn   func(raw any) (*bus.Message, error)
}

func (f Func) Platform() string                        { return f.Name }
func (f Func) Normalize(raw any) (*bus.Message, error) { return f.Fn(raw) }

// Registry is the per-platform transformer table.
type Registry struct {
	mu    sync.RWMutex
	table map[string]Transformer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{table: make(map[string]Transformer)}
}

// Register installs a transformer for its platform, replacing any previous
// one.
func (r *Registry) Register(t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[t.Platform()] = t
}

// Get returns the transformer for a platform, if registered.
func (r *Registry) Get(platform string) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.table[platform]
	return t, ok
}

// Normalize routes raw through the platform's transformer. A missing
// transformer yields a MissingTransformer error, which callers treat as a
// skip.
func (r *Registry) Normalize(platform string, raw any) (*bus.Message, error) {
	t, ok := r.Get(platform)
	if !ok {
		return nil, &Error{Kind: MissingTransformer, Platform: platform}
	}
	msg, err := t.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Sender.ID == "" || msg.Channel == "" {
		return nil, InvalidErr(platform, "normalized message missing sender or channel")
	}
	if msg.Sender.Platform == "" {
		msg.Sender.Platform = platform
	}
	return msg, nil
}
