// Package skills is the in-process registry of named capability providers.
package skills

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// State is a skill's lifecycle state inside the registry.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	StateDisposed      State = "disposed"
)

// Manifest describes a skill.
type Manifest struct {
	ID           string
	Name         string
	Description  string
	Version      string
	Capabilities []string
}

// Skill is a capability provider. Initialize runs lazily before the first
// Execute; Dispose is called on unregister and shutdown.
type Skill interface {
	Manifest() Manifest
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, params map[string]any) (any, error)
	Dispose(ctx context.Context) error
}

// Result is the outcome wrapper Execute paths return. Exactly one of Value
// and Err is meaningful.
type Result struct {
	OK    bool
	Value any
	Err   error
}

// ValidationError reports the first problem found in a manifest.
type ValidationError struct {
	Field        string
	ExpectedType string
	ActualType   string
	Missing      bool
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("skill manifest: missing required field %q", e.Field)
	}
	return fmt.Sprintf("skill manifest: field %q expects %s, got %s", e.Field, e.ExpectedType, e.ActualType)
}

// ValidateManifest checks required fields, reporting the first missing one.
func ValidateManifest(m Manifest) error {
	required := []struct {
		field string
		value string
	}{
		{"id", m.ID},
		{"name", m.Name},
		{"version", m.Version},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Missing: true}
		}
	}
	if len(m.Capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Missing: true}
	}
	return nil
}

// ValidateSpec checks a dynamic manifest map (as loaded from config) and
// reports the first missing field or type mismatch.
func ValidateSpec(spec map[string]any) error {
	stringFields := []string{"id", "name", "version"}
	for _, field := range stringFields {
		v, ok := spec[field]
		if !ok || v == nil {
			return &ValidationError{Field: field, Missing: true}
		}
		if s, ok := v.(string); !ok || s == "" {
			if !ok {
				return &ValidationError{Field: field, ExpectedType: "string", ActualType: fmt.Sprintf("%T", v)}
			}
			return &ValidationError{Field: field, Missing: true}
		}
	}
	v, ok := spec["capabilities"]
	if !ok || v == nil {
		return &ValidationError{Field: "capabilities", Missing: true}
	}
	switch caps := v.(type) {
	case []string:
		if len(caps) == 0 {
			return &ValidationError{Field: "capabilities", Missing: true}
		}
	case []any:
		if len(caps) == 0 {
			return &ValidationError{Field: "capabilities", Missing: true}
		}
		for _, c := range caps {
			if _, ok := c.(string); !ok {
				return &ValidationError{Field: "capabilities", ExpectedType: "string", ActualType: fmt.Sprintf("%T", c)}
			}
		}
	default:
		return &ValidationError{Field: "capabilities", ExpectedType: "[]string", ActualType: fmt.Sprintf("%T", v)}
	}
	return nil
}

type entry struct {
	skill Skill
	state State
}

// Registry indexes skills by id and capability.
type Registry struct {
	events *bus.Emitter

	mu     sync.Mutex
	skills map[string]*entry
	byCap  map[string][]string
}

// NewRegistry creates an empty registry. Pass nil for a private emitter.
func NewRegistry(events *bus.Emitter) *Registry {
	if events == nil {
		events = bus.NewEmitter()
	}
	return &Registry{
		events: events,
		skills: make(map[string]*entry),
		byCap:  make(map[string][]string),
	}
}

// Events exposes the emitter carrying skill:* events.
func (r *Registry) Events() *bus.Emitter { return r.events }

// Register validates and installs a skill. Duplicate ids are rejected.
func (r *Registry) Register(s Skill) error {
	m := s.Manifest()
	if err := ValidateManifest(m); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.skills[m.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("skill %q already registered", m.ID)
	}
	r.skills[m.ID] = &entry{skill: s, state: StateUninitialized}
	for _, cap := range m.Capabilities {
		r.byCap[cap] = append(r.byCap[cap], m.ID)
	}
	r.mu.Unlock()

	r.events.Emit(bus.EventSkillRegistered, m.ID, m)
	return nil
}

// Unregister removes a skill, disposing it unless dispose is false.
func (r *Registry) Unregister(ctx context.Context, id string, dispose bool) error {
	r.mu.Lock()
	e, ok := r.skills[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("skill %q not registered", id)
	}
	delete(r.skills, id)
	m := e.skill.Manifest()
	for _, cap := range m.Capabilities {
		ids := r.byCap[cap]
		for i, sid := range ids {
			if sid == id {
				r.byCap[cap] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(r.byCap[cap]) == 0 {
			delete(r.byCap, cap)
		}
	}
	state := e.state
	e.state = StateDisposed
	r.mu.Unlock()

	if dispose && state != StateUninitialized && state != StateDisposed {
		if err := e.skill.Dispose(ctx); err != nil {
			r.events.Emit(bus.EventError, err, "unregister", id)
		}
	}
	r.events.Emit(bus.EventSkillUnregistered, id)
	return nil
}

// GetSkill returns a skill by id.
func (r *Registry) GetSkill(id string) (Skill, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.skills[id]
	if !ok {
		return nil, false
	}
	return e.skill, true
}

// State returns a skill's lifecycle state.
func (r *Registry) State(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.skills[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// GetSkillByCapability returns the first skill registered for cap.
func (r *Registry) GetSkillByCapability(cap string) (Skill, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byCap[cap]
	if len(ids) == 0 {
		return nil, false
	}
	return r.skills[ids[0]].skill, true
}

// GetSkillsByCapability returns every skill registered for cap, in
// registration order.
func (r *Registry) GetSkillsByCapability(cap string) []Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Skill, 0, len(r.byCap[cap]))
	for _, id := range r.byCap[cap] {
		out = append(out, r.skills[id].skill)
	}
	return out
}

// ExecuteSkill runs a skill by id, initializing it first if needed. It
// never panics or returns a Go error; failures come back in the Result.
// A failed auto-initialize leaves the skill registered so a later call can
// retry.
func (r *Registry) ExecuteSkill(ctx context.Context, id string, params map[string]any) Result {
	r.mu.Lock()
	e, ok := r.skills[id]
	if !ok {
		r.mu.Unlock()
		err := fmt.Errorf("skill %q not registered", id)
		r.events.Emit(bus.EventError, err, "execute", id)
		return Result{Err: err}
	}
	needsInit := e.state == StateUninitialized
	if needsInit {
		e.state = StateInitializing
	}
	r.mu.Unlock()

	if needsInit {
		if err := r.initialize(ctx, id, e); err != nil {
			return Result{Err: err}
		}
	}

	r.setState(e, StateExecuting)
	r.events.Emit(bus.EventSkillExecuteStart, id, params)

	value, err := func() (value any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("skill %q panicked: %v", id, rec)
			}
		}()
		return e.skill.Execute(ctx, params)
	}()

	r.setState(e, StateReady)

	if err != nil {
		r.events.Emit(bus.EventSkillExecuteError, id, err)
		r.events.Emit(bus.EventError, err, "execute", id)
		return Result{Err: err}
	}
	r.events.Emit(bus.EventSkillExecuteComplete, id, value)
	return Result{OK: true, Value: value}
}

// ExecuteByCapability runs the first skill providing cap.
func (r *Registry) ExecuteByCapability(ctx context.Context, cap string, params map[string]any) Result {
	r.mu.Lock()
	ids := r.byCap[cap]
	if len(ids) == 0 {
		r.mu.Unlock()
		err := fmt.Errorf("no skill provides capability %q", cap)
		r.events.Emit(bus.EventError, err, "execute", "")
		return Result{Err: err}
	}
	id := ids[0]
	r.mu.Unlock()
	return r.ExecuteSkill(ctx, id, params)
}

// InitializeAll initializes every uninitialized skill. Failures are
// reported per skill and do not stop the sweep.
func (r *Registry) InitializeAll(ctx context.Context) []error {
	r.mu.Lock()
	pending := make(map[string]*entry)
	for id, e := range r.skills {
		if e.state == StateUninitialized {
			e.state = StateInitializing
			pending[id] = e
		}
	}
	r.mu.Unlock()

	var errs []error
	for id, e := range pending {
		if err := r.initialize(ctx, id, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// DisposeAll disposes every initialized skill. The registry stays usable;
// disposed skills must be re-registered.
func (r *Registry) DisposeAll(ctx context.Context) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.skills))
	for id, e := range r.skills {
		entries[id] = e
	}
	r.skills = make(map[string]*entry)
	r.byCap = make(map[string][]string)
	r.mu.Unlock()

	for id, e := range entries {
		if e.state == StateReady || e.state == StateExecuting {
			if err := e.skill.Dispose(ctx); err != nil {
				r.events.Emit(bus.EventError, err, "dispose", id)
			}
		}
		e.state = StateDisposed
		r.events.Emit(bus.EventSkillUnregistered, id)
	}
}

// initialize runs Initialize for an entry already moved to initializing.
// On failure the skill drops back to uninitialized and stays registered.
func (r *Registry) initialize(ctx context.Context, id string, e *entry) error {
	if err := e.skill.Initialize(ctx); err != nil {
		r.setState(e, StateUninitialized)
		wrapped := fmt.Errorf("initialize skill %q: %w", id, err)
		r.events.Emit(bus.EventError, wrapped, "initialize", id)
		return wrapped
	}
	r.setState(e, StateReady)
	return nil
}

func (r *Registry) setState(e *entry, s State) {
	r.mu.Lock()
	e.state = s
	r.mu.Unlock()
}
