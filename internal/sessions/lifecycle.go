package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

// DefaultRotationThreshold is the context-usage fraction at which the
// current agent session is closed and a fresh one opened.
const DefaultRotationThreshold = 0.7

// SessionState tracks the agent session currently serving one session key.
type SessionState struct {
	ACPSessionID   string
	ConversationID string
	ContextUsage   float64
	CreatedAt      time.Time
}

// Result describes how GetOrCreateSession arrived at its state.
type Result struct {
	State        *SessionState
	IsNew        bool
	WasRotated   bool
	WasRecovered bool
}

// AgentClient opens agent sessions over the RPC boundary.
type AgentClient interface {
	NewSession(ctx context.Context) (string, error)
}

// ConversationLookup is the slice of the conversation store the lifecycle
// needs for crash recovery.
type ConversationLookup interface {
	GetConversationBySessionKey(key string) (*store.Conversation, error)
	GetLastTurn(id string) (*store.Turn, error)
}

// SessionRecords is the slice of the session log the lifecycle needs.
// *store.SessionLog satisfies it.
type SessionRecords interface {
	GetSession(id string) (*store.Session, error)
	CreateSession(id, agentType, conversationID, sessionKey string) (*store.Session, error)
	UpdateSessionStatus(id string, status store.SessionStatus) (*store.Session, error)
}

// Lifecycle owns the session-key → active-agent-session mapping and decides
// rotation and recovery. All state transitions for a key run inside
// WithLock(key, fn); messages on distinct keys proceed in parallel.
type Lifecycle struct {
	agentType string
	threshold float64
	events    *bus.Emitter

	mu     sync.Mutex
	states map[string]*SessionState
	locks  *store.PathLocks
}

// NewLifecycle creates a lifecycle manager. agentType names the agent
// implementation recorded on session-store records; threshold <= 0 uses
// DefaultRotationThreshold.
func NewLifecycle(agentType string, threshold float64) *Lifecycle {
	if threshold <= 0 {
		threshold = DefaultRotationThreshold
	}
	return &Lifecycle{
		agentType: agentType,
		threshold: threshold,
		events:    bus.NewEmitter(),
		states:    make(map[string]*SessionState),
		locks:     store.NewPathLocks(),
	}
}

// Events exposes the lifecycle emitter (session:{created,rotated,recovered,
// restore:error}).
func (l *Lifecycle) Events() *bus.Emitter { return l.events }

// WithLock serializes fn against all other work on the same session key.
// The caller must not already hold the lock for key (not re-entrant).
func (l *Lifecycle) WithLock(key string, fn func() error) error {
	return l.locks.WithLock(key, fn)
}

// GetOrCreateSession returns the state serving key, opening, rotating or
// recovering an agent session as needed. Callers must hold WithLock(key).
//
// Recovery: with no in-memory entry, if the key's conversation exists and
// its last turn names an agent session the session store still reports
// active, that session is adopted (the process died without closing it).
// When the conversation has prior turns but no adoptable session, a fresh
// agent session opens for it and the result is still recovered, not new:
// the caller owes the agent its lost context.
// Rotation: an existing entry past the usage threshold closes its session
// as completed and opens a fresh one.
func (l *Lifecycle) GetOrCreateSession(ctx context.Context, key string, client AgentClient, convs ConversationLookup, records SessionRecords) (Result, error) {
	l.mu.Lock()
	state, ok := l.states[key]
	l.mu.Unlock()

	if ok {
		if state.ContextUsage >= l.threshold {
			return l.rotate(ctx, key, state, client, records)
		}
		return Result{State: state}, nil
	}

	conversationID := ""
	hasHistory := false
	if convs != nil {
		conv, err := convs.GetConversationBySessionKey(key)
		if err != nil {
			l.events.Emit(bus.EventSessionRestoreError, key, err)
		} else if conv != nil {
			conversationID = conv.ID
			last, err := convs.GetLastTurn(conv.ID)
			if err != nil {
				l.events.Emit(bus.EventSessionRestoreError, key, err)
			} else if last != nil {
				hasHistory = true
				if adopted := l.tryAdopt(key, conv.ID, last, records); adopted != nil {
					l.put(key, adopted)
					l.events.Emit(bus.EventSessionRecovered, key, adopted)
					return Result{State: adopted, WasRecovered: true}, nil
				}
			}
		}
	}

	state, err := l.open(ctx, key, conversationID, client, records)
	if err != nil {
		return Result{}, err
	}
	l.put(key, state)
	if hasHistory {
		l.events.Emit(bus.EventSessionRecovered, key, state)
		return Result{State: state, WasRecovered: true}, nil
	}
	l.events.Emit(bus.EventSessionCreated, key, state)
	return Result{State: state, IsNew: true}, nil
}

// tryAdopt returns a state adopting the conversation's last agent session
// when that session is still active in the store. Any failure along the way
// is reported on the bus and adoption is abandoned in favor of a fresh
// session.
func (l *Lifecycle) tryAdopt(key, conversationID string, last *store.Turn, records SessionRecords) *SessionState {
	if records == nil || last.SessionID == "" {
		return nil
	}
	sess, err := records.GetSession(last.SessionID)
	if err != nil {
		if !store.IsNotFound(err) {
			l.events.Emit(bus.EventSessionRestoreError, key, err)
		}
		return nil
	}
	if sess.Status != store.SessionActive {
		return nil
	}
	return &SessionState{
		ACPSessionID:   sess.ID,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

func (l *Lifecycle) rotate(ctx context.Context, key string, old *SessionState, client AgentClient, records SessionRecords) (Result, error) {
	if records != nil && old.ACPSessionID != "" {
		if _, err := records.UpdateSessionStatus(old.ACPSessionID, store.SessionCompleted); err != nil {
			slog.Warn("failed to complete rotated session record", "key", key, "session_id", old.ACPSessionID, "error", err)
		}
	}

	state, err := l.open(ctx, key, old.ConversationID, client, records)
	if err != nil {
		return Result{}, err
	}
	l.put(key, state)
	l.events.Emit(bus.EventSessionRotated, key, old.ACPSessionID, state.ACPSessionID)
	return Result{State: state, WasRotated: true}, nil
}

// open asks the agent for a fresh session and, when the conversation is
// already known, writes the session-store record immediately. With no
// conversation yet the caller creates the record once it has one.
func (l *Lifecycle) open(ctx context.Context, key, conversationID string, client AgentClient, records SessionRecords) (*SessionState, error) {
	id, err := client.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open agent session for %s: %w", key, err)
	}
	if records != nil && conversationID != "" {
		if _, err := records.CreateSession(id, l.agentType, conversationID, key); err != nil && !store.IsConflict(err) {
			return nil, fmt.Errorf("record agent session %s: %w", id, err)
		}
	}
	return &SessionState{
		ACPSessionID:   id,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (l *Lifecycle) put(key string, state *SessionState) {
	l.mu.Lock()
	l.states[key] = state
	l.mu.Unlock()
}

// UpdateContextUsage records the latest sampled usage fraction for a key.
// The next GetOrCreateSession may rotate on it. Unknown keys are ignored.
func (l *Lifecycle) UpdateContextUsage(key string, fraction float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.states[key]; ok {
		state.ContextUsage = fraction
	}
}

// GetState returns the in-memory state for a key, if any.
func (l *Lifecycle) GetState(key string) (*SessionState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[key]
	return state, ok
}

// EndSession drops the in-memory entry for a key.
func (l *Lifecycle) EndSession(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, key)
}

// ActiveSessions snapshots key → agent session id for every live entry.
func (l *Lifecycle) ActiveSessions() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.states))
	for key, state := range l.states {
		out[key] = state.ACPSessionID
	}
	return out
}
