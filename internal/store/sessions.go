package store

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionStatus is the lifecycle state of one agent session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// Session is the metadata record for one agent context-window instance.
// EndedAt is set iff Status != active.
type Session struct {
	ID             string        `yaml:"id"`
	AgentType      string        `yaml:"agent_type"`
	ConversationID string        `yaml:"conversation_id,omitempty"`
	SessionKey     string        `yaml:"session_key,omitempty"`
	Status         SessionStatus `yaml:"status"`
	StartedAt      time.Time     `yaml:"started_at"`
	EndedAt        *time.Time    `yaml:"ended_at,omitempty"`
}

// Event is one append record in an agent session's event log.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	TS        int64          `json:"ts"` // epoch ms
	TraceID   string         `json:"trace_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// Event types.
const (
	EventSessionStart = "session.start"
	EventSessionEnd   = "session.end"
	EventPromptSent   = "prompt.sent"
	EventMessageChunk = "message.chunk"
	EventToolCall     = "tool.call"
	EventToolResult   = "tool.result"
	EventNote         = "note"
)

// AppendEventInput carries one event to append. TS and Seq are assigned when
// absent (TS zero, Seq nil); Seq derivation happens under the event-file
// lock from the current tail.
type AppendEventInput struct {
	Type      string
	SessionID string
	Data      map[string]any
	TraceID   string
	TS        int64
	Seq       *int64
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status    SessionStatus
	AgentType string
	Limit     int
}

// SessionLog is the append-only per-agent-session event log store. Layout
// per session: <dir>/<session_id>/session.yaml + events.jsonl.
type SessionLog struct {
	dir   string
	locks *PathLocks

	seqMu   sync.Mutex
	lastSeq map[string]int64 // session id → last appended seq, -1 unknown
}

// NewSessionLog opens (creating if needed) a session log store rooted at dir.
func NewSessionLog(dir string, locks *PathLocks) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, IOErr("open_session_log", dir, err)
	}
	if locks == nil {
		locks = NewPathLocks()
	}
	return &SessionLog{dir: dir, locks: locks, lastSeq: make(map[string]int64)}, nil
}

// Dir returns the store's root directory.
func (s *SessionLog) Dir() string { return s.dir }

func (s *SessionLog) sessionDir(id string) string { return filepath.Join(s.dir, id) }
func (s *SessionLog) metaPath(id string) string   { return filepath.Join(s.dir, id, "session.yaml") }
func (s *SessionLog) eventsPath(id string) string { return filepath.Join(s.dir, id, "events.jsonl") }

func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\:`) && filepath.IsLocal(id)
}

// CreateSession writes a new active session record. Fails with a conflict
// error if the id already exists.
func (s *SessionLog) CreateSession(id, agentType, conversationID, sessionKey string) (*Session, error) {
	if !validSessionID(id) {
		return nil, ValidationErr("create_session", "id", "path-safe identifier", id)
	}
	if agentType == "" {
		return nil, ValidationErr("create_session", "agent_type", "non-empty string", "empty")
	}

	var sess *Session
	err := s.locks.WithLock(s.metaPath(id), func() error {
		if _, err := os.Stat(s.metaPath(id)); err == nil {
			return ConflictErr("create_session", s.metaPath(id))
		}
		if err := os.MkdirAll(s.sessionDir(id), 0o755); err != nil {
			return IOErr("create_session", s.sessionDir(id), err)
		}
		sess = &Session{
			ID:             id,
			AgentType:      agentType,
			ConversationID: conversationID,
			SessionKey:     sessionKey,
			Status:         SessionActive,
			StartedAt:      time.Now().UTC(),
		}
		return s.writeMeta(sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession loads a session's metadata. Missing sessions return a
// not-found error.
func (s *SessionLog) GetSession(id string) (*Session, error) {
	if !validSessionID(id) {
		return nil, ValidationErr("get_session", "id", "path-safe identifier", id)
	}
	var sess *Session
	err := s.locks.WithLock(s.metaPath(id), func() error {
		var readErr error
		sess, readErr = s.readMeta(id)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session's status. Completed and
// abandoned set ended_at = now; the metadata file is replaced atomically.
func (s *SessionLog) UpdateSessionStatus(id string, status SessionStatus) (*Session, error) {
	switch status {
	case SessionActive, SessionCompleted, SessionAbandoned:
	default:
		return nil, ValidationErr("update_session_status", "status", "active|completed|abandoned", string(status))
	}
	if !validSessionID(id) {
		return nil, ValidationErr("update_session_status", "id", "path-safe identifier", id)
	}

	var sess *Session
	err := s.locks.WithLock(s.metaPath(id), func() error {
		var readErr error
		sess, readErr = s.readMeta(id)
		if readErr != nil {
			return readErr
		}
		sess.Status = status
		if status == SessionActive {
			sess.EndedAt = nil
		} else {
			now := time.Now().UTC()
			sess.EndedAt = &now
		}
		return s.writeMeta(sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions scans all session directories, applying the filter. Results
// are sorted by id (ids are time-ordered, so this is creation order).
func (s *SessionLog) ListSessions(filter SessionFilter) ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, IOErr("list_sessions", s.dir, err)
	}

	var out []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.GetSession(entry.Name())
		if err != nil {
			if IsNotFound(err) || IsValidation(err) {
				continue
			}
			slog.Error("session metadata unreadable, skipping", "id", entry.Name(), "error", err)
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if filter.AgentType != "" && sess.AgentType != filter.AgentType {
			continue
		}
		out = append(out, sess)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecoverOrphanedSessions rewrites every active session as abandoned with
// ended_at = now. Run once at process start; running it again is a no-op
// because no active sessions remain. Returns the number recovered.
func (s *SessionLog) RecoverOrphanedSessions() (int, error) {
	active, err := s.ListSessions(SessionFilter{Status: SessionActive})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, sess := range active {
		if _, err := s.UpdateSessionStatus(sess.ID, SessionAbandoned); err != nil {
			slog.Error("failed to abandon orphaned session", "id", sess.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// AppendEvent appends one event to the session's log. Assigns ts = now when
// absent and seq = last+1 when absent (derived under the event-file lock
// from the current tail), then writes one fsynced JSON line.
func (s *SessionLog) AppendEvent(in AppendEventInput) (*Event, error) {
	if in.Type == "" {
		return nil, ValidationErr("append_event", "type", "non-empty string", "empty")
	}
	if !validSessionID(in.SessionID) {
		return nil, ValidationErr("append_event", "session_id", "path-safe identifier", in.SessionID)
	}
	if _, err := os.Stat(s.metaPath(in.SessionID)); err != nil {
		return nil, NotFoundErr("append_event", s.metaPath(in.SessionID))
	}

	ev := &Event{
		Type:      in.Type,
		SessionID: in.SessionID,
		TS:        in.TS,
		TraceID:   in.TraceID,
		Data:      in.Data,
	}
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	path := s.eventsPath(in.SessionID)
	err := s.locks.WithLock(path, func() error {
		if in.Seq != nil {
			ev.Seq = *in.Seq
		} else {
			last, err := s.tailSeq(in.SessionID)
			if err != nil {
				return err
			}
			ev.Seq = last + 1
		}

		line, err := json.Marshal(ev)
		if err != nil {
			return IOErr("append_event", path, err)
		}
		if err := AppendLine(path, line); err != nil {
			return err
		}

		s.seqMu.Lock()
		if cur, ok := s.lastSeq[in.SessionID]; !ok || ev.Seq > cur {
			s.lastSeq[in.SessionID] = ev.Seq
		}
		s.seqMu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// tailSeq returns the highest seq currently in the log (-1 when empty).
// Must be called under the event-file lock.
func (s *SessionLog) tailSeq(id string) (int64, error) {
	s.seqMu.Lock()
	last, ok := s.lastSeq[id]
	s.seqMu.Unlock()
	if ok {
		return last, nil
	}

	events, err := s.readEventsLocked(id)
	if err != nil {
		return -1, err
	}
	last = -1
	for _, ev := range events {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	s.seqMu.Lock()
	s.lastSeq[id] = last
	s.seqMu.Unlock()
	return last, nil
}

// ReadEvents returns all valid events for a session, stably sorted by seq.
// Malformed lines are skipped, never fatal: one error is logged per read
// that had to drop lines.
func (s *SessionLog) ReadEvents(id string) ([]Event, error) {
	if !validSessionID(id) {
		return nil, ValidationErr("read_events", "id", "path-safe identifier", id)
	}
	if _, err := os.Stat(s.metaPath(id)); err != nil {
		return nil, NotFoundErr("read_events", s.metaPath(id))
	}

	var events []Event
	err := s.locks.WithLock(s.eventsPath(id), func() error {
		var readErr error
		events, readErr = s.readEventsLocked(id)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SessionLog) readEventsLocked(id string) ([]Event, error) {
	path := s.eventsPath(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, IOErr("read_events", path, err)
	}
	defer f.Close()

	var events []Event
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			skipped++
			continue
		}
		if ev.Type == "" || ev.SessionID == "" || ev.Seq < 0 || ev.TS <= 0 {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, IOErr("read_events", path, err)
	}
	if skipped > 0 {
		slog.Error("skipped malformed event lines", "session_id", id, "skipped", skipped)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// ReadEventsSince returns events with since <= seq, and seq <= until when
// until >= 0.
func (s *SessionLog) ReadEventsSince(id string, since, until int64) ([]Event, error) {
	events, err := s.ReadEvents(id)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range events {
		if ev.Seq < since {
			continue
		}
		if until >= 0 && ev.Seq > until {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetLastEvent returns the highest-seq event, or nil for an empty log.
func (s *SessionLog) GetLastEvent(id string) (*Event, error) {
	events, err := s.ReadEvents(id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	return &last, nil
}

// GetEventCount returns the number of valid events in the log.
func (s *SessionLog) GetEventCount(id string) (int, error) {
	events, err := s.ReadEvents(id)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

func (s *SessionLog) readMeta(id string) (*Session, error) {
	path := s.metaPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundErr("read_session", path)
		}
		return nil, IOErr("read_session", path, err)
	}
	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, IOErr("read_session", path, err)
	}
	return &sess, nil
}

func (s *SessionLog) writeMeta(sess *Session) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return IOErr("write_session", s.metaPath(sess.ID), err)
	}
	return WriteFileAtomic(s.metaPath(sess.ID), data, 0o644)
}
