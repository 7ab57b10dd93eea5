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

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is the durable thread metadata for one session key.
type Conversation struct {
	ID         string             `yaml:"id"`
	SessionKey string             `yaml:"session_key"`
	Status     ConversationStatus `yaml:"status"`
	CreatedAt  time.Time          `yaml:"created_at"`
	UpdatedAt  time.Time          `yaml:"updated_at"`
	TurnCount  int64              `yaml:"turn_count"`
	Metadata   map[string]string  `yaml:"metadata,omitempty"`
}

// EventRange is the inclusive span of agent-session events that reconstruct
// a turn's content.
type EventRange struct {
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`
}

// Turn is one user/assistant/system exchange inside a conversation.
type Turn struct {
	Seq        int64             `json:"seq"`
	TS         int64             `json:"ts"`
	Role       string            `json:"role"`
	SessionID  string            `json:"session_id"`
	EventRange EventRange        `json:"event_range"`
	MessageID  string            `json:"message_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// AppendTurnInput carries one turn to append. Seq and TS are assigned when
// absent (Seq nil, TS zero).
type AppendTurnInput struct {
	Role       string
	SessionID  string
	EventRange EventRange
	MessageID  string
	Metadata   map[string]string
	TS         int64
	Seq        *int64
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Status ConversationStatus
	Limit  int
}

// SessionChecker validates turn session references. *SessionLog satisfies it.
type SessionChecker interface {
	GetSession(id string) (*Session, error)
}

const sessionKeyIndexFile = "session-key-index.json"

// ConversationStore is the append-only per-conversation turn log store.
// Layout: <dir>/<conversation_id>/{conversation.yaml,turns.jsonl,
// message-id-index.json} plus <dir>/session-key-index.json.
type ConversationStore struct {
	dir      string
	locks    *PathLocks
	events   *bus.Emitter
	sessions SessionChecker // optional

	idxMu    sync.Mutex
	keyIndex map[string]string // session key → conversation id, nil until loaded
}

// NewConversationStore opens (creating if needed) a conversation store
// rooted at dir. sessions may be nil; when attached, appended turns must
// reference an existing agent session.
func NewConversationStore(dir string, locks *PathLocks, sessions SessionChecker) (*ConversationStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, IOErr("open_conversation_store", dir, err)
	}
	if locks == nil {
		locks = NewPathLocks()
	}
	return &ConversationStore{
		dir:      dir,
		locks:    locks,
		events:   bus.NewEmitter(),
		sessions: sessions,
	}, nil
}

// Events exposes the store's emitter (conversation:created, turn:appended).
func (c *ConversationStore) Events() *bus.Emitter { return c.events }

func (c *ConversationStore) convDir(id string) string  { return filepath.Join(c.dir, id) }
func (c *ConversationStore) metaPath(id string) string {
	return filepath.Join(c.dir, id, "conversation.yaml")
}
func (c *ConversationStore) turnsPath(id string) string {
	return filepath.Join(c.dir, id, "turns.jsonl")
}
func (c *ConversationStore) msgIndexPath(id string) string {
	return filepath.Join(c.dir, id, "message-id-index.json")
}
func (c *ConversationStore) keyIndexPath() string {
	return filepath.Join(c.dir, sessionKeyIndexFile)
}

// CreateConversation creates the directory, initializes empty logs, and
// inserts the session-key index entry. Emits conversation:created. A second
// create for the same key is a conflict.
func (c *ConversationStore) CreateConversation(sessionKey string) (*Conversation, error) {
	if sessionKey == "" {
		return nil, ValidationErr("create_conversation", "session_key", "non-empty string", "empty")
	}
	if existing, err := c.GetConversationBySessionKey(sessionKey); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ConflictErr("create_conversation", sessionKey)
	}

	conv := &Conversation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SessionKey: sessionKey,
		Status:     ConversationActive,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	err := c.locks.WithLock(c.metaPath(conv.ID), func() error {
		if err := os.MkdirAll(c.convDir(conv.ID), 0o755); err != nil {
			return IOErr("create_conversation", c.convDir(conv.ID), err)
		}
		if err := c.writeMeta(conv); err != nil {
			return err
		}
		// Touch the log so the directory is complete from the start.
		f, err := os.OpenFile(c.turnsPath(conv.ID), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return IOErr("create_conversation", c.turnsPath(conv.ID), err)
		}
		f.Close()
		return c.writeMsgIndex(conv.ID, map[string]int64{})
	})
	if err != nil {
		return nil, err
	}

	if err := c.updateKeyIndex(sessionKey, conv.ID); err != nil {
		return nil, err
	}
	c.events.Emit(bus.EventConversationCreated, conv)
	return conv, nil
}

// GetConversation loads one conversation's metadata by id.
func (c *ConversationStore) GetConversation(id string) (*Conversation, error) {
	if !validSessionID(id) {
		return nil, ValidationErr("get_conversation", "id", "path-safe identifier", id)
	}
	var conv *Conversation
	err := c.locks.WithLock(c.metaPath(id), func() error {
		var readErr error
		conv, readErr = c.readMeta(id)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversationBySessionKey resolves a session key through the index.
// Returns (nil, nil) when no conversation exists for the key.
func (c *ConversationStore) GetConversationBySessionKey(key string) (*Conversation, error) {
	id, err := c.lookupKey(key)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	conv, err := c.GetConversation(id)
	if err != nil {
		if IsNotFound(err) {
			// Stale index entry; drop it.
			c.dropKey(key)
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// GetOrCreateConversation returns the conversation for a key, creating it
// lazily on first use.
func (c *ConversationStore) GetOrCreateConversation(key string) (*Conversation, error) {
	if conv, err := c.GetConversationBySessionKey(key); err != nil {
		return nil, err
	} else if conv != nil {
		return conv, nil
	}
	conv, err := c.CreateConversation(key)
	if err != nil && IsConflict(err) {
		// Lost a create race; the winner's record serves.
		return c.GetConversationBySessionKey(key)
	}
	return conv, err
}

// ListConversations scans all conversation directories.
func (c *ConversationStore) ListConversations(filter ConversationFilter) ([]*Conversation, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, IOErr("list_conversations", c.dir, err)
	}
	var out []*Conversation
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		conv, err := c.GetConversation(entry.Name())
		if err != nil {
			if IsNotFound(err) || IsValidation(err) {
				continue
			}
			slog.Error("conversation metadata unreadable, skipping", "id", entry.Name(), "error", err)
			continue
		}
		if filter.Status != "" && conv.Status != filter.Status {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ArchiveConversation sets status=archived and bumps updated_at.
func (c *ConversationStore) ArchiveConversation(id string) (*Conversation, error) {
	var conv *Conversation
	err := c.locks.WithLock(c.metaPath(id), func() error {
		var readErr error
		conv, readErr = c.readMeta(id)
		if readErr != nil {
			return readErr
		}
		conv.Status = ConversationArchived
		conv.UpdatedAt = time.Now().UTC()
		return c.writeMeta(conv)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendTurn appends one turn under the per-conversation lock.
//
// Idempotence contract: when MessageID is already indexed the existing turn
// is returned unchanged with wasDuplicate=true, and turn:appended fires with
// the same flag. The message-id index is updated after the turn line is
// durably written but before AppendTurn returns.
func (c *ConversationStore) AppendTurn(id string, in AppendTurnInput) (*Turn, bool, error) {
	if !validSessionID(id) {
		return nil, false, ValidationErr("append_turn", "id", "path-safe identifier", id)
	}

	var turn *Turn
	wasDuplicate := false
	err := c.locks.WithLock(c.metaPath(id), func() error {
		conv, err := c.readMeta(id)
		if err != nil {
			return err
		}

		msgIndex, err := c.readMsgIndex(id)
		if err != nil {
			msgIndex, err = c.rebuildMsgIndexLocked(id)
			if err != nil {
				return err
			}
		}

		// Idempotence wins over validation: a replayed message id returns
		// the turn that already exists, whatever the rest of the input says.
		if in.MessageID != "" {
			if seq, ok := msgIndex[in.MessageID]; ok {
				existing, err := c.findTurnLocked(id, seq)
				if err != nil {
					return err
				}
				turn = existing
				wasDuplicate = true
				return nil
			}
		}

		switch in.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return ValidationErr("append_turn", "role", "user|assistant|system", in.Role)
		}
		if in.SessionID == "" {
			return ValidationErr("append_turn", "session_id", "non-empty string", "empty")
		}
		if in.EventRange.StartSeq < 0 || in.EventRange.EndSeq < in.EventRange.StartSeq {
			return ValidationErr("append_turn", "event_range", "start_seq <= end_seq, both >= 0", "inverted or negative range")
		}

		if c.sessions != nil {
			if _, err := c.sessions.GetSession(in.SessionID); err != nil {
				if IsNotFound(err) {
					return &Error{Kind: KindValidation, Op: "append_turn", Field: "session_id",
						Expected: "existing agent session", Actual: in.SessionID}
				}
				return err
			}
		}

		turn = &Turn{
			Role:       in.Role,
			SessionID:  in.SessionID,
			EventRange: in.EventRange,
			MessageID:  in.MessageID,
			Metadata:   in.Metadata,
			TS:         in.TS,
		}
		if turn.TS == 0 {
			turn.TS = time.Now().UnixMilli()
		}
		if in.Seq != nil {
			turn.Seq = *in.Seq
		} else {
			turn.Seq = conv.TurnCount
		}

		line, err := json.Marshal(turn)
		if err != nil {
			return IOErr("append_turn", c.turnsPath(id), err)
		}
		if err := AppendLine(c.turnsPath(id), line); err != nil {
			return err
		}

		conv.TurnCount++
		conv.UpdatedAt = time.Now().UTC()
		if err := c.writeMeta(conv); err != nil {
			return err
		}

		if in.MessageID != "" {
			msgIndex[in.MessageID] = turn.Seq
			if err := c.writeMsgIndex(id, msgIndex); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	c.events.Emit(bus.EventTurnAppended, id, turn, wasDuplicate)
	return turn, wasDuplicate, nil
}

// ReadTurns returns all valid turns sorted by seq, skipping malformed lines
// with a single error log. A missing or unreadable message-id index is
// rebuilt from the scan and replaced atomically.
func (c *ConversationStore) ReadTurns(id string) ([]Turn, error) {
	if !validSessionID(id) {
		return nil, ValidationErr("read_turns", "id", "path-safe identifier", id)
	}
	var turns []Turn
	err := c.locks.WithLock(c.metaPath(id), func() error {
		if _, err := os.Stat(c.metaPath(id)); err != nil {
			return NotFoundErr("read_turns", c.metaPath(id))
		}
		var readErr error
		turns, readErr = c.readTurnsLocked(id)
		if readErr != nil {
			return readErr
		}
		if _, err := c.readMsgIndex(id); err != nil {
			if _, rebuildErr := c.rebuildMsgIndexLocked(id); rebuildErr != nil {
				slog.Error("message-id index rebuild failed", "conversation_id", id, "error", rebuildErr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// ReadTurnsSince returns turns with since <= seq, and seq <= until when
// until >= 0.
func (c *ConversationStore) ReadTurnsSince(id string, since, until int64) ([]Turn, error) {
	turns, err := c.ReadTurns(id)
	if err != nil {
		return nil, err
	}
	var out []Turn
	for _, turn := range turns {
		if turn.Seq < since {
			continue
		}
		if until >= 0 && turn.Seq > until {
			continue
		}
		out = append(out, turn)
	}
	return out, nil
}

// GetLastTurn returns the highest-seq turn, or nil for an empty log.
func (c *ConversationStore) GetLastTurn(id string) (*Turn, error) {
	turns, err := c.ReadTurns(id)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	last := turns[len(turns)-1]
	return &last, nil
}

// GetTurnCount returns the number of valid turns in the log.
func (c *ConversationStore) GetTurnCount(id string) (int, error) {
	turns, err := c.ReadTurns(id)
	if err != nil {
		return 0, err
	}
	return len(turns), nil
}

func (c *ConversationStore) readTurnsLocked(id string) ([]Turn, error) {
	path := c.turnsPath(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, IOErr("read_turns", path, err)
	}
	defer f.Close()

	var turns []Turn
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			skipped++
			continue
		}
		if !validRole(turn.Role) || turn.SessionID == "" || turn.Seq < 0 || turn.TS <= 0 ||
			turn.EventRange.EndSeq < turn.EventRange.StartSeq {
			skipped++
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, IOErr("read_turns", path, err)
	}
	if skipped > 0 {
		slog.Error("skipped malformed turn lines", "conversation_id", id, "skipped", skipped)
	}

	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	return turns, nil
}

func validRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

func (c *ConversationStore) findTurnLocked(id string, seq int64) (*Turn, error) {
	turns, err := c.readTurnsLocked(id)
	if err != nil {
		return nil, err
	}
	for i := range turns {
		if turns[i].Seq == seq {
			return &turns[i], nil
		}
	}
	return nil, NotFoundErr("find_turn", c.turnsPath(id))
}

// rebuildMsgIndexLocked reconstructs message-id-index.json from the turn log.
func (c *ConversationStore) rebuildMsgIndexLocked(id string) (map[string]int64, error) {
	turns, err := c.readTurnsLocked(id)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int64)
	for _, turn := range turns {
		if turn.MessageID == "" {
			continue
		}
		if _, ok := index[turn.MessageID]; !ok {
			index[turn.MessageID] = turn.Seq
		}
	}
	if err := c.writeMsgIndex(id, index); err != nil {
		return nil, err
	}
	return index, nil
}

func (c *ConversationStore) readMsgIndex(id string) (map[string]int64, error) {
	data, err := os.ReadFile(c.msgIndexPath(id))
	if err != nil {
		return nil, IOErr("read_msg_index", c.msgIndexPath(id), err)
	}
	var index map[string]int64
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, IOErr("read_msg_index", c.msgIndexPath(id), err)
	}
	if index == nil {
		index = map[string]int64{}
	}
	return index, nil
}

func (c *ConversationStore) writeMsgIndex(id string, index map[string]int64) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return IOErr("write_msg_index", c.msgIndexPath(id), err)
	}
	return WriteFileAtomic(c.msgIndexPath(id), data, 0o644)
}

// lookupKey resolves a session key through the in-memory index, loading or
// rebuilding the on-disk index file as needed.
func (c *ConversationStore) lookupKey(key string) (string, error) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	if c.keyIndex == nil {
		if err := c.loadKeyIndexLocked(); err != nil {
			return "", err
		}
	}
	return c.keyIndex[key], nil
}

func (c *ConversationStore) dropKey(key string) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	if c.keyIndex == nil {
		return
	}
	delete(c.keyIndex, key)
	c.persistKeyIndexLocked()
}

func (c *ConversationStore) updateKeyIndex(key, id string) error {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	if c.keyIndex == nil {
		if err := c.loadKeyIndexLocked(); err != nil {
			return err
		}
	}
	c.keyIndex[key] = id
	return c.persistKeyIndexLocked()
}

// loadKeyIndexLocked reads session-key-index.json, rebuilding it by scanning
// conversation metadata when missing or corrupt.
func (c *ConversationStore) loadKeyIndexLocked() error {
	data, err := os.ReadFile(c.keyIndexPath())
	if err == nil {
		var index map[string]string
		if jsonErr := json.Unmarshal(data, &index); jsonErr == nil && index != nil {
			c.keyIndex = index
			return nil
		}
		slog.Error("session-key index corrupt, rebuilding", "path", c.keyIndexPath())
	}

	index := make(map[string]string)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return IOErr("rebuild_key_index", c.dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		conv, err := c.readMeta(entry.Name())
		if err != nil {
			continue
		}
		index[conv.SessionKey] = conv.ID
	}
	c.keyIndex = index
	return c.persistKeyIndexLocked()
}

func (c *ConversationStore) persistKeyIndexLocked() error {
	data, err := json.MarshalIndent(c.keyIndex, "", "  ")
	if err != nil {
		return IOErr("write_key_index", c.keyIndexPath(), err)
	}
	return WriteFileAtomic(c.keyIndexPath(), data, 0o644)
}

func (c *ConversationStore) readMeta(id string) (*Conversation, error) {
	path := c.metaPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundErr("read_conversation", path)
		}
		return nil, IOErr("read_conversation", path, err)
	}
	var conv Conversation
	if err := yaml.Unmarshal(data, &conv); err != nil {
		return nil, IOErr("read_conversation", path, err)
	}
	return &conv, nil
}

func (c *ConversationStore) writeMeta(conv *Conversation) error {
	data, err := yaml.Marshal(conv)
	if err != nil {
		return IOErr("write_conversation", c.metaPath(conv.ID), err)
	}
	return WriteFileAtomic(c.metaPath(conv.ID), data, 0o644)
}
