package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// ErrUnknownAgent is returned when a message targets an agent id that was
// never registered with the router.
var ErrUnknownAgent = fmt.Errorf("unknown agent")

// DefaultRecentLimit bounds the in-memory recent-context buffer per session.
const DefaultRecentLimit = 50

// LogicalSession is the per-peer conversation container. It survives agent
// session rotation; AgentSessionID points at the currently serving agent
// session and may be empty while idle.
type LogicalSession struct {
	Key            string
	Agent          string
	Platform       string
	PeerID         string
	PeerKind       PeerKind
	CreatedAt      time.Time
	LastActivity   time.Time
	Recent         []bus.Message
	AgentSessionID string

	seen map[string]bool // message ids already in Recent
}

// Router derives deterministic session keys from normalized messages and
// owns the logical-session table. Message senders always map to
// peerKind=user.
type Router struct {
	mu          sync.RWMutex
	agents      map[string]bool
	sessions    map[string]*LogicalSession
	recentLimit int
}

// NewRouter creates a router with the given recent-context buffer bound
// (<= 0 uses DefaultRecentLimit).
func NewRouter(recentLimit int) *Router {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	return &Router{
		agents:      make(map[string]bool),
		sessions:    make(map[string]*LogicalSession),
		recentLimit: recentLimit,
	}
}

// AddAgent registers an agent id as routable.
func (r *Router) AddAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = true
}

// RemoveAgent removes an agent id.
func (r *Router) RemoveAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// HasAgent reports whether an agent id is routable.
func (r *Router) HasAgent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// ResolveSession computes the message's session key, creating the session
// record on first contact. The message lands in the recent-context buffer
// only if its id is not already present (local intake idempotence, distinct
// from the conversation store's durable idempotence), and LastActivity is
// bumped either way.
func (r *Router) ResolveSession(msg bus.Message, agentID string) (*LogicalSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.agents[agentID] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	key := BuildKey(agentID, msg.Sender.Platform, PeerUser, msg.Sender.ID)
	sess, ok := r.sessions[key]
	if !ok {
		now := time.Now().UTC()
		sess = &LogicalSession{
			Key:          key,
			Agent:        agentID,
			Platform:     msg.Sender.Platform,
			PeerID:       msg.Sender.ID,
			PeerKind:     PeerUser,
			CreatedAt:    now,
			LastActivity: now,
			seen:         make(map[string]bool),
		}
		r.sessions[key] = sess
	}

	if msg.ID != "" && !sess.seen[msg.ID] {
		sess.seen[msg.ID] = true
		sess.Recent = append(sess.Recent, msg)
		if len(sess.Recent) > r.recentLimit {
			evicted := sess.Recent[0]
			delete(sess.seen, evicted.ID)
			sess.Recent = sess.Recent[1:]
		}
	}
	sess.LastActivity = time.Now().UTC()
	return sess, nil
}

// GetSession returns the session for a key, if present.
func (r *Router) GetSession(key string) (*LogicalSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[key]
	return sess, ok
}

// SetAgentSessionID records the agent session currently serving a key.
func (r *Router) SetAgentSessionID(key, agentSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[key]; ok {
		sess.AgentSessionID = agentSessionID
	}
}

// EvictSession removes a session record. Sessions are never destroyed
// implicitly; this is the only way one goes away.
func (r *Router) EvictSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

// Keys returns a snapshot of all known session keys.
func (r *Router) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}
