package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

type fakeAgent struct {
	mu    sync.Mutex
	n     int
	fail  bool
	delay time.Duration
}

func (f *fakeAgent) NewSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("agent unavailable")
	}
	f.n++
	return fmt.Sprintf("acp-%d", f.n), nil
}

func (f *fakeAgent) ContextUsage(ctx context.Context, acpSessionID string) (float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0.42, nil
}

func newTestStores(t *testing.T) (*store.SessionLog, *store.ConversationStore) {
	t.Helper()
	dir := t.TempDir()
	locks := store.NewPathLocks()
	records, err := store.NewSessionLog(filepath.Join(dir, "sessions"), locks)
	if err != nil {
		t.Fatal(err)
	}
	convs, err := store.NewConversationStore(filepath.Join(dir, "conversations"), locks, records)
	if err != nil {
		t.Fatal(err)
	}
	return records, convs
}

func TestGetOrCreateSession_New(t *testing.T) {
	records, convs := newTestStores(t)
	lc := NewLifecycle("claude", 0)
	agent := &fakeAgent{}

	conv, err := convs.CreateConversation("main:discord:user:u1")
	if err != nil {
		t.Fatal(err)
	}

	var created int
	lc.Events().On(bus.EventSessionCreated, func(args ...any) { created++ })

	res, err := lc.GetOrCreateSession(context.Background(), "main:discord:user:u1", agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsNew || res.WasRotated || res.WasRecovered {
		t.Errorf("flags = %+v, want IsNew only", res)
	}
	if res.State.ACPSessionID != "acp-1" || res.State.ConversationID != conv.ID {
		t.Errorf("state = %+v", res.State)
	}
	if created != 1 {
		t.Errorf("session:created fired %d times", created)
	}

	// A session-store record must exist and be active.
	rec, err := records.GetSession("acp-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.SessionActive || rec.ConversationID != conv.ID {
		t.Errorf("record = %+v", rec)
	}

	// Second call on a warm key reuses the state without touching the agent.
	again, err := lc.GetOrCreateSession(context.Background(), "main:discord:user:u1", agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}
	if again.IsNew || again.State != res.State {
		t.Errorf("warm key did not reuse state")
	}
}

func TestGetOrCreateSession_RotatesPastThreshold(t *testing.T) {
	records, convs := newTestStores(t)
	lc := NewLifecycle("claude", 0.7)
	agent := &fakeAgent{}
	key := "main:discord:user:u1"

	if _, err := convs.CreateConversation(key); err != nil {
		t.Fatal(err)
	}
	first, err := lc.GetOrCreateSession(context.Background(), key, agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}

	var rotations int
	lc.Events().On(bus.EventSessionRotated, func(args ...any) { rotations++ })

	// Just below the threshold: no rotation.
	lc.UpdateContextUsage(key, 0.69)
	res, err := lc.GetOrCreateSession(context.Background(), key, agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}
	if res.WasRotated {
		t.Errorf("rotated below threshold")
	}

	lc.UpdateContextUsage(key, 0.71)
	res, err = lc.GetOrCreateSession(context.Background(), key, agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasRotated || res.State.ACPSessionID != "acp-2" {
		t.Fatalf("rotation result = %+v", res)
	}
	if res.State.ContextUsage != 0 {
		t.Errorf("fresh session inherited usage %v", res.State.ContextUsage)
	}
	if rotations != 1 {
		t.Errorf("session:rotated fired %d times", rotations)
	}

	// The rotated-out session closes as completed, the new one is active.
	old, err := records.GetSession(first.State.ACPSessionID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != store.SessionCompleted {
		t.Errorf("old record status = %q, want completed", old.Status)
	}
	cur, err := records.GetSession("acp-2")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != store.SessionActive {
		t.Errorf("new record status = %q, want active", cur.Status)
	}
}

func TestGetOrCreateSession_RecoversActiveSessionAfterRestart(t *testing.T) {
	records, convs := newTestStores(t)
	agent := &fakeAgent{}
	key := "main:discord:user:u1"

	conv, err := convs.CreateConversation(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := records.CreateSession("acp-old", "claude", conv.ID, key); err != nil {
		t.Fatal(err)
	}
	if _, _, err := convs.AppendTurn(conv.ID, store.AppendTurnInput{
		Role:       store.RoleUser,
		SessionID:  "acp-old",
		EventRange: store.EventRange{StartSeq: 0, EndSeq: 1},
	}); err != nil {
		t.Fatal(err)
	}

	// Fresh lifecycle simulates a process restart with empty in-memory state.
	lc := NewLifecycle("claude", 0)
	var recovered int
	lc.Events().On(bus.EventSessionRecovered, func(args ...any) { recovered++ })

	res, err := lc.GetOrCreateSession(context.Background(), key, agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasRecovered || res.IsNew {
		t.Fatalf("flags = %+v, want WasRecovered", res)
	}
	if res.State.ACPSessionID != "acp-old" || res.State.ConversationID != conv.ID {
		t.Errorf("state = %+v", res.State)
	}
	if recovered != 1 {
		t.Errorf("session:recovered fired %d times", recovered)
	}
	if agent.n != 0 {
		t.Errorf("recovery opened %d agent sessions, want 0", agent.n)
	}
}

func TestGetOrCreateSession_AbandonedSessionReopensAsRecovered(t *testing.T) {
	records, convs := newTestStores(t)
	agent := &fakeAgent{}
	key := "main:discord:user:u1"

	conv, err := convs.CreateConversation(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := records.CreateSession("acp-old", "claude", conv.ID, key); err != nil {
		t.Fatal(err)
	}
	if _, _, err := convs.AppendTurn(conv.ID, store.AppendTurnInput{
		Role:       store.RoleUser,
		SessionID:  "acp-old",
		EventRange: store.EventRange{StartSeq: 0, EndSeq: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := records.UpdateSessionStatus("acp-old", store.SessionAbandoned); err != nil {
		t.Fatal(err)
	}

	// The orphan sweep closed acp-old, so a fresh agent session must open,
	// but the conversation's history makes this a recovery, not a new start.
	lc := NewLifecycle("claude", 0)
	var recovered int
	lc.Events().On(bus.EventSessionRecovered, func(args ...any) { recovered++ })

	res, err := lc.GetOrCreateSession(context.Background(), key, agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasRecovered || res.IsNew {
		t.Fatalf("flags = %+v, want WasRecovered", res)
	}
	if res.State.ACPSessionID != "acp-1" || res.State.ConversationID != conv.ID {
		t.Errorf("state = %+v", res.State)
	}
	if recovered != 1 {
		t.Errorf("session:recovered fired %d times", recovered)
	}
	rec, err := records.GetSession("acp-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.SessionActive {
		t.Errorf("reopened record status = %q, want active", rec.Status)
	}
}

func TestGetOrCreateSession_AgentFailurePropagates(t *testing.T) {
	records, convs := newTestStores(t)
	lc := NewLifecycle("claude", 0)
	agent := &fakeAgent{fail: true}

	if _, err := lc.GetOrCreateSession(context.Background(), "main:discord:user:u1", agent, convs, records); err == nil {
		t.Errorf("agent failure swallowed")
	}
	if _, ok := lc.GetState("main:discord:user:u1"); ok {
		t.Errorf("failed open left state behind")
	}
}

func TestEndSession_DropsState(t *testing.T) {
	records, convs := newTestStores(t)
	lc := NewLifecycle("claude", 0)
	agent := &fakeAgent{}
	key := "main:discord:user:u1"

	if _, err := lc.GetOrCreateSession(context.Background(), key, agent, convs, records); err != nil {
		t.Fatal(err)
	}
	lc.EndSession(key)
	if _, ok := lc.GetState(key); ok {
		t.Errorf("state survived EndSession")
	}
	if len(lc.ActiveSessions()) != 0 {
		t.Errorf("ActiveSessions not empty after EndSession")
	}
}

func TestUsageTracker_DebouncesAndUpdates(t *testing.T) {
	records, convs := newTestStores(t)
	lc := NewLifecycle("claude", 0)
	agent := &fakeAgent{}
	key := "main:discord:user:u1"

	res, err := lc.GetOrCreateSession(context.Background(), key, agent, convs, records)
	if err != nil {
		t.Fatal(err)
	}

	tracker := NewUsageTracker(lc, agent, time.Hour, time.Second)
	if !tracker.Probe(key, res.State.ACPSessionID) {
		t.Fatal("first probe was debounced")
	}
	// Inside the debounce window the second probe is a no-op.
	if tracker.Probe(key, res.State.ACPSessionID) {
		t.Errorf("probe inside debounce window ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, _ := lc.GetState(key); state.ContextUsage == 0.42 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("probe result never reached lifecycle state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUsageTracker_EmptySessionIDIgnored(t *testing.T) {
	lc := NewLifecycle("claude", 0)
	tracker := NewUsageTracker(lc, &fakeAgent{}, 0, 0)
	if tracker.Probe("main:discord:user:u1", "") {
		t.Errorf("probe ran without an agent session id")
	}
}
