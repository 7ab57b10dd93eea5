package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestSessionLog(t *testing.T) *SessionLog {
	t.Helper()
	log, err := NewSessionLog(filepath.Join(t.TempDir(), "sessions"), nil)
	if err != nil {
		t.Fatalf("NewSessionLog: %v", err)
	}
	return log
}

func TestCreateSession_SetsActiveAndRejectsDuplicates(t *testing.T) {
	log := newTestSessionLog(t)

	sess, err := log.CreateSession("s1", "claude", "conv1", "main:discord:user:u1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != SessionActive {
		t.Errorf("new session status = %q, want active", sess.Status)
	}
	if sess.EndedAt != nil {
		t.Errorf("new session has ended_at set")
	}

	if _, err := log.CreateSession("s1", "claude", "", ""); !IsConflict(err) {
		t.Errorf("duplicate id should conflict, got %v", err)
	}
}

func TestUpdateSessionStatus_EndedAtIffNotActive(t *testing.T) {
	log := newTestSessionLog(t)
	mustCreateSession(t, log, "s1")

	sess, err := log.UpdateSessionStatus("s1", SessionCompleted)
	if err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if sess.EndedAt == nil {
		t.Errorf("completed session missing ended_at")
	}

	sess, err = log.UpdateSessionStatus("s1", SessionActive)
	if err != nil {
		t.Fatalf("UpdateSessionStatus back to active: %v", err)
	}
	if sess.EndedAt != nil {
		t.Errorf("active session must not carry ended_at")
	}

	if _, err := log.UpdateSessionStatus("missing", SessionCompleted); !IsNotFound(err) {
		t.Errorf("unknown id should be not-found, got %v", err)
	}
	if _, err := log.UpdateSessionStatus("s1", "bogus"); !IsValidation(err) {
		t.Errorf("bogus status should fail validation, got %v", err)
	}
}

func TestAppendEvent_AssignsContiguousSeqs(t *testing.T) {
	log := newTestSessionLog(t)
	mustCreateSession(t, log, "s1")

	for i := 0; i < 5; i++ {
		ev, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1"})
		if err != nil {
			t.Fatalf("AppendEvent #%d: %v", i, err)
		}
		if ev.Seq != int64(i) {
			t.Errorf("event #%d seq = %d, want %d", i, ev.Seq, i)
		}
		if ev.TS <= 0 {
			t.Errorf("event #%d ts not assigned", i)
		}
	}

	events, err := log.ReadEvents("s1")
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("read %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Errorf("events not contiguous from 0: index %d has seq %d", i, ev.Seq)
		}
	}
}

func TestAppendEvent_ExplicitLowSeqToleratedAndResorted(t *testing.T) {
	log := newTestSessionLog(t)
	mustCreateSession(t, log, "s1")

	if _, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	low := int64(0)
	if _, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1", Seq: &low}); err != nil {
		t.Fatalf("out-of-order write must persist: %v", err)
	}

	events, err := log.ReadEvents("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("read %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq < events[i-1].Seq {
			t.Errorf("events not sorted by seq after read: %d before %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestReadEvents_SkipsMalformedLines(t *testing.T) {
	log := newTestSessionLog(t)
	mustCreateSession(t, log, "s1")

	if _, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn write plus garbage between valid records.
	path := filepath.Join(log.Dir(), "s1", "events.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{\"type\":\"note\",\"session_id\":\"s1\",\"seq\":1,\"ts\n")
	f.WriteString("not json at all\n")
	f.Close()

	if _, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	events, err := log.ReadEvents("s1")
	if err != nil {
		t.Fatalf("ReadEvents must not fail on bad lines: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("read %d valid events, want 2", len(events))
	}
}

func TestRecoverOrphanedSessions_Idempotent(t *testing.T) {
	log := newTestSessionLog(t)
	mustCreateSession(t, log, "s1")
	mustCreateSession(t, log, "s2")
	if _, err := log.UpdateSessionStatus("s2", SessionCompleted); err != nil {
		t.Fatal(err)
	}

	n, err := log.RecoverOrphanedSessions()
	if err != nil {
		t.Fatalf("RecoverOrphanedSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d sessions, want 1", n)
	}

	sess, err := log.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != SessionAbandoned || sess.EndedAt == nil {
		t.Errorf("orphan not abandoned: status=%q ended_at=%v", sess.Status, sess.EndedAt)
	}

	// Second run must be a no-op.
	n, err = log.RecoverOrphanedSessions()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second recovery touched %d sessions, want 0", n)
	}
}

func TestListSessions_Filters(t *testing.T) {
	log := newTestSessionLog(t)
	if _, err := log.CreateSession("a1", "claude", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := log.CreateSession("a2", "claude", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := log.CreateSession("b1", "gpt", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := log.UpdateSessionStatus("a2", SessionCompleted); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter SessionFilter
		want   int
	}{
		{"all", SessionFilter{}, 3},
		{"active only", SessionFilter{Status: SessionActive}, 2},
		{"by agent type", SessionFilter{AgentType: "gpt"}, 1},
		{"limit", SessionFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := log.ListSessions(tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d sessions, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAppendEvent_ConcurrentAppendsStayContiguous(t *testing.T) {
	log := newTestSessionLog(t)
	mustCreateSession(t, log, "s1")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.AppendEvent(AppendEventInput{Type: EventNote, SessionID: "s1"}); err != nil {
				t.Errorf("AppendEvent: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := log.ReadEvents("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Fatalf("read %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("seq gap after concurrent appends: index %d has seq %d", i, ev.Seq)
		}
	}
}

func mustCreateSession(t *testing.T, log *SessionLog, id string) {
	t.Helper()
	if _, err := log.CreateSession(id, "claude", "", ""); err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}
