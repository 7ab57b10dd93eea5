package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kbot/internal/agent"
	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/channels"
	"github.com/nextlevelbuilder/kbot/internal/sessions"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

// fakeAgent scripts the agent runtime. Each user prompt streams the scripted
// chunks to subscribers before returning.
type fakeAgent struct {
	mu          sync.Mutex
	state       agent.State
	events      *bus.Emitter
	subscribers map[chan agent.Update]bool
	sessions    int
	prompts     []agent.PromptInput
	reply       []string
	usage       float64
	promptErr   error
}

func newFakeAgent(reply ...string) *fakeAgent {
	return &fakeAgent{
		state:       agent.StateHealthy,
		events:      bus.NewEmitter(),
		subscribers: make(map[chan agent.Update]bool),
		reply:       reply,
	}
}

func (f *fakeAgent) GetState() agent.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAgent) Spawn(ctx context.Context) error {
	f.mu.Lock()
	f.state = agent.StateHealthy
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.state = agent.StateTerminated
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) Events() *bus.Emitter { return f.events }

func (f *fakeAgent) NewSession(ctx context.Context, params agent.NewSessionParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return fmt.Sprintf("acp-%d", f.sessions), nil
}

func (f *fakeAgent) Prompt(ctx context.Context, in agent.PromptInput) (*agent.PromptResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, in)
	err := f.promptErr
	subs := make([]chan agent.Update, 0, len(f.subscribers))
	for ch := range f.subscribers {
		subs = append(subs, ch)
	}
	reply := f.reply
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if in.PromptSource == agent.PromptSourceUser {
		for _, chunk := range reply {
			for _, ch := range subs {
				ch <- agent.Update{
					SessionID:     in.SessionID,
					SessionUpdate: agent.UpdateMessageChunk,
					Content:       chunk,
				}
			}
		}
	}
	return &agent.PromptResult{StopReason: "end_turn"}, nil
}

func (f *fakeAgent) ContextUsage(ctx context.Context, sessionID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeAgent) Subscribe() chan agent.Update {
	ch := make(chan agent.Update, 64)
	f.mu.Lock()
	f.subscribers[ch] = true
	f.mu.Unlock()
	return ch
}

func (f *fakeAgent) Unsubscribe(ch chan agent.Update) {
	f.mu.Lock()
	if f.subscribers[ch] {
		delete(f.subscribers, ch)
		close(ch)
	}
	f.mu.Unlock()
}

func (f *fakeAgent) promptTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.prompts))
	for _, p := range f.prompts {
		var sb strings.Builder
		for _, block := range p.Prompt {
			sb.WriteString(block.Text)
		}
		out = append(out, string(p.PromptSource)+":"+sb.String())
	}
	return out
}

// fakeChannel records outbound traffic.
type fakeChannel struct {
	mu        sync.Mutex
	platform  string
	streaming bool
	handler   bus.MessageHandler
	sent      []string
	edits     []string
	nextID    int
}

func newFakeChannel(platform string, streaming bool) *fakeChannel {
	return &fakeChannel{platform: platform, streaming: streaming}
}

func (f *fakeChannel) Platform() string                { return f.platform }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { return nil }
func (f *fakeChannel) OnMessage(h bus.MessageHandler)  { f.handler = h }
func (f *fakeChannel) SupportsStreaming() bool         { return f.streaming }

func (f *fakeChannel) Send(ctx context.Context, channel, text string, opts *channels.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, text)
	return fmt.Sprintf("sent-%d", f.nextID), nil
}

func (f *fakeChannel) EditMessage(ctx context.Context, channel, messageID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return messageID, nil
}

func (f *fakeChannel) SendTyping(ctx context.Context, channel string) error { return nil }

func (f *fakeChannel) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fixture struct {
	bot      *Bot
	agent    *fakeAgent
	channel  *fakeChannel
	convs    *store.ConversationStore
	sessions *store.SessionLog
	router   *sessions.Router
}

func newFixture(t *testing.T, cfg Config, ag *fakeAgent, ch *fakeChannel) *fixture {
	t.Helper()
	dir := t.TempDir()
	locks := store.NewPathLocks()
	sessionLog, err := store.NewSessionLog(dir+"/sessions", locks)
	if err != nil {
		t.Fatal(err)
	}
	convs, err := store.NewConversationStore(dir+"/conversations", locks, sessionLog)
	if err != nil {
		t.Fatal(err)
	}

	router := sessions.NewRouter(0)
	lifecycle := sessions.NewLifecycle("test-agent", 0.7)
	b := New(cfg, Deps{
		Router:        router,
		Lifecycle:     lifecycle,
		Usage:         sessions.NewUsageTracker(lifecycle, ag, time.Millisecond, time.Second),
		Conversations: convs,
		Sessions:      sessionLog,
		Agent:         ag,
	})
	if err := b.AddChannel(ch); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	return &fixture{bot: b, agent: ag, channel: ch, convs: convs, sessions: sessionLog, router: router}
}

func userMessage(id, text string) bus.Message {
	return bus.Message{
		ID:        id,
		Channel:   "chan-1",
		Text:      text,
		Sender:    bus.Sender{ID: "u1", Platform: "discord", DisplayName: "Alice"},
		Timestamp: time.Now().UTC(),
	}
}

func TestProcess_CreatesConversationSessionAndTurns(t *testing.T) {
	ag := newFakeAgent("Hello ", "Alice!")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	f.bot.process(userMessage("m1", "hi there"))

	key := "main:discord:user:u1"
	conv, err := f.convs.GetConversationBySessionKey(key)
	if err != nil || conv == nil {
		t.Fatalf("conversation for %s: %v %v", key, conv, err)
	}
	turns, err := f.convs.ReadTurns(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want user + assistant", len(turns))
	}
	if turns[0].Role != store.RoleUser || turns[0].MessageID != "m1" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != store.RoleAssistant || turns[1].SessionID != "acp-1" {
		t.Errorf("second turn = %+v", turns[1])
	}
	if turns[1].EventRange.EndSeq < turns[1].EventRange.StartSeq {
		t.Errorf("assistant event range = %+v", turns[1].EventRange)
	}

	sent := f.channel.sentTexts()
	if len(sent) == 0 || !strings.Contains(strings.Join(sent, ""), "Hello Alice!") {
		t.Errorf("channel deliveries = %q", sent)
	}

	prompts := ag.promptTexts()
	if len(prompts) != 1 || prompts[0] != "user:hi there" {
		t.Errorf("prompts = %q", prompts)
	}
}

func TestProcess_DuplicateDeliveryIsIdempotent(t *testing.T) {
	ag := newFakeAgent("ok")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	f.bot.process(userMessage("m1", "hi"))
	f.bot.process(userMessage("m1", "hi"))

	conv, _ := f.convs.GetConversationBySessionKey("main:discord:user:u1")
	turns, err := f.convs.ReadTurns(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d after duplicate delivery, want user + assistant", len(turns))
	}
	if turns[0].Role != store.RoleUser || turns[1].Role != store.RoleAssistant {
		t.Errorf("turn roles = %s, %s", turns[0].Role, turns[1].Role)
	}

	// The replay must not reach the agent or the channel again.
	prompts := ag.promptTexts()
	if len(prompts) != 1 || prompts[0] != "user:hi" {
		t.Errorf("prompts = %q, want the agent prompted once", prompts)
	}
	if sent := f.channel.sentTexts(); len(sent) != 1 {
		t.Errorf("deliveries = %q, want one", sent)
	}
}

func TestProcess_RotatesSessionPastThreshold(t *testing.T) {
	ag := newFakeAgent("ok")
	ag.usage = 0.9
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	f.bot.process(userMessage("m1", "first"))

	// The post-message probe samples 0.9 in the background; wait for it to
	// land so the next message sees usage past the threshold.
	key := "main:discord:user:u1"
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, ok := f.bot.lifecycle.GetState(key)
		if ok && state.ContextUsage >= 0.7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("usage probe never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.bot.process(userMessage("m2", "second"))

	state, ok := f.bot.lifecycle.GetState(key)
	if !ok {
		t.Fatal("no session state after rotation")
	}
	if state.ACPSessionID != "acp-2" {
		t.Errorf("active session = %s, want acp-2", state.ACPSessionID)
	}
	old, err := f.sessions.GetSession("acp-1")
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != store.SessionCompleted {
		t.Errorf("rotated session status = %s", old.Status)
	}

	// The rotated session got a restoration prompt before the user message.
	prompts := ag.promptTexts()
	if len(prompts) != 3 {
		t.Fatalf("prompts = %q", prompts)
	}
	if !strings.HasPrefix(prompts[1], "system:") || !strings.Contains(prompts[1], "prior turns") {
		t.Errorf("restoration prompt = %q", prompts[1])
	}
	if prompts[2] != "user:second" {
		t.Errorf("user prompt after restoration = %q", prompts[2])
	}
}

func TestProcess_RecoversActiveSessionAfterRestart(t *testing.T) {
	ag := newFakeAgent("ok")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	f.bot.process(userMessage("m1", "before restart"))

	// Simulate a process restart: in-memory lifecycle state is gone, the
	// stores and the active session record survive.
	ag2 := newFakeAgent("welcome back")
	ch2 := newFakeChannel("discord", false)
	router := sessions.NewRouter(0)
	lifecycle := sessions.NewLifecycle("test-agent", 0.7)
	b2 := New(Config{AgentID: "main"}, Deps{
		Router:        router,
		Lifecycle:     lifecycle,
		Usage:         sessions.NewUsageTracker(lifecycle, ag2, time.Millisecond, time.Second),
		Conversations: f.convs,
		Sessions:      f.sessions,
		Agent:         ag2,
	})
	if err := b2.AddChannel(ch2); err != nil {
		t.Fatal(err)
	}
	// Start on the restarted bot would sweep acp-1 to abandoned; skip it and
	// drive process directly so the active record is adoptable.
	b2.state = BotRunning
	router.AddAgent("main")

	b2.process(userMessage("m2", "after restart"))

	state, ok := lifecycle.GetState("main:discord:user:u1")
	if !ok {
		t.Fatal("no session state after recovery")
	}
	if state.ACPSessionID != "acp-1" {
		t.Errorf("recovered session = %s, want acp-1", state.ACPSessionID)
	}
	if got := len(ag2.promptTexts()); got < 1 {
		t.Errorf("prompts after recovery = %d", got)
	}
}

func TestProcess_RestoresContextAfterCrashRestart(t *testing.T) {
	ag := newFakeAgent("Hello ", "Alice!")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	f.bot.process(userMessage("m1", "hi there"))

	// Full restart over the surviving stores. Start runs the orphan sweep,
	// so acp-1 goes abandoned and the key needs a fresh agent session.
	ag2 := newFakeAgent("welcome back")
	ag2.sessions = 1 // keep fresh ids clear of the dead acp-1
	ch2 := newFakeChannel("discord", false)
	router := sessions.NewRouter(0)
	lifecycle := sessions.NewLifecycle("test-agent", 0.7)
	b2 := New(Config{AgentID: "main"}, Deps{
		Router:        router,
		Lifecycle:     lifecycle,
		Usage:         sessions.NewUsageTracker(lifecycle, ag2, time.Millisecond, time.Second),
		Conversations: f.convs,
		Sessions:      f.sessions,
		Agent:         ag2,
	})
	if err := b2.AddChannel(ch2); err != nil {
		t.Fatal(err)
	}

	var recovered int
	lifecycle.Events().On(bus.EventSessionRecovered, func(args ...any) { recovered++ })

	if err := b2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b2.Stop(context.Background()) })

	b2.process(userMessage("m2", "after restart"))

	old, err := f.sessions.GetSession("acp-1")
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != store.SessionAbandoned {
		t.Errorf("orphaned session status = %s, want abandoned", old.Status)
	}
	if recovered != 1 {
		t.Errorf("session:recovered fired %d times", recovered)
	}

	// The fresh session gets its context back before the user message: a
	// restoration system prompt quoting the durable turns, replayed from the
	// event log since no in-memory buffer survived the restart.
	prompts := ag2.promptTexts()
	if len(prompts) != 2 {
		t.Fatalf("prompts = %q", prompts)
	}
	if !strings.HasPrefix(prompts[0], "system:") || !strings.Contains(prompts[0], "prior turns") {
		t.Errorf("restoration prompt = %q", prompts[0])
	}
	if !strings.Contains(prompts[0], "hi there") || !strings.Contains(prompts[0], "Hello Alice!") {
		t.Errorf("restoration prompt missing replayed turn text: %q", prompts[0])
	}
	if prompts[1] != "user:after restart" {
		t.Errorf("user prompt = %q", prompts[1])
	}
}

func TestProcess_IdentityPromptOnlyOnFreshSession(t *testing.T) {
	ag := newFakeAgent("hello")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main", IdentityPrompt: "You are kbot."}, ag, ch)

	f.bot.process(userMessage("m1", "first"))
	f.bot.process(userMessage("m2", "second"))

	prompts := ag.promptTexts()
	want := []string{"system:You are kbot.", "user:first", "user:second"}
	if len(prompts) != len(want) {
		t.Fatalf("prompts = %q", prompts)
	}
	for i := range want {
		if prompts[i] != want[i] {
			t.Errorf("prompt[%d] = %q, want %q", i, prompts[i], want[i])
		}
	}
}

func TestProcess_StreamingChannelEditsInPlace(t *testing.T) {
	ag := newFakeAgent("part one, ", "part two")
	ch := newFakeChannel("discord", true)
	f := newFixture(t, Config{AgentID: "main", CoalescerMaxLen: 2000}, ag, ch)

	f.bot.process(userMessage("m1", "stream it"))

	sent := f.channel.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("streamed response sends = %q", sent)
	}
	ch.mu.Lock()
	edits := append([]string(nil), ch.edits...)
	ch.mu.Unlock()
	if len(edits) == 0 || edits[len(edits)-1] != "part one, part two" {
		t.Errorf("edits = %q, want final text in place", edits)
	}
}

func TestProcess_PromptFailureEmitsMessageError(t *testing.T) {
	ag := newFakeAgent()
	ag.promptErr = fmt.Errorf("agent exploded")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	errs := make(chan error, 1)
	f.bot.Events().On(bus.EventMessageError, func(args ...any) {
		if len(args) > 1 {
			if err, ok := args[1].(error); ok {
				errs <- err
			}
		}
	})

	f.bot.process(userMessage("m1", "boom"))

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "agent exploded") {
			t.Errorf("error = %v", err)
		}
	default:
		t.Fatal("no message:error emitted")
	}

	// The user turn is still durable even though the prompt failed.
	conv, _ := f.convs.GetConversationBySessionKey("main:discord:user:u1")
	turns, _ := f.convs.ReadTurns(conv.ID)
	if len(turns) != 1 || turns[0].Role != store.RoleUser {
		t.Errorf("turns after failure = %+v", turns)
	}
}

func TestStop_CompletesActiveSessionsAndRejectsNewWork(t *testing.T) {
	ag := newFakeAgent("ok")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main", ShutdownDrain: 200 * time.Millisecond}, ag, ch)

	f.bot.process(userMessage("m1", "hi"))
	if err := f.bot.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.bot.State() != BotStopped {
		t.Errorf("state = %s", f.bot.State())
	}

	sess, err := f.sessions.GetSession("acp-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionCompleted {
		t.Errorf("session status after stop = %s", sess.Status)
	}
	if _, ok := f.router.GetSession("main:discord:user:u1"); ok {
		t.Error("logical session survived shutdown eviction")
	}

	// Messages arriving after stop are dropped, not queued.
	f.bot.HandleMessage(userMessage("m2", "late"))
	time.Sleep(50 * time.Millisecond)
	if got := len(ag.promptTexts()); got != 1 {
		t.Errorf("prompts after stop = %d", got)
	}
}

func TestProcess_EscalationTargetsFallbackChannel(t *testing.T) {
	ag := newFakeAgent("ok")
	ch := newFakeChannel("discord", false)
	f := newFixture(t, Config{AgentID: "main"}, ag, ch)

	f.bot.process(userMessage("m1", "hi"))

	got := make(chan map[string]any, 1)
	f.bot.Events().On(bus.EventEscalate, func(args ...any) {
		if len(args) > 0 {
			if payload, ok := args[0].(map[string]any); ok {
				got <- payload
			}
		}
	})

	ag.Events().Emit(bus.EventEscalate, "context_exhausted", nil)

	select {
	case payload := <-got:
		if payload["targetChannel"] != "discord:chan-1" {
			t.Errorf("targetChannel = %v", payload["targetChannel"])
		}
		if payload["reason"] != "context_exhausted" {
			t.Errorf("reason = %v", payload["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("no escalation re-emitted")
	}
}
