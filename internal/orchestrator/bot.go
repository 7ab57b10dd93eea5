// Package orchestrator wires channels, stores, the session lifecycle and
// the agent subprocess into the message pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kbot/internal/agent"
	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/channels"
	"github.com/nextlevelbuilder/kbot/internal/sessions"
	"github.com/nextlevelbuilder/kbot/internal/store"
	"github.com/nextlevelbuilder/kbot/internal/tracing"
	"github.com/nextlevelbuilder/kbot/internal/transform"
	"github.com/nextlevelbuilder/kbot/internal/wake"
)

// BotState is the orchestrator's lifecycle state.
type BotState string

const (
	BotIdle     BotState = "idle"
	BotStarting BotState = "starting"
	BotRunning  BotState = "running"
	BotStopping BotState = "stopping"
	BotStopped  BotState = "stopped"
)

// Channel is the transport surface the orchestrator drives.
// *channels.Lifecycle satisfies it.
type Channel interface {
	Platform() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(h bus.MessageHandler)
	Send(ctx context.Context, channel, text string, opts *channels.SendOptions) (string, error)
	EditMessage(ctx context.Context, channel, messageID, text string) (string, error)
	SendTyping(ctx context.Context, channel string) error
	SupportsStreaming() bool
}

// AgentRuntime is the agent supervisor surface. *agent.Manager satisfies it.
type AgentRuntime interface {
	GetState() agent.State
	Spawn(ctx context.Context) error
	Stop(ctx context.Context) error
	Events() *bus.Emitter
	NewSession(ctx context.Context, params agent.NewSessionParams) (string, error)
	Prompt(ctx context.Context, in agent.PromptInput) (*agent.PromptResult, error)
	ContextUsage(ctx context.Context, sessionID string) (float64, error)
	Subscribe() chan agent.Update
	Unsubscribe(ch chan agent.Update)
}

// SummaryProvider produces the restoration prompt injected after a session
// rotation or recovery. Optional; without one a plain recap of the recent
// message window is used.
type SummaryProvider interface {
	Summarize(ctx context.Context, conversationID string, turns []store.Turn) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	AgentID        string
	AgentWorkDir   string
	IdentityPrompt string
	// EscalationChannel is "platform:channel"; empty falls back to the last
	// active channel.
	EscalationChannel  string
	ReadyTimeout       time.Duration
	InflightPoll       time.Duration
	ShutdownDrain      time.Duration
	CoalescerMaxLen    int
	CoalescerSoftLimit int
}

func (c Config) withDefaults() Config {
	if c.AgentID == "" {
		c.AgentID = "main"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.InflightPoll <= 0 {
		c.InflightPoll = 100 * time.Millisecond
	}
	if c.ShutdownDrain <= 0 {
		c.ShutdownDrain = 10 * time.Second
	}
	return c
}

// Deps are the collaborators the bot orchestrates.
type Deps struct {
	Router        *sessions.Router
	Lifecycle     *sessions.Lifecycle
	Usage         *sessions.UsageTracker
	Conversations *store.ConversationStore
	Sessions      *store.SessionLog
	Agent         AgentRuntime
	Transforms    *transform.Registry
	Wake          *wake.Loader
	Summary       SummaryProvider
}

// Bot is the orchestrator. One per process.
type Bot struct {
	cfg    Config
	events *bus.Emitter

	router     *sessions.Router
	lifecycle  *sessions.Lifecycle
	usage      *sessions.UsageTracker
	convs      *store.ConversationStore
	sessionLog *store.SessionLog
	agent      AgentRuntime
	transforms *transform.Registry
	wake       *wake.Loader
	summary    SummaryProvider

	mu           sync.Mutex
	state        BotState
	channels     map[string]Channel
	typing       map[string]*channels.TypingController
	lastPlatform string
	lastChannel  string

	inflight atomic.Int64
}

// New assembles a bot. Deps.Router, Lifecycle, Conversations, Sessions and
// Agent are required; the rest are optional.
func New(cfg Config, deps Deps) *Bot {
	cfg = cfg.withDefaults()
	b := &Bot{
		cfg:        cfg,
		events:     bus.NewEmitter(),
		router:     deps.Router,
		lifecycle:  deps.Lifecycle,
		usage:      deps.Usage,
		convs:      deps.Conversations,
		sessionLog: deps.Sessions,
		agent:      deps.Agent,
		transforms: deps.Transforms,
		wake:       deps.Wake,
		summary:    deps.Summary,
		state:      BotIdle,
		channels:   make(map[string]Channel),
		typing:     make(map[string]*channels.TypingController),
	}
	if b.usage == nil {
		b.usage = sessions.NewUsageTracker(deps.Lifecycle, deps.Agent, 0, 0)
	}
	return b
}

// Events exposes the orchestrator emitter (message:{processed,error},
// tool:call, tool:call:update, escalate).
func (b *Bot) Events() *bus.Emitter { return b.events }

// State returns the bot state.
func (b *Bot) State() BotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// InflightCount returns the number of messages currently being handled.
func (b *Bot) InflightCount() int64 { return b.inflight.Load() }

func (b *Bot) setState(s BotState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// AddChannel registers a channel transport. Call before Start.
func (b *Bot) AddChannel(ch Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	platform := ch.Platform()
	if _, exists := b.channels[platform]; exists {
		return fmt.Errorf("channel %q already added", platform)
	}
	b.channels[platform] = ch
	b.typing[platform] = channels.NewTypingController(typerFunc{ch}, 0, 0)
	return nil
}

// typerFunc adapts a Channel into a channels.Typer.
type typerFunc struct{ ch Channel }

func (t typerFunc) SendTyping(ctx context.Context, channel string) error {
	return t.ch.SendTyping(ctx, channel)
}

// Start recovers orphaned sessions, loads the wake checkpoint, spawns the
// agent and connects every channel. Requires state idle.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != BotIdle {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("start requires idle state, bot is %s", state)
	}
	b.state = BotStarting
	chs := make([]Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	if n, err := b.sessionLog.RecoverOrphanedSessions(); err != nil {
		slog.Warn("orphaned session sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("abandoned orphaned sessions", "count", n)
	}

	if b.wake != nil {
		if err := b.wake.Load(); err != nil {
			slog.Warn("wake checkpoint rejected", "error", err)
		}
	}

	if err := b.agent.Spawn(ctx); err != nil {
		b.setState(BotIdle)
		return fmt.Errorf("spawn agent: %w", err)
	}
	b.agent.Events().On(bus.EventEscalate, b.onEscalate)

	b.router.AddAgent(b.cfg.AgentID)

	for _, ch := range chs {
		ch.OnMessage(b.HandleMessage)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chs {
		ch := ch
		g.Go(func() error { return ch.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		b.setState(BotIdle)
		return fmt.Errorf("start channels: %w", err)
	}

	b.setState(BotRunning)
	slog.Info("bot running", "agent", b.cfg.AgentID, "channels", len(chs))
	return nil
}

// Stop drains inflight messages, completes active agent sessions and shuts
// everything down. Idempotent; shutdown errors are logged, not fatal.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == BotStopped || b.state == BotStopping || b.state == BotIdle {
		b.mu.Unlock()
		return nil
	}
	b.state = BotStopping
	chs := make([]Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chs = append(chs, ch)
	}
	typing := make([]*channels.TypingController, 0, len(b.typing))
	for _, tc := range b.typing {
		typing = append(typing, tc)
	}
	b.mu.Unlock()

	for _, ch := range chs {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "platform", ch.Platform(), "error", err)
			b.events.Emit(bus.EventError, err, "stop", ch.Platform())
		}
	}
	for _, tc := range typing {
		tc.StopAll()
	}

	deadline := time.Now().Add(b.cfg.ShutdownDrain)
	for b.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(b.cfg.InflightPoll)
	}
	if n := b.inflight.Load(); n > 0 {
		slog.Warn("shutdown drain timed out with inflight messages", "count", n)
	}

	for key, acpID := range b.lifecycle.ActiveSessions() {
		if acpID != "" {
			if _, err := b.sessionLog.UpdateSessionStatus(acpID, store.SessionCompleted); err != nil {
				slog.Warn("failed to complete session on shutdown", "session_id", acpID, "error", err)
				b.events.Emit(bus.EventError, err, "stop", key)
			}
		}
		b.lifecycle.EndSession(key)
		b.router.EvictSession(key)
	}

	if err := b.agent.Stop(ctx); err != nil {
		slog.Warn("agent stop failed", "error", err)
		b.events.Emit(bus.EventError, err, "stop", "agent")
	}

	b.setState(BotStopped)
	slog.Info("bot stopped")
	return nil
}

// HandleMessage is the bus.MessageHandler installed on every channel.
// Messages on distinct session keys run in parallel; the per-key lock in
// the session lifecycle serializes the rest.
func (b *Bot) HandleMessage(msg bus.Message) {
	if b.State() != BotRunning {
		slog.Warn("message dropped, bot not running",
			"state", b.State(), "platform", msg.Sender.Platform, "message_id", msg.ID)
		return
	}
	go b.process(msg)
}

// HandleRawMessage normalizes a raw platform payload through the transform
// table, then hands it to the pipeline. Unsupported content and missing
// transformers are skips, not errors.
func (b *Bot) HandleRawMessage(platform string, raw any) {
	if b.transforms == nil {
		slog.Warn("raw message dropped, no transform table", "platform", platform)
		return
	}
	msg, err := b.transforms.Normalize(platform, raw)
	if err != nil {
		if transform.IsSkippable(err) {
			slog.Debug("raw message skipped", "platform", platform, "reason", err)
			return
		}
		slog.Error("raw message failed to normalize", "platform", platform, "error", err)
		b.events.Emit(bus.EventMessageError, bus.Message{Sender: bus.Sender{Platform: platform}}, err)
		return
	}
	b.HandleMessage(*msg)
}

func (b *Bot) process(msg bus.Message) {
	start := time.Now()
	b.inflight.Add(1)
	defer b.inflight.Add(-1)

	platform := msg.Sender.Platform
	b.mu.Lock()
	b.lastPlatform = platform
	b.lastChannel = msg.Channel
	tc := b.typing[platform]
	b.mu.Unlock()

	if tc != nil {
		tc.Start(msg.Channel)
		defer tc.Stop(msg.Channel)
	}

	ctx, span := tracing.Tracer("orchestrator").Start(context.Background(), "handle_message")
	defer span.End()

	if err := b.handle(ctx, msg); err != nil {
		slog.Error("message failed",
			"platform", platform,
			"channel", msg.Channel,
			"message_id", msg.ID,
			"error", err)
		span.RecordError(err)
		b.events.Emit(bus.EventError, err, "handle_message", msg.ID)
		b.events.Emit(bus.EventMessageError, msg, err)
		return
	}
	b.events.Emit(bus.EventMessageProcessed, msg, time.Since(start).Milliseconds())
}

func (b *Bot) handle(ctx context.Context, msg bus.Message) error {
	sess, err := b.router.ResolveSession(msg, b.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	conv, err := b.convs.GetOrCreateConversation(sess.Key)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	if err := b.waitAgentReady(ctx); err != nil {
		return err
	}

	ch, err := b.channelFor(msg.Sender.Platform)
	if err != nil {
		return err
	}

	var acpID string
	err = b.lifecycle.WithLock(sess.Key, func() error {
		res, err := b.lifecycle.GetOrCreateSession(ctx, sess.Key,
			opener{b.agent, b.cfg.AgentWorkDir}, b.convs, b.sessionLog)
		if err != nil {
			return err
		}
		state := res.State
		acpID = state.ACPSessionID

		// A session opened before any conversation existed gets its record
		// linked now.
		if state.ConversationID == "" {
			if _, err := b.sessionLog.CreateSession(acpID, b.cfg.AgentID, conv.ID, sess.Key); err != nil && !store.IsConflict(err) {
				return fmt.Errorf("record agent session: %w", err)
			}
			state.ConversationID = conv.ID
		}
		b.router.SetAgentSessionID(sess.Key, acpID)

		turn, wasDuplicate, err := b.convs.AppendTurn(conv.ID, store.AppendTurnInput{
			Role:      store.RoleUser,
			SessionID: acpID,
			MessageID: msg.ID,
			TS:        msg.Timestamp.UnixMilli(),
			Metadata: map[string]string{
				"platform": msg.Sender.Platform,
				"sender":   msg.Sender.ID,
			},
		})
		if err != nil {
			return fmt.Errorf("append user turn: %w", err)
		}
		if wasDuplicate {
			slog.Info("redelivered message ignored",
				"message_id", msg.ID, "conversation_id", conv.ID, "seq", turn.Seq)
			return nil
		}

		contextRestored := false
		if res.WasRotated || res.WasRecovered {
			if prompt := b.restorationPrompt(ctx, conv.ID, sess, msg.ID); prompt != "" {
				if err := b.systemPrompt(ctx, acpID, prompt); err != nil {
					slog.Warn("restoration prompt failed", "key", sess.Key, "error", err)
				} else {
					contextRestored = true
				}
			}
		}

		if b.wake != nil && b.wake.Pending() {
			if cp := b.wake.Consume(); cp != nil {
				if err := b.systemPrompt(ctx, acpID, wakePrompt(cp)); err != nil {
					slog.Warn("wake prompt failed", "key", sess.Key, "error", err)
				}
			}
		}

		if res.IsNew && !contextRestored && b.cfg.IdentityPrompt != "" {
			if err := b.systemPrompt(ctx, acpID, b.cfg.IdentityPrompt); err != nil {
				slog.Warn("identity prompt failed", "key", sess.Key, "error", err)
			}
		}

		return b.prompt(ctx, ch, conv.ID, acpID, msg)
	})
	if err != nil {
		return err
	}

	// Fire-and-forget usage sample; the result feeds the next rotation
	// decision.
	b.usage.Probe(sess.Key, acpID)
	return nil
}

// prompt sends the user's message, streams the response through a coalescer
// and records the assistant turn.
func (b *Bot) prompt(ctx context.Context, ch Channel, conversationID, acpID string, msg bus.Message) error {
	if _, err := b.sessionLog.AppendEvent(store.AppendEventInput{
		Type:      store.EventPromptSent,
		SessionID: acpID,
		Data:      map[string]any{"message_id": msg.ID, "text": msg.Text},
	}); err != nil {
		slog.Warn("failed to log prompt event", "session_id", acpID, "error", err)
	}

	sink := newChunkSink(ctx, ch, msg.Channel, b.cfg.CoalescerMaxLen, b.cfg.CoalescerSoftLimit)

	updates := b.agent.Subscribe()
	var (
		full     strings.Builder
		firstSeq int64 = -1
		lastSeq  int64
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for upd := range updates {
			if upd.SessionID != "" && upd.SessionID != acpID {
				continue
			}
			switch upd.SessionUpdate {
			case agent.UpdateMessageChunk:
				full.WriteString(upd.Content)
				sink.Push(full.String())
				ev, err := b.sessionLog.AppendEvent(store.AppendEventInput{
					Type:      store.EventMessageChunk,
					SessionID: acpID,
					Data:      map[string]any{"content": upd.Content},
				})
				if err != nil {
					slog.Warn("failed to log chunk event", "session_id", acpID, "error", err)
					continue
				}
				if firstSeq < 0 {
					firstSeq = ev.Seq
				}
				lastSeq = ev.Seq
			case agent.UpdateToolCall:
				b.events.Emit(bus.EventToolCall, acpID, upd)
			case agent.UpdateToolCallUpdate:
				b.events.Emit(bus.EventToolCallUpdate, acpID, upd)
			}
		}
	}()

	_, promptErr := b.agent.Prompt(ctx, agent.PromptInput{
		SessionID:    acpID,
		Prompt:       []agent.ContentBlock{{Type: "text", Text: msg.Text}},
		PromptSource: agent.PromptSourceUser,
	})
	b.agent.Unsubscribe(updates)
	<-readerDone

	if promptErr != nil {
		sink.Abort()
		return fmt.Errorf("prompt agent: %w", promptErr)
	}
	if err := sink.Finalize(); err != nil {
		return fmt.Errorf("deliver response: %w", err)
	}

	if text := full.String(); text != "" {
		if firstSeq < 0 {
			firstSeq, lastSeq = 0, 0
		}
		if _, _, err := b.convs.AppendTurn(conversationID, store.AppendTurnInput{
			Role:       store.RoleAssistant,
			SessionID:  acpID,
			EventRange: store.EventRange{StartSeq: firstSeq, EndSeq: lastSeq},
		}); err != nil {
			return fmt.Errorf("append assistant turn: %w", err)
		}
	}
	return nil
}

func (b *Bot) systemPrompt(ctx context.Context, acpID, text string) error {
	_, err := b.agent.Prompt(ctx, agent.PromptInput{
		SessionID:    acpID,
		Prompt:       []agent.ContentBlock{{Type: "text", Text: text}},
		PromptSource: agent.PromptSourceSystem,
	})
	return err
}

// restorationPrompt builds the context-restoration message for a rotated or
// recovered session. Empty when there is nothing to restore.
func (b *Bot) restorationPrompt(ctx context.Context, conversationID string, sess *sessions.LogicalSession, currentMsgID string) string {
	turns, err := b.convs.ReadTurns(conversationID)
	if err != nil {
		slog.Warn("failed to read turns for restoration", "conversation_id", conversationID, "error", err)
		return ""
	}
	// The user turn for the current message is already appended.
	if len(turns) <= 1 {
		return ""
	}

	if b.summary != nil {
		summary, err := b.summary.Summarize(ctx, conversationID, turns)
		if err != nil {
			slog.Warn("summary provider failed", "conversation_id", conversationID, "error", err)
		} else if summary != "" {
			return summary
		}
	}

	var lines []string
	for _, m := range sess.Recent {
		if m.ID == currentMsgID {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Sender.DisplayName, m.Text))
	}
	if len(lines) == 0 {
		// After a process restart no in-memory buffer survives; replay the
		// recent turns from the durable event log instead.
		lines = b.replayTurnLines(turns, currentMsgID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "This session continues an existing conversation with %d prior turns.\n", len(turns)-1)
	if len(lines) > 0 {
		sb.WriteString("Recent messages:\n")
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Continue naturally from this context.")
	return sb.String()
}

// restorationTurnWindow bounds how many prior turns a replayed restoration
// prompt quotes.
const restorationTurnWindow = 5

func (b *Bot) replayTurnLines(turns []store.Turn, currentMsgID string) []string {
	start := len(turns) - restorationTurnWindow
	if start < 0 {
		start = 0
	}
	var lines []string
	for _, turn := range turns[start:] {
		if turn.MessageID != "" && turn.MessageID == currentMsgID {
			continue
		}
		text := b.turnText(turn)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", turn.Role, text))
	}
	return lines
}

// turnText rebuilds one turn's content from its session's event log:
// assistant turns from the chunk events in their range, user turns from the
// prompt event carrying their message id.
func (b *Bot) turnText(turn store.Turn) string {
	if turn.Role == store.RoleAssistant {
		events, err := b.sessionLog.ReadEventsSince(turn.SessionID, turn.EventRange.StartSeq, turn.EventRange.EndSeq)
		if err != nil {
			return ""
		}
		var sb strings.Builder
		for _, ev := range events {
			if ev.Type != store.EventMessageChunk {
				continue
			}
			if text, ok := ev.Data["content"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	}
	if turn.MessageID == "" {
		return ""
	}
	events, err := b.sessionLog.ReadEvents(turn.SessionID)
	if err != nil {
		return ""
	}
	for _, ev := range events {
		if ev.Type != store.EventPromptSent {
			continue
		}
		if id, ok := ev.Data["message_id"].(string); !ok || id != turn.MessageID {
			continue
		}
		text, _ := ev.Data["text"].(string)
		return text
	}
	return ""
}

func wakePrompt(cp *wake.Checkpoint) string {
	var sb strings.Builder
	sb.WriteString(cp.WakeContext.Prompt)
	if cp.WakeContext.PendingWork != "" {
		sb.WriteString("\n\nPending work: ")
		sb.WriteString(cp.WakeContext.PendingWork)
	}
	if cp.WakeContext.Instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(cp.WakeContext.Instructions)
	}
	return sb.String()
}

// waitAgentReady polls the agent state, spawning when it is down, until it
// is healthy or the ready timeout expires.
func (b *Bot) waitAgentReady(ctx context.Context) error {
	deadline := time.Now().Add(b.cfg.ReadyTimeout)
	for {
		switch state := b.agent.GetState(); state {
		case agent.StateHealthy:
			return nil
		case agent.StateIdle, agent.StateFailed:
			if err := b.agent.Spawn(ctx); err != nil {
				slog.Warn("agent spawn failed while waiting for readiness", "error", err)
			}
		case agent.StateStopping, agent.StateTerminated:
			return fmt.Errorf("agent is %s", state)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent not ready after %s", b.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.InflightPoll):
		}
	}
}

func (b *Bot) channelFor(platform string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[platform]
	if !ok {
		return nil, fmt.Errorf("no channel for platform %q", platform)
	}
	return ch, nil
}

// onEscalate re-emits agent escalations with a delivery target attached.
func (b *Bot) onEscalate(args ...any) {
	reason := ""
	var metadata any
	if len(args) > 0 {
		reason, _ = args[0].(string)
	}
	if len(args) > 1 {
		metadata = args[1]
	}

	target := b.cfg.EscalationChannel
	if target == "" {
		b.mu.Lock()
		if b.lastPlatform != "" {
			target = b.lastPlatform + ":" + b.lastChannel
		}
		b.mu.Unlock()
	}

	slog.Error("agent escalation", "reason", reason, "target", target)
	b.events.Emit(bus.EventEscalate, map[string]any{
		"reason":        reason,
		"metadata":      metadata,
		"targetChannel": target,
		"timestamp":     time.Now().UTC(),
	})
}

// opener adapts the agent runtime to the session lifecycle's client shape.
type opener struct {
	agent   AgentRuntime
	workDir string
}

func (o opener) NewSession(ctx context.Context) (string, error) {
	return o.agent.NewSession(ctx, agent.NewSessionParams{WorkDir: o.workDir})
}
