// Package discord connects kbot to Discord through the gateway API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/channels"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

const (
	// maxMessageLen is Discord's hard cap per message.
	maxMessageLen = 2000

	pairingReplyDebounce = 60 * time.Second
)

// Config holds the Discord adapter settings.
type Config struct {
	Token string
	// AllowFrom restricts senders to the listed user ids when non-empty.
	AllowFrom []string
	// RequireMention gates group messages on an @bot mention. Nil means true.
	RequireMention *bool
}

// Adapter is the Discord implementation of channels.Adapter. It also
// implements Editor (edit-based streaming), Typer and HealthChecker.
type Adapter struct {
	session        *discordgo.Session
	cfg            Config
	requireMention bool
	allow          map[string]bool
	pairing        *store.PairingStore

	mu              sync.Mutex
	handler         bus.MessageHandler
	botUserID       string
	running         bool
	pairingDebounce map[string]time.Time
}

// New creates a Discord adapter. pairing may be nil, in which case every
// direct message is admitted.
func New(cfg Config, pairing *store.PairingStore) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}

	return &Adapter{
		session:         session,
		cfg:             cfg,
		requireMention:  requireMention,
		allow:           allow,
		pairing:         pairing,
		pairingDebounce: make(map[string]time.Time),
	}, nil
}

func (a *Adapter) Platform() string { return "discord" }

// OnMessage installs the inbound handler. Call before Start.
func (a *Adapter) OnMessage(handler bus.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// Start opens the gateway connection and resolves the bot identity.
func (a *Adapter) Start(_ context.Context) error {
	slog.Info("starting discord bot")
	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	a.mu.Lock()
	a.botUserID = user.ID
	a.running = true
	a.mu.Unlock()

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return a.session.Close()
}

// SendMessage sends text to a Discord channel, splitting past the 2000-char
// cap at a newline where possible. The first sent message's id is returned.
func (a *Adapter) SendMessage(_ context.Context, channel, text string, opts *SendOptions) (string, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return "", fmt.Errorf("discord bot not running")
	}
	if channel == "" {
		return "", fmt.Errorf("empty discord channel id")
	}

	firstID := ""
	for i, chunk := range splitMessage(text, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && opts != nil && opts.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyTo, ChannelID: channel}
		}
		sent, err := a.session.ChannelMessageSendComplex(channel, send)
		if err != nil {
			return firstID, fmt.Errorf("send discord message: %w", err)
		}
		if firstID == "" {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

// EditMessage replaces a sent message's text in place.
func (a *Adapter) EditMessage(_ context.Context, channel, messageID, text string) (string, error) {
	if _, err := a.session.ChannelMessageEdit(channel, messageID, text); err != nil {
		return "", fmt.Errorf("edit discord message: %w", err)
	}
	return messageID, nil
}

// SendTyping shows the typing indicator (Discord keeps it for ~10s).
func (a *Adapter) SendTyping(_ context.Context, channel string) error {
	return a.session.ChannelTyping(channel)
}

// HealthCheck reports gateway liveness from the heartbeat ack latency.
func (a *Adapter) HealthCheck(_ context.Context) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return fmt.Errorf("discord session not running")
	}
	if latency := a.session.HeartbeatLatency(); latency > 5*time.Minute {
		return fmt.Errorf("discord heartbeat stale: %s", latency)
	}
	return nil
}

// SendOptions aliases the channel-layer options type.
type SendOptions = channels.SendOptions

// handleMessage filters, gates and normalizes an inbound gateway message.
func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.Lock()
	botID := a.botUserID
	handler := a.handler
	a.mu.Unlock()

	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	if handler == nil {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	isDM := m.GuildID == ""

	if len(a.allow) > 0 && !a.allow[senderID] {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID, "username", senderName)
		return
	}

	if isDM {
		if !a.checkDMAccess(senderID, m.ChannelID) {
			return
		}
	} else if a.requireMention && !mentionsUser(m, botID) {
		slog.Debug("discord group message dropped (no mention)",
			"channel_id", m.ChannelID, "user_id", senderID)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	peerKind := "channel"
	if isDM {
		peerKind = "user"
	}

	handler(bus.Message{
		ID:        m.ID,
		Channel:   m.ChannelID,
		Text:      content,
		Sender:    bus.Sender{ID: senderID, Platform: "discord", DisplayName: senderName},
		Timestamp: m.Timestamp,
		Metadata: map[string]string{
			"guild_id":  m.GuildID,
			"username":  m.Author.Username,
			"peer_kind": peerKind,
		},
	})
}

// checkDMAccess runs the DM policy gate. Pending senders get a pairing code
// reply at most once a minute.
func (a *Adapter) checkDMAccess(senderID, channelID string) bool {
	if a.pairing == nil {
		return true
	}
	result, err := a.pairing.CheckAccess("discord:dm:"+senderID, senderID, "discord")
	if err != nil {
		slog.Warn("discord DM access check failed", "sender_id", senderID, "error", err)
		return false
	}
	if result.Status == store.AccessAllowed {
		return true
	}
	a.sendPairingReply(senderID, channelID, result.Request)
	return false
}

func (a *Adapter) sendPairingReply(senderID, channelID string, req *store.PairingRequest) {
	if req == nil {
		return
	}
	a.mu.Lock()
	last, seen := a.pairingDebounce[senderID]
	if seen && time.Since(last) < pairingReplyDebounce {
		a.mu.Unlock()
		return
	}
	a.pairingDebounce[senderID] = time.Now()
	a.mu.Unlock()

	replyText := fmt.Sprintf(
		"kbot: access not configured.\n\nYour Discord user ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  kbot pairing approve %s",
		senderID, req.Code, req.Code,
	)
	if _, err := a.session.ChannelMessageSend(channelID, replyText); err != nil {
		slog.Warn("failed to send discord pairing reply", "error", err)
		return
	}
	slog.Info("discord pairing reply sent", "sender_id", senderID, "code", req.Code)
}

// mentionsUser reports whether the message @mentions the given user id.
func mentionsUser(m *discordgo.MessageCreate, userID string) bool {
	for _, u := range m.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// resolveDisplayName picks the best name for a message author:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// splitMessage breaks text into chunks within max, preferring a newline in
// the second half of each chunk.
func splitMessage(text string, max int) []string {
	if text == "" {
		return nil
	}
	var out []string
	for len(text) > 0 {
		if len(text) <= max {
			out = append(out, text)
			break
		}
		cut := max
		if idx := lastIndexByte(text[:max], '\n'); idx > max/2 {
			cut = idx + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
