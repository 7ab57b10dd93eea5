// Package telegram connects kbot to Telegram through the Bot API using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/kbot/internal/bus"
	"github.com/nextlevelbuilder/kbot/internal/channels"
	"github.com/nextlevelbuilder/kbot/internal/store"
)

const (
	// maxMessageLen is Telegram's hard cap per message.
	maxMessageLen = 4096

	pairingReplyDebounce = 60 * time.Second
)

// Config holds the Telegram adapter settings.
type Config struct {
	Token string
	// Proxy routes Bot API traffic through an HTTP proxy when set.
	Proxy string
	// AllowFrom restricts senders to the listed user ids when non-empty.
	AllowFrom []string
	// RequireMention gates group messages on an @bot mention. Nil means true.
	RequireMention *bool
}

// Adapter is the Telegram implementation of channels.Adapter. Telegram
// replies are buffered, not edit-streamed, so Editor is intentionally not
// implemented. It also implements Typer and HealthChecker.
type Adapter struct {
	bot            *telego.Bot
	cfg            Config
	requireMention bool
	allow          map[string]bool
	pairing        *store.PairingStore

	mu              sync.Mutex
	handler         bus.MessageHandler
	running         bool
	botUsername     string
	pairingDebounce map[string]time.Time

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter. pairing may be nil, in which case every
// direct message is admitted.
func New(cfg Config, pairing *store.PairingStore) (*Adapter, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}

	return &Adapter{
		bot:             bot,
		cfg:             cfg,
		requireMention:  requireMention,
		allow:           allow,
		pairing:         pairing,
		pairingDebounce: make(map[string]time.Time),
	}, nil
}

func (a *Adapter) Platform() string { return "telegram" }

// OnMessage installs the inbound handler. Call before Start.
func (a *Adapter) OnMessage(handler bus.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}

	a.mu.Lock()
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})
	a.botUsername = me.Username
	a.running = true
	done := a.pollDone
	a.mu.Unlock()

	slog.Info("telegram bot connected", "username", me.Username)

	go func() {
		defer close(done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				a.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit so
// Telegram releases the getUpdates lock before a restart.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	a.mu.Lock()
	a.running = false
	cancel := a.pollCancel
	done := a.pollDone
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendMessage sends text to a chat, splitting past the 4096-char cap at a
// newline where possible. The first sent message's id is returned.
func (a *Adapter) SendMessage(ctx context.Context, channel, text string, opts *channels.SendOptions) (string, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return "", fmt.Errorf("telegram bot not running")
	}
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", channel, err)
	}

	firstID := ""
	for i, chunk := range splitMessage(text, maxMessageLen) {
		params := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && opts != nil && opts.ReplyTo != "" {
			if replyID, err := strconv.Atoi(opts.ReplyTo); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		sent, err := a.bot.SendMessage(ctx, params)
		if err != nil {
			return firstID, fmt.Errorf("send telegram message: %w", err)
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

// SendTyping shows the typing chat action (Telegram keeps it for ~5s).
func (a *Adapter) SendTyping(ctx context.Context, channel string) error {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channel, err)
	}
	return a.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// HealthCheck probes the Bot API with getMe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return fmt.Errorf("telegram bot not running")
	}
	_, err := a.bot.GetMe(ctx)
	return err
}

// handleUpdate filters, gates and normalizes one polled update.
func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.From.IsBot {
		return
	}
	if isServiceMessage(m) {
		return
	}

	a.mu.Lock()
	handler := a.handler
	botUsername := a.botUsername
	a.mu.Unlock()
	if handler == nil {
		return
	}

	userID := strconv.FormatInt(m.From.ID, 10)
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	isGroup := m.Chat.Type == telego.ChatTypeGroup || m.Chat.Type == telego.ChatTypeSupergroup

	if len(a.allow) > 0 && !a.allow[userID] {
		slog.Debug("telegram message rejected by allowlist",
			"user_id", userID, "username", m.From.Username)
		return
	}

	if !isGroup {
		if !a.checkDMAccess(ctx, userID, m.Chat.ID) {
			return
		}
	} else if a.requireMention && !mentionsBot(m, botUsername) {
		slog.Debug("telegram group message dropped (no mention)",
			"chat_id", chatID, "user_id", userID)
		return
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if m.Document != nil {
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("[attachment: %s]", m.Document.FileName)
	}
	if text == "" {
		text = "[empty message]"
	}

	peerKind := "channel"
	if !isGroup {
		peerKind = "user"
	}

	handler(bus.Message{
		ID:        strconv.Itoa(m.MessageID),
		Channel:   chatID,
		Text:      text,
		Sender:    bus.Sender{ID: userID, Platform: "telegram", DisplayName: displayName(m.From)},
		Timestamp: time.Unix(m.Date, 0).UTC(),
		Metadata: map[string]string{
			"chat_type": string(m.Chat.Type),
			"username":  m.From.Username,
			"peer_kind": peerKind,
		},
	})
}

// checkDMAccess runs the DM policy gate. Pending senders get a pairing code
// reply at most once a minute.
func (a *Adapter) checkDMAccess(ctx context.Context, userID string, chatID int64) bool {
	if a.pairing == nil {
		return true
	}
	result, err := a.pairing.CheckAccess("telegram:dm:"+userID, userID, "telegram")
	if err != nil {
		slog.Warn("telegram DM access check failed", "user_id", userID, "error", err)
		return false
	}
	if result.Status == store.AccessAllowed {
		return true
	}
	a.sendPairingReply(ctx, userID, chatID, result.Request)
	return false
}

func (a *Adapter) sendPairingReply(ctx context.Context, userID string, chatID int64, req *store.PairingRequest) {
	if req == nil {
		return
	}
	a.mu.Lock()
	last, seen := a.pairingDebounce[userID]
	if seen && time.Since(last) < pairingReplyDebounce {
		a.mu.Unlock()
		return
	}
	a.pairingDebounce[userID] = time.Now()
	a.mu.Unlock()

	replyText := fmt.Sprintf(
		"kbot: access not configured.\n\nYour Telegram user ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  kbot pairing approve %s",
		userID, req.Code, req.Code,
	)
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), replyText)); err != nil {
		slog.Warn("failed to send telegram pairing reply", "error", err)
		return
	}
	slog.Info("telegram pairing reply sent", "user_id", userID, "code", req.Code)
}

// mentionsBot reports whether the message @mentions the bot, by mention
// entity, plain @tag text or a reply to one of the bot's messages.
func mentionsBot(m *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	tag := "@" + strings.ToLower(botUsername)
	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{m.Entities, m.Text},
		{m.CaptionEntities, m.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, e := range pair.entities {
			if e.Type != "mention" {
				continue
			}
			end := e.Offset + e.Length
			if e.Offset >= 0 && end <= len(pair.text) &&
				strings.EqualFold(pair.text[e.Offset:end], "@"+botUsername) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(pair.text), tag) {
			return true
		}
	}
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil &&
		m.ReplyToMessage.From.Username == botUsername {
		return true
	}
	return false
}

// isServiceMessage reports updates with no user content (member changes,
// title changes, pins). Anything with text, caption or media is a user
// message.
func isServiceMessage(m *telego.Message) bool {
	if m.Text != "" || m.Caption != "" {
		return false
	}
	if m.Photo != nil || m.Audio != nil || m.Video != nil ||
		m.Document != nil || m.Voice != nil || m.Sticker != nil ||
		m.Contact != nil || m.Location != nil || m.Poll != nil {
		return false
	}
	return true
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
		if idx := strings.LastIndexByte(text[:max], '\n'); idx > max/2 {
			cut = idx + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

func displayName(u *telego.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}
