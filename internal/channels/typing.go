package channels

import (
	"context"
	"sync"
	"time"
)

const (
	// typingKeepalive refreshes the indicator before the platform drops it
	// (Discord shows typing for ~10s per call).
	typingKeepalive = 9 * time.Second
	// typingTTL stops a forgotten indicator even if Stop is never called.
	typingTTL = 60 * time.Second
)

// TypingController keeps a per-channel typing indicator alive while the
// agent works on a reply. Best-effort: send failures end the loop quietly.
type TypingController struct {
	typer     Typer
	keepalive time.Duration
	ttl       time.Duration

	mu     sync.Mutex
	active map[string]chan struct{}
}

// NewTypingController creates a controller over an adapter's Typer.
// Zero durations take the defaults.
func NewTypingController(typer Typer, keepalive, ttl time.Duration) *TypingController {
	if keepalive <= 0 {
		keepalive = typingKeepalive
	}
	if ttl <= 0 {
		ttl = typingTTL
	}
	return &TypingController{
		typer:     typer,
		keepalive: keepalive,
		ttl:       ttl,
		active:    make(map[string]chan struct{}),
	}
}

// Start begins (or refreshes) the typing loop for a channel.
func (t *TypingController) Start(channel string) {
	if t.typer == nil {
		return
	}
	t.mu.Lock()
	if _, running := t.active[channel]; running {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.active[channel] = stop
	t.mu.Unlock()

	go t.loop(channel, stop)
}

// Stop ends the typing loop for a channel.
func (t *TypingController) Stop(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.active[channel]; ok {
		close(stop)
		delete(t.active, channel)
	}
}

// StopAll ends every active loop.
func (t *TypingController) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for channel, stop := range t.active {
		close(stop)
		delete(t.active, channel)
	}
}

func (t *TypingController) loop(channel string, stop chan struct{}) {
	deadline := time.NewTimer(t.ttl)
	defer deadline.Stop()
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	send := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.typer.SendTyping(ctx, channel) == nil
	}

	if !send() {
		t.Stop(channel)
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
			t.Stop(channel)
			return
		case <-ticker.C:
			if !send() {
				t.Stop(channel)
				return
			}
		}
	}
}
