package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultProbeDebounce is the minimum spacing between usage probes for
	// one session key.
	DefaultProbeDebounce = 30 * time.Second
	// DefaultProbeTimeout bounds a single probe RPC.
	DefaultProbeTimeout = 10 * time.Second
)

// UsageProber reports the context-window usage fraction of an agent session.
type UsageProber interface {
	ContextUsage(ctx context.Context, acpSessionID string) (float64, error)
}

// UsageTracker samples agent context usage in the background and feeds the
// result to the lifecycle manager, which rotates sessions that run hot.
// Probes are fire-and-forget: a slow or failing agent never delays message
// handling, it just leaves the previous sample in place.
type UsageTracker struct {
	lifecycle *Lifecycle
	prober    UsageProber
	debounce  time.Duration
	timeout   time.Duration

	mu        sync.Mutex
	lastProbe map[string]time.Time
	inflight  map[string]bool
}

// NewUsageTracker wires a tracker to a lifecycle manager. Zero durations
// take the defaults.
func NewUsageTracker(lifecycle *Lifecycle, prober UsageProber, debounce, timeout time.Duration) *UsageTracker {
	if debounce <= 0 {
		debounce = DefaultProbeDebounce
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &UsageTracker{
		lifecycle: lifecycle,
		prober:    prober,
		debounce:  debounce,
		timeout:   timeout,
		lastProbe: make(map[string]time.Time),
		inflight:  make(map[string]bool),
	}
}

// Probe schedules a background usage sample for key's agent session.
// Returns false when the probe was debounced or one is already running.
func (t *UsageTracker) Probe(key, acpSessionID string) bool {
	if acpSessionID == "" {
		return false
	}
	t.mu.Lock()
	if t.inflight[key] || time.Since(t.lastProbe[key]) < t.debounce {
		t.mu.Unlock()
		return false
	}
	t.inflight[key] = true
	t.lastProbe[key] = time.Now()
	t.mu.Unlock()

	go t.run(key, acpSessionID)
	return true
}

func (t *UsageTracker) run(key, acpSessionID string) {
	defer func() {
		t.mu.Lock()
		delete(t.inflight, key)
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	fraction, err := t.prober.ContextUsage(ctx, acpSessionID)
	if err != nil {
		slog.Debug("context usage probe failed", "key", key, "session_id", acpSessionID, "error", err)
		return
	}
	t.lifecycle.UpdateContextUsage(key, fraction)
}

// Forget drops probe bookkeeping for a key, typically after eviction.
func (t *UsageTracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastProbe, key)
	delete(t.inflight, key)
}
