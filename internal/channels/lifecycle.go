package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// Lifecycle defaults.
const (
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultReconnectDelay       = 5 * time.Second
	DefaultFailureThreshold     = 3
	DefaultMaxReconnectAttempts = 5
	DefaultSendBackoffStart     = 100 * time.Millisecond
	DefaultSendBackoffCap       = 2 * time.Second
	DefaultSendMaxAttempts      = 5
	DefaultDrainTimeout         = 30 * time.Second
)

// LifecycleConfig tunes the supervision wrapper around one adapter.
type LifecycleConfig struct {
	HealthCheckInterval  time.Duration
	ReconnectDelay       time.Duration
	FailureThreshold     int
	MaxReconnectAttempts int
	SendBackoffStart     time.Duration
	SendBackoffCap       time.Duration
	SendMaxAttempts      int
	DrainTimeout         time.Duration
	// SendRate paces outbound sends; zero means unpaced.
	SendRate rate.Limit
}

func (c LifecycleConfig) withDefaults() LifecycleConfig {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.SendBackoffStart <= 0 {
		c.SendBackoffStart = DefaultSendBackoffStart
	}
	if c.SendBackoffCap <= 0 {
		c.SendBackoffCap = DefaultSendBackoffCap
	}
	if c.SendMaxAttempts <= 0 {
		c.SendMaxAttempts = DefaultSendMaxAttempts
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

type sendJob struct {
	ctx     context.Context
	channel string
	text    string
	opts    *SendOptions
	result  chan sendResult
}

type sendResult struct {
	id  string
	err error
}

// Lifecycle wraps an adapter with periodic health checks, reconnect on
// repeated failures and a retrying send queue. Sends submitted after Stop
// begins are rejected; queued sends get a drain window to finish.
type Lifecycle struct {
	adapter Adapter
	cfg     LifecycleConfig
	limiter *rate.Limiter

	mu        sync.Mutex
	running   bool
	draining  bool
	failures  int
	queue     chan *sendJob
	healthTmr *time.Ticker
	stopCh    chan struct{}
	workerWG  sync.WaitGroup
}

// NewLifecycle wraps adapter. The zero config takes all defaults.
func NewLifecycle(adapter Adapter, cfg LifecycleConfig) *Lifecycle {
	cfg = cfg.withDefaults()
	l := &Lifecycle{adapter: adapter, cfg: cfg}
	if cfg.SendRate > 0 {
		l.limiter = rate.NewLimiter(cfg.SendRate, 1)
	}
	return l
}

// Adapter returns the wrapped adapter.
func (l *Lifecycle) Adapter() Adapter { return l.adapter }

// Platform returns the wrapped adapter's platform id.
func (l *Lifecycle) Platform() string { return l.adapter.Platform() }

// OnMessage installs the inbound handler on the adapter. Call before Start.
func (l *Lifecycle) OnMessage(h bus.MessageHandler) { l.adapter.OnMessage(h) }

// SupportsStreaming reports whether the adapter can stream by editing.
func (l *Lifecycle) SupportsStreaming() bool { return SupportsStreaming(l.adapter) }

// EditMessage edits a sent message in place. Errors when the platform has
// no edit support.
func (l *Lifecycle) EditMessage(ctx context.Context, channel, messageID, text string) (string, error) {
	editor, ok := l.adapter.(Editor)
	if !ok {
		return "", fmt.Errorf("%s does not support message edits", l.adapter.Platform())
	}
	return editor.EditMessage(ctx, channel, messageID, text)
}

// SendTyping shows the typing indicator where supported. Best-effort.
func (l *Lifecycle) SendTyping(ctx context.Context, channel string) error {
	if typer, ok := l.adapter.(Typer); ok {
		return typer.SendTyping(ctx, channel)
	}
	return nil
}

// Start connects the adapter and begins health checks and the send worker.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start %s adapter: %w", l.adapter.Platform(), err)
	}

	l.mu.Lock()
	l.running = true
	l.draining = false
	l.failures = 0
	l.queue = make(chan *sendJob, 256)
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.workerWG.Add(1)
	go l.sendWorker()
	go l.healthLoop()
	return nil
}

// Stop drains the send queue (up to DrainTimeout), then disconnects the
// adapter. Residual sends are rejected, not silently dropped.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.draining = true
	// The queue is never closed; the worker drains it after stopCh fires so
	// a concurrent Send cannot hit a closed channel.
	close(l.stopCh)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.DrainTimeout):
		slog.Warn("send queue drain timed out", "platform", l.adapter.Platform())
	case <-ctx.Done():
	}

	return l.adapter.Stop(ctx)
}

// Send queues an outbound message and waits for its delivery result.
func (l *Lifecycle) Send(ctx context.Context, channel, text string, opts *SendOptions) (string, error) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return "", fmt.Errorf("%s channel is not running", l.adapter.Platform())
	}
	queue, stopCh := l.queue, l.stopCh
	l.mu.Unlock()

	job := &sendJob{ctx: ctx, channel: channel, text: text, opts: opts, result: make(chan sendResult, 1)}
	select {
	case queue <- job:
	case <-stopCh:
		return "", fmt.Errorf("%s channel is stopping", l.adapter.Platform())
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-stopCh:
		// The worker drains queued jobs during shutdown; give this one the
		// drain window before giving up on its result.
		select {
		case res := <-job.result:
			return res.id, res.err
		case <-time.After(l.cfg.DrainTimeout):
			return "", fmt.Errorf("%s channel stopped before delivery", l.adapter.Platform())
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// sendWorker delivers queued jobs one at a time with retry backoff. After
// stopCh fires it drains whatever is already queued, then exits.
func (l *Lifecycle) sendWorker() {
	defer l.workerWG.Done()
	l.mu.Lock()
	queue, stopCh := l.queue, l.stopCh
	l.mu.Unlock()
	for {
		select {
		case job := <-queue:
			job.result <- l.deliver(job)
		case <-stopCh:
			for {
				select {
				case job := <-queue:
					job.result <- l.deliver(job)
				default:
					return
				}
			}
		}
	}
}

func (l *Lifecycle) deliver(job *sendJob) sendResult {
	backoff := l.cfg.SendBackoffStart
	var lastErr error
	for attempt := 1; attempt <= l.cfg.SendMaxAttempts; attempt++ {
		if l.limiter != nil {
			if err := l.limiter.Wait(job.ctx); err != nil {
				return sendResult{err: err}
			}
		}
		id, err := l.adapter.SendMessage(job.ctx, job.channel, job.text, job.opts)
		if err == nil {
			return sendResult{id: id}
		}
		lastErr = err
		if job.ctx.Err() != nil {
			return sendResult{err: job.ctx.Err()}
		}
		slog.Warn("send attempt failed",
			"platform", l.adapter.Platform(),
			"channel", job.channel,
			"attempt", attempt,
			"error", err)
		if attempt < l.cfg.SendMaxAttempts {
			select {
			case <-time.After(backoff):
			case <-job.ctx.Done():
				return sendResult{err: job.ctx.Err()}
			}
			backoff *= 2
			if backoff > l.cfg.SendBackoffCap {
				backoff = l.cfg.SendBackoffCap
			}
		}
	}
	return sendResult{err: fmt.Errorf("send to %s/%s failed after %d attempts: %w",
		l.adapter.Platform(), job.channel, l.cfg.SendMaxAttempts, lastErr)}
}

// healthLoop probes the adapter and reconnects after FailureThreshold
// consecutive misses.
func (l *Lifecycle) healthLoop() {
	ticker := time.NewTicker(l.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.checkHealth()
		}
	}
}

func (l *Lifecycle) checkHealth() {
	checker, ok := l.adapter.(HealthChecker)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HealthCheckInterval/2)
	err := checker.HealthCheck(ctx)
	cancel()

	l.mu.Lock()
	if err == nil {
		l.failures = 0
		l.mu.Unlock()
		return
	}
	l.failures++
	failures := l.failures
	l.mu.Unlock()

	slog.Warn("channel health check failed",
		"platform", l.adapter.Platform(),
		"failures", failures,
		"error", err)
	if failures >= l.cfg.FailureThreshold {
		l.reconnect()
	}
}

// reconnect cycles the adapter connection with ReconnectDelay between
// attempts.
func (l *Lifecycle) reconnect() {
	slog.Info("reconnecting channel", "platform", l.adapter.Platform())
	ctx := context.Background()
	if err := l.adapter.Stop(ctx); err != nil {
		slog.Warn("adapter stop during reconnect failed", "platform", l.adapter.Platform(), "error", err)
	}
	for attempt := 1; attempt <= l.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-l.stopCh:
			return
		case <-time.After(l.cfg.ReconnectDelay):
		}
		if err := l.adapter.Start(ctx); err != nil {
			slog.Warn("reconnect attempt failed",
				"platform", l.adapter.Platform(),
				"attempt", attempt,
				"error", err)
			continue
		}
		l.mu.Lock()
		l.failures = 0
		l.mu.Unlock()
		slog.Info("channel reconnected", "platform", l.adapter.Platform(), "attempt", attempt)
		return
	}
	slog.Error("channel reconnect attempts exhausted", "platform", l.adapter.Platform())
}
