package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// State is the agent subprocess lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateSpawning   State = "spawning"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateRecovering State = "recovering"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// Defaults for the supervision loop.
const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthProbeTimeout  = 5 * time.Second
	DefaultFailureThreshold    = 3
	DefaultEscalateAfter       = 3
	DefaultStopTimeout         = 10 * time.Second
)

// Config configures the agent subprocess.
type Config struct {
	// Command is the argv used to start the agent, e.g.
	// []string{"claude", "--input-format", "stream-json"}.
	Command []string
	WorkDir string
	Env     []string

	HealthCheckInterval time.Duration
	HealthProbeTimeout  time.Duration
	// FailureThreshold consecutive probe misses mark the process unhealthy
	// and trigger a restart.
	FailureThreshold int
	// EscalateAfter failed recoveries emit escalate and stop retrying.
	EscalateAfter int
	StopTimeout   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if out.HealthProbeTimeout <= 0 {
		out.HealthProbeTimeout = DefaultHealthProbeTimeout
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = DefaultFailureThreshold
	}
	if out.EscalateAfter <= 0 {
		out.EscalateAfter = DefaultEscalateAfter
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = DefaultStopTimeout
	}
	return out
}

// wireFrame is one NDJSON line in either direction: a request (id+method),
// a response (id+result/error) or a notification (method only).
type wireFrame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *wireError) Err() error { return fmt.Errorf("agent rpc: %s", e.Message) }

// Manager supervises the agent subprocess and implements Client on top of
// its stdin/stdout NDJSON stream. One request in flight maps to one entry
// in the pending table; session updates arrive as notifications and fan
// out to subscribers.
type Manager struct {
	cfg    Config
	events *bus.Emitter

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	cancel        context.CancelFunc
	processGen    int // stale readLoops must not clean up a newer process
	pending       map[string]chan wireFrame
	subscribers   map[chan Update]struct{}
	probeFailures int
	recoveries    int
	lastSessionID string
	healthStop    chan struct{}
	procDone      chan struct{} // closed by readLoop after the process exits

	stdinMu sync.Mutex
}

// NewManager creates an agent manager in the idle state. events may be
// shared with other components; pass nil for a private emitter.
func NewManager(cfg Config, events *bus.Emitter) *Manager {
	if events == nil {
		events = bus.NewEmitter()
	}
	return &Manager{
		cfg:         cfg.withDefaults(),
		events:      events,
		state:       StateIdle,
		pending:     make(map[string]chan wireFrame),
		subscribers: make(map[chan Update]struct{}),
	}
}

// Events exposes the emitter carrying agent:spawned, state:change,
// health:status, escalate and error.
func (m *Manager) Events() *bus.Emitter { return m.events }

// GetClient returns the RPC handle. Valid across restarts.
func (m *Manager) GetClient() Client { return m }

// GetState returns the current lifecycle state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsHealthy reports whether the process is up and answering probes.
func (m *Manager) IsHealthy() bool { return m.GetState() == StateHealthy }

// GetSessionID returns the most recently opened agent session id.
func (m *Manager) GetSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSessionID
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev != next {
		m.events.Emit(bus.EventStateChange, string(prev), string(next))
	}
}

// Spawn starts the subprocess and the health loop. No-op when already
// healthy or spawning.
func (m *Manager) Spawn(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateHealthy, StateSpawning:
		m.mu.Unlock()
		return nil
	case StateStopping:
		m.mu.Unlock()
		return fmt.Errorf("agent is stopping")
	}
	if len(m.cfg.Command) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("agent command not configured")
	}
	gen := m.processGen + 1
	m.processGen = gen
	m.mu.Unlock()

	m.setState(StateSpawning)

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Stderr = os.Stderr
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		m.setState(StateFailed)
		return fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.setState(StateFailed)
		return fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		m.setState(StateFailed)
		return fmt.Errorf("start agent %q: %w", m.cfg.Command[0], err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.cancel = cancel
	m.probeFailures = 0
	m.procDone = done
	if m.healthStop == nil {
		m.healthStop = make(chan struct{})
		go m.healthLoop(m.healthStop)
	}
	m.mu.Unlock()

	go m.readLoop(stdout, cmd, gen, done)

	m.setState(StateHealthy)
	m.events.Emit(bus.EventAgentSpawned, cmd.Process.Pid)
	slog.Info("agent spawned", "pid", cmd.Process.Pid, "command", m.cfg.Command[0])
	return nil
}

// Stop shuts the subprocess down, waiting up to StopTimeout before killing
// it. Subscriber channels are closed.
func (m *Manager) Stop(ctx context.Context) error {
	m.setState(StateStopping)

	m.mu.Lock()
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
	cmd := m.cmd
	cancel := m.cancel
	stdin := m.stdin
	done := m.procDone
	m.mu.Unlock()

	if stdin != nil {
		stdin.Close() // EOF asks the agent to exit on its own
	}
	if cmd != nil && done != nil {
		select {
		case <-done:
		case <-time.After(m.cfg.StopTimeout):
			slog.Warn("agent did not exit in time, killing", "pid", cmd.Process.Pid)
			if cancel != nil {
				cancel()
			}
			<-done
		case <-ctx.Done():
			if cancel != nil {
				cancel()
			}
			<-done
		}
	}

	m.mu.Lock()
	m.cmd = nil
	m.stdin = nil
	m.cancel = nil
	for ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = make(map[chan Update]struct{})
	m.failPendingLocked()
	m.mu.Unlock()

	m.setState(StateTerminated)
	return nil
}

// Subscribe returns a channel receiving session updates. Buffered; slow
// consumers drop updates rather than stall the read loop.
func (m *Manager) Subscribe() chan Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Update, 128)
	m.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[ch]; ok {
		delete(m.subscribers, ch)
		close(ch)
	}
}

// NewSession opens a fresh agent session.
func (m *Manager) NewSession(ctx context.Context, params NewSessionParams) (string, error) {
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := m.call(ctx, "session/new", params, &result); err != nil {
		return "", err
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("agent returned empty session id")
	}
	m.mu.Lock()
	m.lastSessionID = result.SessionID
	m.mu.Unlock()
	return result.SessionID, nil
}

// Prompt sends a prompt and blocks until the terminal result. Streamed
// content arrives on Subscribe channels while this waits.
func (m *Manager) Prompt(ctx context.Context, in PromptInput) (*PromptResult, error) {
	var result PromptResult
	if err := m.call(ctx, "session/prompt", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ContextUsage asks the agent how full a session's context window is and
// returns a fraction in [0,1].
func (m *Manager) ContextUsage(ctx context.Context, sessionID string) (float64, error) {
	var report UsageReport
	params := struct {
		SessionID string `json:"sessionId"`
	}{sessionID}
	if err := m.call(ctx, "session/usage", params, &report); err != nil {
		return 0, err
	}
	if report.MaxTokens <= 0 {
		return 0, nil
	}
	fraction := float64(report.UsedTokens) / float64(report.MaxTokens)
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return fraction, nil
}

// call runs one request/response round trip.
func (m *Manager) call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := uuid.NewString()
	frame := wireFrame{ID: id, Method: method, Params: raw}

	ch := make(chan wireFrame, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.writeFrame(frame); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("agent exited before answering %s", method)
		}
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) writeFrame(frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	m.stdinMu.Lock()
	defer m.stdinMu.Unlock()

	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("agent process not running")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// readLoop decodes NDJSON frames until the process exits. Responses route
// to the pending table, session/update notifications fan out.
func (m *Manager) readLoop(stdout io.Reader, cmd *exec.Cmd, gen int, done chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame wireFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("agent emitted unparseable line", "error", err)
			continue
		}

		if frame.ID != "" && frame.Method == "" {
			m.dispatchResponse(frame)
			continue
		}

		if frame.Method == "session/update" {
			var upd Update
			if err := json.Unmarshal(frame.Params, &upd); err != nil {
				slog.Warn("agent sent malformed update", "error", err)
				continue
			}
			upd.Raw = append(json.RawMessage(nil), frame.Params...)
			m.fanOut(upd)
			continue
		}

		slog.Debug("agent sent unknown frame", "method", frame.Method)
	}

	cmd.Wait()
	close(done)

	m.mu.Lock()
	stale := m.processGen != gen
	if !stale {
		m.cmd = nil
		m.stdin = nil
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.failPendingLocked()
	}
	state := m.state
	m.mu.Unlock()

	if stale || state == StateStopping || state == StateTerminated {
		return
	}
	slog.Warn("agent process exited unexpectedly")
	m.recover("process exited")
}

// dispatchResponse routes one response frame to its pending call. The send
// stays under mu: response channels are closed only under mu, so the send
// never hits a closed channel. Each channel is buffered with capacity one;
// a duplicate response for an id is dropped rather than blocking the lock.
func (m *Manager) dispatchResponse(frame wireFrame) {
	m.mu.Lock()
	if ch, ok := m.pending[frame.ID]; ok {
		select {
		case ch <- frame:
		default:
		}
	}
	m.mu.Unlock()
}

// failPendingLocked closes every pending response channel, which callers
// of call observe as "agent exited". Callers hold mu.
func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

func (m *Manager) fanOut(upd Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- upd:
		default:
			// drop rather than stall the read loop
		}
	}
}

// healthLoop probes the agent every HealthCheckInterval.
func (m *Manager) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Manager) probe() {
	state := m.GetState()
	if state != StateHealthy && state != StateUnhealthy {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthProbeTimeout)
	err := m.call(ctx, "ping", struct{}{}, nil)
	cancel()

	if err == nil {
		m.mu.Lock()
		wasUnhealthy := m.state == StateUnhealthy
		m.probeFailures = 0
		m.recoveries = 0
		m.mu.Unlock()
		if wasUnhealthy {
			m.setState(StateHealthy)
			m.events.Emit(bus.EventHealthStatus, "healthy", true)
		} else {
			m.events.Emit(bus.EventHealthStatus, "healthy", false)
		}
		return
	}

	m.mu.Lock()
	m.probeFailures++
	failures := m.probeFailures
	threshold := m.cfg.FailureThreshold
	m.mu.Unlock()

	slog.Warn("agent health probe failed", "failures", failures, "error", err)
	m.events.Emit(bus.EventHealthStatus, "unhealthy", false)

	if failures >= threshold {
		m.setState(StateUnhealthy)
		m.recover("health probes exhausted")
	}
}

// recover kills the current process and respawns it. After EscalateAfter
// consecutive failed recoveries it escalates and stays unhealthy.
func (m *Manager) recover(reason string) {
	m.mu.Lock()
	if m.state == StateStopping || m.state == StateTerminated || m.state == StateRecovering {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	m.setState(StateRecovering)
	if cancel != nil {
		cancel()
	}

	if err := m.Spawn(context.Background()); err != nil {
		m.mu.Lock()
		m.recoveries++
		attempts := m.recoveries
		limit := m.cfg.EscalateAfter
		m.mu.Unlock()

		m.events.Emit(bus.EventError, err, map[string]any{"reason": reason, "attempt": attempts})
		m.setState(StateUnhealthy)

		if attempts >= limit {
			slog.Error("agent recovery exhausted, escalating", "reason", reason, "attempts", attempts)
			m.events.Emit(bus.EventEscalate, reason, map[string]any{
				"attempts": attempts,
				"error":    err.Error(),
			})
		}
		return
	}

	m.mu.Lock()
	m.recoveries = 0
	m.mu.Unlock()
	m.events.Emit(bus.EventHealthStatus, "healthy", true)
}
