package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

type fakeAdapter struct {
	mu          sync.Mutex
	started     int
	stopped     int
	sends       []string
	sendFails   int
	healthErr   error
	healthCalls int
	typingCalls int
	handler     bus.MessageHandler
}

func (a *fakeAdapter) Platform() string { return "fake" }

func (a *fakeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
	return nil
}

func (a *fakeAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped++
	return nil
}

func (a *fakeAdapter) OnMessage(h bus.MessageHandler) { a.handler = h }

func (a *fakeAdapter) SendMessage(ctx context.Context, channel, text string, opts *SendOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendFails > 0 {
		a.sendFails--
		return "", errors.New("rate limited")
	}
	a.sends = append(a.sends, text)
	return fmt.Sprintf("m%d", len(a.sends)), nil
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthCalls++
	return a.healthErr
}

func (a *fakeAdapter) SendTyping(ctx context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typingCalls++
	return nil
}

func (a *fakeAdapter) snapshot() (started, stopped, sends int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started, a.stopped, len(a.sends)
}

func fastConfig() LifecycleConfig {
	return LifecycleConfig{
		HealthCheckInterval:  10 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		SendBackoffStart:     time.Millisecond,
		SendBackoffCap:       4 * time.Millisecond,
		DrainTimeout:         time.Second,
	}
}

func TestLifecycle_SendRetriesTransientFailures(t *testing.T) {
	a := &fakeAdapter{sendFails: 2}
	l := NewLifecycle(a, fastConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(context.Background())

	id, err := l.Send(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "m1" {
		t.Errorf("id = %q", id)
	}
}

func TestLifecycle_SendFailsAfterMaxAttempts(t *testing.T) {
	a := &fakeAdapter{sendFails: 100}
	l := NewLifecycle(a, fastConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(context.Background())

	_, err := l.Send(context.Background(), "c1", "hello", nil)
	if err == nil {
		t.Fatal("send succeeded despite persistent failures")
	}
	if !strings.Contains(err.Error(), "after 5 attempts") {
		t.Errorf("err = %v", err)
	}
}

func TestLifecycle_RejectsSendsAfterStop(t *testing.T) {
	a := &fakeAdapter{}
	l := NewLifecycle(a, fastConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Send(context.Background(), "c1", "late", nil); err == nil {
		t.Errorf("send accepted after stop")
	}
	if _, stopped, _ := a.snapshot(); stopped != 1 {
		t.Errorf("adapter stopped %d times", stopped)
	}
}

func TestLifecycle_ReconnectsAfterRepeatedHealthFailures(t *testing.T) {
	a := &fakeAdapter{}
	a.healthErr = errors.New("gateway gone")
	l := NewLifecycle(a, fastConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(context.Background())

	// Three consecutive failed probes trigger a stop+start cycle.
	deadline := time.After(2 * time.Second)
	for {
		started, stopped, _ := a.snapshot()
		if started >= 2 && stopped >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no reconnect: started=%d stopped=%d", started, stopped)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLifecycle_HealthySessionNeverReconnects(t *testing.T) {
	a := &fakeAdapter{}
	l := NewLifecycle(a, fastConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	started, stopped, _ := a.snapshot()
	if started != 1 || stopped != 0 {
		t.Errorf("healthy adapter cycled: started=%d stopped=%d", started, stopped)
	}
	a.mu.Lock()
	probes := a.healthCalls
	a.mu.Unlock()
	if probes == 0 {
		t.Errorf("health never probed")
	}
}

func TestLifecycle_ConcurrentSendsDuringStop(t *testing.T) {
	a := &fakeAdapter{}
	l := NewLifecycle(a, fastConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Hammer the send queue while Stop tears it down. Late sends must be
	// rejected with an error, never panic on the queue.
	var wg sync.WaitGroup
	quit := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-quit:
					return
				default:
				}
				l.Send(context.Background(), "c1", "spam", nil)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(quit)
	wg.Wait()

	if _, err := l.Send(context.Background(), "c1", "late", nil); err == nil {
		t.Errorf("send accepted after stop")
	}
}

func TestTypingController_KeepaliveAndTTL(t *testing.T) {
	a := &fakeAdapter{}
	tc := NewTypingController(a, 5*time.Millisecond, 40*time.Millisecond)

	tc.Start("c1")
	tc.Start("c1") // second start is a no-op
	time.Sleep(25 * time.Millisecond)

	a.mu.Lock()
	calls := a.typingCalls
	a.mu.Unlock()
	if calls < 2 {
		t.Errorf("typing sent %d times, want keepalive refreshes", calls)
	}

	// TTL stops the loop even without an explicit Stop.
	time.Sleep(40 * time.Millisecond)
	a.mu.Lock()
	after := a.typingCalls
	a.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	a.mu.Lock()
	final := a.typingCalls
	a.mu.Unlock()
	if final != after {
		t.Errorf("typing kept firing past TTL: %d -> %d", after, final)
	}

	tc.Stop("c1")
}

func TestTypingController_StopEndsLoop(t *testing.T) {
	a := &fakeAdapter{}
	tc := NewTypingController(a, 5*time.Millisecond, time.Minute)

	tc.Start("c1")
	time.Sleep(12 * time.Millisecond)
	tc.Stop("c1")

	a.mu.Lock()
	atStop := a.typingCalls
	a.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	a.mu.Lock()
	final := a.typingCalls
	a.mu.Unlock()
	if final != atStop {
		t.Errorf("typing kept firing after stop: %d -> %d", atStop, final)
	}
}
