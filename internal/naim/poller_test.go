package naim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockRefresher records Refresh calls and returns scripted errors.
type mockRefresher struct {
	mu    sync.Mutex
	calls []time.Time
	errs  []error
}

func (m *mockRefresher) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, time.Now())
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *mockRefresher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRefresher) callTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.calls...)
}

func waitForCalls(t *testing.T, m *mockRefresher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.callCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("refresh calls = %d, want >= %d", m.callCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollerRefreshesWhileActive(t *testing.T) {
	m := &mockRefresher{}
	p := NewPoller(m, PollerOptions{Interval: 10 * time.Millisecond})

	if p.Active() {
		t.Fatal("Active() = true before Start")
	}
	p.Start()
	p.Start() // no-op
	if !p.Active() {
		t.Fatal("Active() = false after Start")
	}

	waitForCalls(t, m, 3)
	p.Stop()
	p.Stop() // no-op

	if p.Active() {
		t.Error("Active() = true after Stop")
	}
	after := m.callCount()
	time.Sleep(50 * time.Millisecond)
	if got := m.callCount(); got != after {
		t.Errorf("refresh calls after Stop = %d, want %d", got, after)
	}
}

func TestPollerErrorBackoff(t *testing.T) {
	m := &mockRefresher{errs: []error{ErrUnreachable}}
	p := NewPoller(m, PollerOptions{
		Interval:     10 * time.Millisecond,
		ErrorBackoff: 150 * time.Millisecond,
	})
	p.Start()
	defer p.Stop()

	waitForCalls(t, m, 3)
	calls := m.callTimes()

	if gap := calls[1].Sub(calls[0]); gap < 150*time.Millisecond {
		t.Errorf("wait after failure = %v, want >= 150ms", gap)
	}
	if gap := calls[2].Sub(calls[1]); gap >= 150*time.Millisecond {
		t.Errorf("wait after recovery = %v, want normal interval", gap)
	}
}

// blockingRefresher blocks until its context is cancelled.
type blockingRefresher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingRefresher) Refresh(ctx context.Context) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestPollerStopCancelsInFlight(t *testing.T) {
	b := &blockingRefresher{started: make(chan struct{})}
	p := NewPoller(b, PollerOptions{Interval: time.Millisecond})
	p.Start()

	select {
	case <-b.started:
	case <-time.After(time.Second):
		t.Fatal("refresh never started")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not cancel in-flight refresh")
	}
}

func TestClientDisconnectStopsPoller(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	p := c.NewPoller(PollerOptions{Interval: 10 * time.Millisecond})
	p.Start()

	deadline := time.Now().Add(2 * time.Second)
	for c.Status().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("poller never refreshed status")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Disconnect()
	if p.Active() {
		t.Error("poller still active after Disconnect")
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Refresh() after Disconnect error = %v, want ErrNotConnected", err)
	}
}
