package naim

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Polling defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultErrorBackoff = 30 * time.Second
)

// Refresher is the operation a Poller drives. *Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	DeviceID string

	// Interval between refreshes. Zero means DefaultPollInterval.
	Interval time.Duration

	// ErrorBackoff replaces the next wait after a failed refresh.
	// Zero means DefaultErrorBackoff.
	ErrorBackoff time.Duration

	Logger Logger
}

// Poller periodically refreshes a device while someone is subscribed.
//
// It is idle until Start and returns to idle on Stop. After a failed
// refresh the next wait is ErrorBackoff, then the normal interval resumes.
//
// Thread Safety: All methods are safe for concurrent use.
type Poller struct {
	refresher Refresher
	deviceID  string
	interval  time.Duration
	backoff   time.Duration
	logger    Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates an idle poller.
func NewPoller(r Refresher, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Poller{
		refresher: r,
		deviceID:  opts.DeviceID,
		interval:  interval,
		backoff:   backoff,
		logger:    logger,
	}
}

// Start moves the poller to active. It is a no-op when already active.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pollLoop(ctx, p.done)

	p.logger.Debug("naim polling started", "device_id", p.deviceID, "interval", p.interval)
}

// Stop cancels any pending wait or in-flight refresh and waits for the
// loop to exit. It is a no-op when idle.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.logger.Debug("naim polling stopped", "device_id", p.deviceID)
}

// Active reports whether the poll loop is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := p.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := p.refresher.Refresh(ctx)
		if ctx.Err() != nil {
			return
		}

		wait = p.interval
		if err != nil {
			if !errors.Is(err, ErrNotConnected) {
				p.logger.Warn("naim refresh failed, backing off",
					"device_id", p.deviceID, "error", err, "backoff", p.backoff)
			}
			wait = p.backoff
		}
		timer.Reset(wait)
	}
}
