// Package behavior accumulates interaction counters for a single page session.
package behavior

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when starting an aggregator that was already stopped
var ErrStopped = errors.New("behavior: aggregator stopped")

const defaultTick = time.Second

// Metrics is a point-in-time copy of the counters.
// TimeOnPage and ScrollPercentage never decrease.
type Metrics struct {
	TimeOnPage       int   `json:"timeOnPage"`
	MouseMovements   int   `json:"mouseMovements"`
	KeyPresses       int   `json:"keyPresses"`
	Clicks           int   `json:"clicks"`
	ScrollPercentage int   `json:"scrollPercentage"`
	TabFocusChanges  int   `json:"tabFocusChanges"`
	LastActivity     int64 `json:"lastActivity"` // unix millis
}

// Aggregator owns the counters for one session.
// Observe is safe to call from any goroutine.
type Aggregator struct {
	life sync.Mutex // serializes Start/Stop

	mu      sync.Mutex
	m       Metrics
	start   time.Time
	running bool
	stopped bool

	cancels []func()
	done    chan struct{}
	wg      sync.WaitGroup

	now    func() time.Time
	tick   time.Duration
	logger *zap.Logger
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithTickInterval sets how often time on page is refreshed
func WithTickInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.tick = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an idle aggregator
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:    time.Now,
		tick:   defaultTick,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes to every source and begins the time-on-page ticker.
// Calling Start on a running aggregator is a no-op. If any subscription
// fails or panics, the ones already acquired are released before Start
// returns the error or the panic continues.
func (a *Aggregator) Start(sessionStart time.Time, sources ...Source) error {
	a.life.Lock()
	defer a.life.Unlock()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.running {
		a.mu.Unlock()
		return nil
	}
	if sessionStart.IsZero() {
		sessionStart = a.now()
	}
	a.start = sessionStart
	a.running = true
	a.m.LastActivity = a.now().UnixMilli()
	a.mu.Unlock()

	// subscribe without holding mu, sources may emit synchronously
	cancels := make([]func(), 0, len(sources))
	ok := false
	defer func() {
		if ok {
			return
		}
		for _, c := range cancels {
			c()
		}
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	for i, src := range sources {
		cancel, serr := src.Subscribe(a.Observe)
		if serr != nil {
			return fmt.Errorf("behavior: subscribe source %d: %w", i, serr)
		}
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	ok = true

	a.cancels = cancels
	a.done = make(chan struct{})
	a.wg.Add(1)
	go a.loop(a.done)

	a.logger.Debug("behavior aggregator started", zap.Int("sources", len(sources)))
	return nil
}

// Stop releases every subscription and the ticker.
// Events observed afterwards are ignored. Stop is idempotent.
func (a *Aggregator) Stop() {
	a.life.Lock()
	defer a.life.Unlock()

	a.mu.Lock()
	wasRunning := a.running
	if wasRunning {
		a.refreshLocked()
	}
	a.running = false
	a.stopped = true
	a.mu.Unlock()

	if !wasRunning {
		return
	}

	for _, c := range a.cancels {
		c()
	}
	a.cancels = nil
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	a.wg.Wait()

	a.logger.Debug("behavior aggregator stopped")
}

// Running reports whether the aggregator is collecting
func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Observe records ev. It does constant work and never blocks on I/O.
func (a *Aggregator) Observe(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}

	switch ev.Kind {
	case PointerMove:
		a.m.MouseMovements++
	case Click:
		a.m.Clicks++
	case KeyPress:
		a.m.KeyPresses++
	case Scroll:
		if p := ev.ScrollPercent(); p > a.m.ScrollPercentage {
			a.m.ScrollPercentage = p
		}
	case VisibilityChange:
		a.m.TabFocusChanges++
		return
	default:
		return
	}
	a.m.LastActivity = a.now().UnixMilli()
}

// Snapshot returns a copy of the current counters
func (a *Aggregator) Snapshot() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		a.refreshLocked()
	}
	return a.m
}

func (a *Aggregator) loop(done <-chan struct{}) {
	defer a.wg.Done()

	t := time.NewTicker(a.tick)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			a.mu.Lock()
			if a.running {
				a.refreshLocked()
			}
			a.mu.Unlock()
		}
	}
}

// refreshLocked recomputes time on page from the clock; mu must be held
func (a *Aggregator) refreshLocked() {
	elapsed := int(a.now().Sub(a.start) / time.Second)
	if elapsed > a.m.TimeOnPage {
		a.m.TimeOnPage = elapsed
	}
}
