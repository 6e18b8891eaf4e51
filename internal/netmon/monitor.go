// Package netmon reports debounced network connectivity.
//
// A raw connectivity signal (from a Probe or pushed in with Observe) must hold
// for the settle window before the reported state flips. Subscribers are
// called once per reported transition and never for a repeated state.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds configuration for the monitor.
type Config struct {
	// SettleWindow is how long a raw signal must hold before it is reported
	SettleWindow time.Duration

	// PollInterval is how often Run consults the probe
	PollInterval time.Duration

	// Probe supplies the raw signal. nil means start offline and rely on Observe.
	Probe Probe

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SettleWindow: 5 * time.Second,
		PollInterval: 2 * time.Second,
		Logger:       log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor tracks connectivity with a debounce timer.
type Monitor struct {
	config *Config
	logger *log.Logger

	mu       sync.Mutex
	raw      bool
	reported bool
	forced   *bool
	timer    *time.Timer
	gen      uint64
	subs     map[int]func(bool)
	nextSub  int

	// notifyMu serializes callback delivery so subscribers observe
	// transitions in the order they were reported.
	notifyMu sync.Mutex
}

// New creates a monitor. The initial state comes from a synchronous probe
// and is reported immediately without waiting for the settle window.
func New(ctx context.Context, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.SettleWindow <= 0 {
		config.SettleWindow = DefaultConfig().SettleWindow
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}

	m := &Monitor{
		config: config,
		logger: config.Logger,
		subs:   make(map[int]func(bool)),
	}

	if config.Probe != nil {
		m.raw = config.Probe.Check(ctx)
	}
	m.reported = m.raw
	m.logger.Printf("Initial state: %s", stateName(m.reported))
	return m
}

// IsOnline returns the debounced (or forced) connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

// Subscribe registers fn to be called with the new state on every reported
// transition. The returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Observe feeds a raw connectivity reading. A reading that differs from the
// reported state starts the settle timer; a reading that matches it cancels
// any pending flip.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.raw {
		return
	}
	m.raw = online

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++

	if online == m.reported {
		// Flapped back before the window elapsed.
		return
	}

	gen := m.gen
	m.timer = time.AfterFunc(m.config.SettleWindow, func() {
		m.settle(gen)
	})
}

func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.raw == m.reported {
		m.mu.Unlock()
		return
	}

	before := m.effectiveLocked()
	m.reported = m.raw
	m.timer = nil
	after := m.effectiveLocked()
	subs := m.snapshotLocked()
	m.mu.Unlock()

	if before != after {
		m.notify(subs, after)
	}
}

// Run polls the probe until ctx is cancelled. Without a probe it only waits.
func (m *Monitor) Run(ctx context.Context) error {
	if m.config.Probe == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopTimer()
			return ctx.Err()
		case <-ticker.C:
			m.Observe(m.config.Probe.Check(ctx))
		}
	}
}

func (m *Monitor) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *Monitor) effectiveLocked() bool {
	if m.forced != nil {
		return *m.forced
	}
	return m.reported
}

func (m *Monitor) snapshotLocked() []func(bool) {
	subs := make([]func(bool), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

func (m *Monitor) notify(subs []func(bool), online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.logger.Printf("Network is now %s", stateName(online))
	for _, fn := range subs {
		fn(online)
	}
}

func stateName(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
