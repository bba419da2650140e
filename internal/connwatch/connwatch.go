// Package connwatch tracks whether the model backends Scribe depends on
// are reachable.
//
// httpkit retries sub-second dial failures inside a single request.
// connwatch covers longer outages: a backend restarting, a model being
// pulled, a laptop waking from sleep. Each Watcher probes one backend,
// polls at a steady interval while it is healthy, and backs off
// exponentially while it is not. Every up/down transition is logged and
// published on the events bus.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
)

// ProbeFunc checks whether a backend is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is anything with a health probe, such as an llm.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Schedule controls probe timing.
type Schedule struct {
	// PollInterval is the delay between probes while healthy (default 30s).
	PollInterval time.Duration
	// InitialDelay is the first retry delay after a failure (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps the retry delay while unhealthy (default 60s).
	MaxDelay time.Duration
	// Multiplier grows the retry delay after each failure (default 2).
	Multiplier float64
	// ProbeTimeout bounds each probe (default 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the production schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		PollInterval: 30 * time.Second,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// retryDelay returns the wait after the n-th consecutive failure
// (n >= 1).
func (s Schedule) retryDelay(n int) time.Duration {
	d := float64(s.InitialDelay)
	for i := 1; i < n; i++ {
		d *= s.Multiplier
		if d >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}
	return time.Duration(d)
}

// Status is the health of one backend, suitable for JSON health
// endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	Since     time.Time `json:"since,omitzero"` // time of the last transition
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single backend in the background.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	logger   *slog.Logger
	bus      *events.Bus
	onChange func(Status)

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for ctx.Err() == nil {
		wait := w.check(ctx)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe, records the result, announces transitions, and
// returns how long to wait before the next probe.
func (w *Watcher) check(ctx context.Context) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	now := time.Now()
	w.mu.Lock()
	prev := w.status
	st := prev
	st.Checked = true
	st.LastCheck = now
	st.Ready = err == nil
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.Failures = 0
		st.LastError = ""
	}
	changed := !prev.Checked || prev.Ready != st.Ready
	if changed {
		st.Since = now
	}
	w.status = st
	w.mu.Unlock()

	if changed {
		w.announce(st, err)
	} else if err != nil {
		w.logger.Debug("backend still unreachable", "backend", w.name, "failures", st.Failures, "error", err)
	}

	if err != nil {
		return w.schedule.retryDelay(st.Failures)
	}
	return w.schedule.PollInterval
}

func (w *Watcher) announce(st Status, err error) {
	if st.Ready {
		w.logger.Info("backend reachable", "backend", w.name)
		w.bus.Emit(events.SourceBackend, events.KindBackendUp, map[string]any{"service": w.name})
	} else {
		w.logger.Warn("backend unreachable", "backend", w.name, "error", err)
		w.bus.Emit(events.SourceBackend, events.KindBackendDown, map[string]any{
			"service": w.name,
			"error":   st.LastError,
		})
	}
	if w.onChange != nil {
		w.onChange(st)
	}
}

// Manager owns the watchers for all configured backends.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, bus: bus, watchers: make(map[string]*Watcher)}
}

// WatchOption configures a single watcher.
type WatchOption func(*Watcher)

// WithSchedule overrides the default probe schedule. Zero fields keep
// their defaults.
func WithSchedule(s Schedule) WatchOption {
	return func(w *Watcher) { w.schedule = s.withDefaults() }
}

// OnChange registers fn to be called, on the watcher goroutine, after
// every transition including the first probe result.
func OnChange(fn func(Status)) WatchOption {
	return func(w *Watcher) { w.onChange = fn }
}

// Watch starts probing a backend until ctx ends or Stop is called.
// Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, opts ...WatchOption) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: DefaultSchedule(),
		logger:   m.logger,
		bus:      m.bus,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: name},
	}
	for _, o := range opts {
		o(w)
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// WatchPinger is Watch with p.Ping as the probe.
func (m *Manager) WatchPinger(ctx context.Context, name string, p Pinger, opts ...WatchOption) *Watcher {
	return m.Watch(ctx, name, p.Ping, opts...)
}

// Status returns every watcher's health, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched backend answered its last probe.
// A manager with no watchers is ready.
func (m *Manager) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
