// Package telemetry broadcasts challenge lifecycle events to registered
// observer hooks.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/psantana5/turnstile-uxkit/pkg/logging"
)

// Hook observes emitted events
type Hook func(Event)

// HookID identifies one AddHook registration
type HookID uint64

type registration struct {
	id   HookID
	hook Hook
}

// Manager holds an ordered list of hooks behind an enable gate.
//
// Emit runs hooks synchronously, in registration order, on the calling
// goroutine. A hook that panics is logged and skipped; later hooks still
// see the event.
type Manager struct {
	mu      sync.RWMutex
	enabled bool
	hooks   []registration
	nextID  HookID
	logger  *logging.Logger
	clock   func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used for hook failures
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the clock used to stamp events without a timestamp
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a manager
func NewManager(enabled bool, opts ...Option) *Manager {
	m := &Manager{
		enabled: enabled,
		logger:  logging.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Component("telemetry")
	return m
}

func (m *Manager) Enable() {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
}

func (m *Manager) Disable() {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// AddHook appends hook and returns the id of this registration. The same
// function may be registered more than once.
func (m *Manager) AddHook(hook Hook) HookID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.hooks = append(m.hooks, registration{id: m.nextID, hook: hook})
	return m.nextID
}

// RemoveHook drops the registration with the given id. It reports whether
// anything was removed.
func (m *Manager) RemoveHook(id HookID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.hooks {
		if r.id == id {
			m.hooks = append(m.hooks[:i:i], m.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// ClearHooks drops every registration
func (m *Manager) ClearHooks() {
	m.mu.Lock()
	m.hooks = nil
	m.mu.Unlock()
}

// Len returns the number of registered hooks
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks)
}

// Emit delivers ev to every hook. It does nothing while disabled.
func (m *Manager) Emit(ev Event) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	hooks := make([]registration, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock()
	}

	for i, r := range hooks {
		m.call(i, r.hook, ev)
	}
}

func (m *Manager) call(index int, hook Hook, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Warn("Telemetry hook failed", map[string]interface{}{
				"hook":  index,
				"event": string(ev.Kind()),
				"error": fmt.Sprint(rec),
			})
		}
	}()
	hook(ev)
}

// JSONHook writes each event as one JSON line to w. Write and encode
// failures are logged to logger; a nil logger means logging.Default.
func JSONHook(w io.Writer, logger *logging.Logger) Hook {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("telemetry")
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			logger.Error("Failed to write telemetry event", map[string]interface{}{
				"event": string(ev.Kind()),
				"error": err.Error(),
			})
		}
	}
}
