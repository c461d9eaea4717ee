package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// HealthMonitor watches delivery outcomes per webhook and raises an
// operational signal after a run of consecutive failures. It is built on
// gobreaker but is purely observational: it never gates delivery, it only
// drives the webhook's status flip to "error". Deliveries continue until an
// operator deactivates the webhook.
//
// The underlying breaker trips on ConsecutiveFailures >= Threshold and
// resets to closed after Cooldown followed by a success, which re-arms the
// signal.

// HealthConfig defines the failure-run detector.
//
// Threshold is the consecutive-failure count that trips the signal.
// Cooldown is how long the breaker stays open before a success can re-close it.
type HealthConfig struct {
	Threshold uint32
	Cooldown  time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Threshold: 5,
		Cooldown:  60 * time.Second,
	}
}

type HealthMonitor struct {
	config   HealthConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onTrip func(webhookID string)
}

func NewHealthMonitor(config HealthConfig) *HealthMonitor {
	if config.Threshold == 0 {
		config.Threshold = 5
	}
	if config.Cooldown == 0 {
		config.Cooldown = 60 * time.Second
	}
	return &HealthMonitor{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnTrip registers the callback invoked once per failure run when the
// threshold is crossed. Used to flip the webhook's status to error.
func (m *HealthMonitor) OnTrip(fn func(webhookID string)) {
	m.onTrip = fn
}

func (m *HealthMonitor) RecordSuccess(webhookID string) {
	m.breaker(webhookID).Execute(func() (any, error) { return nil, nil })
}

func (m *HealthMonitor) RecordFailure(webhookID string) {
	m.breaker(webhookID).Execute(func() (any, error) { return nil, errOutcomeFailed })
}

// Unhealthy reports whether the webhook is currently in a tripped state.
func (m *HealthMonitor) Unhealthy(webhookID string) bool {
	return m.breaker(webhookID).State() == gobreaker.StateOpen
}

// Remove deletes the breaker for a webhook, freeing memory.
func (m *HealthMonitor) Remove(webhookID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, webhookID)
}

func (m *HealthMonitor) breaker(webhookID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[webhookID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[webhookID]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        webhookID,
		MaxRequests: 1,
		Timeout:     m.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && m.onTrip != nil {
				m.onTrip(name)
			}
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[webhookID] = cb
	return cb
}

type outcomeError struct{}

func (outcomeError) Error() string { return "delivery failed" }

var errOutcomeFailed = outcomeError{}
