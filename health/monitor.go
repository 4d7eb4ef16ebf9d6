package health

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/streamhub/component"
)

// Monitor tracks the health of the process's components. Lifecycle components
// are polled on demand via Track; ad-hoc statuses can be pushed via Update.
type Monitor struct {
	mu       sync.RWMutex
	tracked  map[string]component.LifecycleComponent
	statuses map[string]Status
}

// NewMonitor creates an empty health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		tracked:  make(map[string]component.LifecycleComponent),
		statuses: make(map[string]Status),
	}
}

// Track registers a lifecycle component whose Health() is polled on each
// snapshot. Tracking nil removes the entry.
func (m *Monitor) Track(name string, c component.LifecycleComponent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c == nil {
		delete(m.tracked, name)
		return
	}
	m.tracked[name] = c
}

// Update pushes a status for a named component, overriding any polled value
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy pushes a healthy status for a component
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy pushes an unhealthy status for a component
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded pushes a degraded status for a component
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Remove drops a component from monitoring entirely
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tracked, name)
	delete(m.statuses, name)
}

// Get returns the current status for one component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	c, polled := m.tracked[name]
	status, pushed := m.statuses[name]
	m.mu.RUnlock()

	// Pushed statuses win over polled ones.
	if pushed {
		return status, true
	}
	if polled {
		return FromComponentHealth(name, c.Health()), true
	}
	return Status{}, false
}

// Snapshot returns the aggregated health of every monitored component,
// ordered by component name.
func (m *Monitor) Snapshot(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.tracked)+len(m.statuses))
	seen := make(map[string]bool, len(m.tracked)+len(m.statuses))
	for name := range m.tracked {
		names = append(names, name)
		seen[name] = true
	}
	for name := range m.statuses {
		if !seen[name] {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if status, ok := m.Get(name); ok {
			subs = append(subs, status)
		}
	}
	return Aggregate(systemName, subs)
}

// Count returns the number of monitored components
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool, len(m.tracked)+len(m.statuses))
	for name := range m.tracked {
		seen[name] = true
	}
	for name := range m.statuses {
		seen[name] = true
	}
	return len(seen)
}
