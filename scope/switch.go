// Package scope holds the switch that limits policy evaluation to code
// running inside the harness.
package scope

import "sync"

// Switch is a process-wide flag shared by the harness interceptor and every
// function interceptor. Each operation takes and releases the lock, so it is
// never held while a predicate runs.
type Switch struct {
	mu sync.Mutex
	on bool
}

// New returns an inactive switch.
func New() *Switch {
	return &Switch{}
}

// Activate marks the harness as running.
func (s *Switch) Activate() {
	s.mu.Lock()
	s.on = true
	s.mu.Unlock()
}

// Deactivate marks the harness as not running.
func (s *Switch) Deactivate() {
	s.mu.Lock()
	s.on = false
	s.mu.Unlock()
}

// IsActive reports whether the harness is running.
func (s *Switch) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}
