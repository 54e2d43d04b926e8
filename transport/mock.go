package transport

import (
	"sync"
	"sync/atomic"
)

// MockTransport records written frames for tests. Writability can be
// scripted to fail a number of checks or to stay off until released.
type MockTransport struct {
	mu         sync.Mutex
	frames     []Frame
	unwritable int
	blocked    bool
	checks     int
	failWrites int
	failErr    error

	WriteErr error
	open     atomic.Bool
}

// NewMockTransport creates an open, writable mock
func NewMockTransport() *MockTransport {
	m := &MockTransport{}
	m.open.Store(true)
	return m
}

// IsOpen reports whether Close was not called
func (m *MockTransport) IsOpen() bool {
	return m.open.Load()
}

// IsWritable consumes one scripted unwritable check, if any
func (m *MockTransport) IsWritable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks++
	if m.blocked {
		return false
	}
	if m.unwritable > 0 {
		m.unwritable--
		return false
	}
	return true
}

// Write records f
func (m *MockTransport) Write(f Frame) error {
	if !m.open.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}
	if m.failWrites > 0 {
		m.failWrites--
		return m.failErr
	}
	m.frames = append(m.frames, f)
	return nil
}

// Close marks the mock closed
func (m *MockTransport) Close() error {
	m.open.Store(false)
	return nil
}

// SetUnwritable makes the next n writability checks fail
func (m *MockTransport) SetUnwritable(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwritable = n
}

// FailWrites makes the next n writes return err
func (m *MockTransport) FailWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
	m.failErr = err
}

// SetBlocked keeps the mock unwritable until called with false
func (m *MockTransport) SetBlocked(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = blocked
}

// Checks returns how many times writability was queried
func (m *MockTransport) Checks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

// Frames returns a copy of the written frames
func (m *MockTransport) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// Reset clears recorded frames
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}
