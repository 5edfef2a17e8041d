package mocks

import (
	"errors"
	"sync"
)

var ErrMockApply = errors.New("mock state machine apply failure")

// AppliedCommand is a command seen by MockStateMachine
type AppliedCommand struct {
	Index   uint64
	Command []byte
}

// MockStateMachine is a mock implementation of state_machine.StateMachine for testing. Apply echoes the command and
// queries are answered with QueryResult.
type MockStateMachine struct {
	mu              sync.RWMutex
	Applied         []AppliedCommand
	Queries         [][]byte
	ApplyCallCount  int
	QueryCallCount  int
	ShouldFailApply bool
	ShouldPanic     bool
	QueryResult     []byte
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{}
}

func (m *MockStateMachine) Apply(index uint64, command []byte) ([]byte, error) {
	if m.ShouldPanic {
		panic("mock state machine panic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ApplyCallCount++
	if m.ShouldFailApply {
		return nil, ErrMockApply
	}
	m.Applied = append(m.Applied, AppliedCommand{Index: index, Command: append([]byte(nil), command...)})
	return command, nil
}

func (m *MockStateMachine) Query(query []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.QueryCallCount++
	m.Queries = append(m.Queries, append([]byte(nil), query...))
	return m.QueryResult, nil
}

// GetApplied returns a copy of all applied commands
func (m *MockStateMachine) GetApplied() []AppliedCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]AppliedCommand, len(m.Applied))
	copy(result, m.Applied)
	return result
}

// GetApplyCallCount returns how many times Apply was called
func (m *MockStateMachine) GetApplyCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ApplyCallCount
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Applied = nil
	m.Queries = nil
	m.ApplyCallCount = 0
	m.QueryCallCount = 0
}
