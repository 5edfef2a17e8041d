package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"raft-session-protocol/internal/raft/core"
	"raft-session-protocol/internal/raft/operation"
)

// MockCore is a mock implementation of core.Core for testing
type MockCore struct {
	mock.Mock
}

func NewMockCore() *MockCore {
	return &MockCore{}
}

func (m *MockCore) ReadState() core.ReadState {
	args := m.Called()
	return args.Get(0).(core.ReadState)
}

func (m *MockCore) Leader() (core.ServerID, bool) {
	args := m.Called()
	return args.Get(0).(core.ServerID), args.Bool(1)
}

func (m *MockCore) ProbeMajority(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCore) Commit(ctx context.Context, command operation.Command) (uint64, []byte, error) {
	args := m.Called(ctx, command)
	result, _ := args.Get(1).([]byte)
	return uint64(args.Int(0)), result, args.Error(2)
}

func (m *MockCore) Query(query operation.Query, index uint64) ([]byte, error) {
	args := m.Called(query, index)
	result, _ := args.Get(0).([]byte)
	return result, args.Error(1)
}
