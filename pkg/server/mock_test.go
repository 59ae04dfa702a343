package server

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/iecmeter/iecmeter/pkg/types"
)

type mockCoordinator struct {
	mock.Mock
}

func (m *mockCoordinator) Refresh(ctx context.Context) (types.Data, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Data), args.Error(1)
}

func (m *mockCoordinator) Wait() {
	m.Called()
}
