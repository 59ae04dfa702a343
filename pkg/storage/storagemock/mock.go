package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/iecmeter/iecmeter/pkg/storage"
	"github.com/iecmeter/iecmeter/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) AddStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	args := m.Called(ctx, meta, points)
	return args.Error(0)
}

func (m *MockDatabase) GetLastStatistic(ctx context.Context, statisticID string) (types.StatisticPoint, bool, error) {
	args := m.Called(ctx, statisticID)
	return args.Get(0).(types.StatisticPoint), args.Bool(1), args.Error(2)
}

func (m *MockDatabase) GetStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, statisticID, start, end)
	if p := args.Get(0); p != nil {
		return p.([]types.StatisticPoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) ListStatistics(ctx context.Context) ([]types.StatisticMetadata, error) {
	args := m.Called(ctx)
	if p := args.Get(0); p != nil {
		return p.([]types.StatisticMetadata), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
