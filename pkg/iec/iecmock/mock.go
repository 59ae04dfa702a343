package iecmock

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/types"
)

type MockClient struct {
	mock.Mock
}

var _ iec.Client = (*MockClient)(nil)

func (m *MockClient) LoadToken(ctx context.Context, token *types.JWT) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockClient) Token() *types.JWT {
	args := m.Called()
	if t := args.Get(0); t != nil {
		return t.(*types.JWT)
	}
	return nil
}

func (m *MockClient) CheckToken(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) GetCustomer(ctx context.Context) (*types.Customer, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.(*types.Customer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetContracts(ctx context.Context, bpNumber string) ([]types.Contract, error) {
	args := m.Called(ctx, bpNumber)
	if c := args.Get(0); c != nil {
		return c.([]types.Contract), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetDevices(ctx context.Context, contractID int) ([]types.Device, error) {
	args := m.Called(ctx, contractID)
	if d := args.Get(0); d != nil {
		return d.([]types.Device), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetDeviceByDeviceID(ctx context.Context, contractID int, deviceID string) (*types.Devices, error) {
	args := m.Called(ctx, contractID, deviceID)
	if d := args.Get(0); d != nil {
		return d.(*types.Devices), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetLastMeterReading(ctx context.Context, bpNumber string, contractID int) (*types.LastMeterReadings, error) {
	args := m.Called(ctx, bpNumber, contractID)
	if r := args.Get(0); r != nil {
		return r.(*types.LastMeterReadings), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetRemoteReading(ctx context.Context, req types.RemoteReadingRequest) (*types.RemoteReadingResponse, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*types.RemoteReadingResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetBillingInvoices(ctx context.Context, bpNumber string, contractID int) (*types.Invoices, error) {
	args := m.Called(ctx, bpNumber, contractID)
	if r := args.Get(0); r != nil {
		return r.(*types.Invoices), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetKWhTariff(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockClient) GetKVATariff(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockClient) GetDeliveryTariff(ctx context.Context, phases int) (float64, error) {
	args := m.Called(ctx, phases)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockClient) GetDistributionTariff(ctx context.Context, phases int) (float64, error) {
	args := m.Called(ctx, phases)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockClient) GetPowerSize(ctx context.Context, connectionSize string) (float64, error) {
	args := m.Called(ctx, connectionSize)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockClient) GetDefaultAccount(ctx context.Context) (*types.Account, error) {
	args := m.Called(ctx)
	if a := args.Get(0); a != nil {
		return a.(*types.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetMasaConnectionSize(ctx context.Context, accountID uuid.UUID) (string, error) {
	args := m.Called(ctx, accountID)
	return args.String(0), args.Error(1)
}
