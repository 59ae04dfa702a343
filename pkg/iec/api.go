package iec

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

// GetCustomer returns the customer of the logged in user.
func (c *HTTP) GetCustomer(ctx context.Context) (*types.Customer, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "customer", nil)
	if err != nil {
		return nil, err
	}
	var res types.Customer
	found, err := c.doAPIRequest(req, &res)
	if err != nil {
		return nil, fmt.Errorf("get customer failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &res, nil
}

type contractsResult struct {
	Contracts []wireContract `json:"contracts"`
}

// GetContracts returns every contract of the customer, active or not.
func (c *HTTP) GetContracts(ctx context.Context, bpNumber string) ([]types.Contract, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "customer/contract/"+url.PathEscape(bpNumber), nil)
	if err != nil {
		return nil, err
	}
	var res contractsResult
	if _, err := c.doAPIRequest(req, &res); err != nil {
		return nil, fmt.Errorf("get contracts failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "iec contracts", slog.Int("count", len(res.Contracts)))
	if res.Contracts == nil {
		return nil, nil
	}
	contracts := make([]types.Contract, len(res.Contracts))
	for i, w := range res.Contracts {
		contracts[i] = w.toType()
	}
	return contracts, nil
}

// GetDevices returns the meters attached to a contract.
func (c *HTTP) GetDevices(ctx context.Context, contractID int) ([]types.Device, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "Device/"+strconv.Itoa(contractID), nil)
	if err != nil {
		return nil, err
	}
	var res []types.Device
	if _, err := c.doAPIRequest(req, &res); err != nil {
		return nil, fmt.Errorf("get devices failed: %w", err)
	}
	return res, nil
}

// GetDeviceByDeviceID returns the detailed view of a single meter.
func (c *HTTP) GetDeviceByDeviceID(ctx context.Context, contractID int, deviceID string) (*types.Devices, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "Device/"+strconv.Itoa(contractID)+"/"+url.PathEscape(deviceID), nil)
	if err != nil {
		return nil, err
	}
	var res wireDevices
	found, err := c.doAPIRequest(req, &res)
	if err != nil {
		return nil, fmt.Errorf("get device failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	return res.toType(), nil
}

// GetLastMeterReading returns the latest manual reads of every meter of the
// contract.
func (c *HTTP) GetLastMeterReading(ctx context.Context, bpNumber string, contractID int) (*types.LastMeterReadings, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "Device/LastMeterReading/"+strconv.Itoa(contractID)+"/"+url.PathEscape(bpNumber), nil)
	if err != nil {
		return nil, err
	}
	var res wireLastMeterReadings
	found, err := c.doAPIRequest(req, &res)
	if err != nil {
		return nil, fmt.Errorf("get last meter reading failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	return res.toType(), nil
}

// GetRemoteReading returns smart meter readings. To defaults to From.
func (c *HTTP) GetRemoteReading(ctx context.Context, r types.RemoteReadingRequest) (*types.RemoteReadingResponse, error) {
	to := r.To
	if to.IsZero() {
		to = r.From
	}
	req, err := c.newPostJSONRequest(ctx, c.apiURL, "Consumption/RemoteReadingRange/"+strconv.Itoa(r.ContractID), wireRemoteReadingRequest{
		MeterSerialNumber: r.DeviceID,
		MeterCode:         r.DeviceCode,
		FromDate:          r.From.In(Location).Format("2006-01-02"),
		ToDate:            to.In(Location).Format("2006-01-02"),
		Resolution:        int(r.Resolution),
	})
	if err != nil {
		return nil, err
	}
	var res wireRemoteReadingResponse
	found, err := c.doAPIRequest(req, &res)
	if err != nil {
		return nil, fmt.Errorf("get remote reading failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	log.Ctx(ctx).DebugContext(ctx, "iec remote reading",
		slog.Int("contractID", r.ContractID),
		slog.String("deviceID", r.DeviceID),
		slog.String("resolution", r.Resolution.String()),
		slog.Int("readings", len(res.Data)),
	)
	return res.toType(), nil
}

// GetBillingInvoices returns the billing documents of a contract.
func (c *HTTP) GetBillingInvoices(ctx context.Context, bpNumber string, contractID int) (*types.Invoices, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "BillingCollection/invoices/"+strconv.Itoa(contractID)+"/"+url.PathEscape(bpNumber), nil)
	if err != nil {
		return nil, err
	}
	var res wireInvoices
	found, err := c.doAPIRequest(req, &res)
	if err != nil {
		return nil, fmt.Errorf("get billing invoices failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	return res.toType(), nil
}

func (c *HTTP) getHomeTariffs(ctx context.Context) (homeTariffs, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "Tariff/home", nil)
	if err != nil {
		return homeTariffs{}, err
	}
	var res homeTariffs
	if _, err := c.doAPIRequest(req, &res); err != nil {
		return homeTariffs{}, fmt.Errorf("get home tariffs failed: %w", err)
	}
	return res, nil
}

// GetKWhTariff returns the residential price per kWh in ILS.
func (c *HTTP) GetKWhTariff(ctx context.Context) (float64, error) {
	t, err := c.getHomeTariffs(ctx)
	return t.KWhTariff, err
}

// GetKVATariff returns the residential capacity price per kVA per year in ILS.
func (c *HTTP) GetKVATariff(ctx context.Context) (float64, error) {
	t, err := c.getHomeTariffs(ctx)
	return t.KVATariff, err
}

func (c *HTTP) getTariff(ctx context.Context, kind string, phases int) (float64, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "Tariff/"+kind+"/"+strconv.Itoa(phases), nil)
	if err != nil {
		return 0, err
	}
	var res tariffValue
	if _, err := c.doAPIRequest(req, &res); err != nil {
		return 0, fmt.Errorf("get %s tariff failed: %w", kind, err)
	}
	return res.Tariff, nil
}

// GetDeliveryTariff returns the monthly delivery fee for the number of phases.
func (c *HTTP) GetDeliveryTariff(ctx context.Context, phases int) (float64, error) {
	return c.getTariff(ctx, "delivery", phases)
}

// GetDistributionTariff returns the monthly distribution fee for the number of
// phases.
func (c *HTTP) GetDistributionTariff(ctx context.Context, phases int) (float64, error) {
	return c.getTariff(ctx, "distribution", phases)
}

// GetPowerSize returns the kVA capacity of a connection size like 3X25.
func (c *HTTP) GetPowerSize(ctx context.Context, connectionSize string) (float64, error) {
	req, err := c.newGetRequest(ctx, c.apiURL, "Tariff/powerSize/"+url.PathEscape(connectionSize), nil)
	if err != nil {
		return 0, err
	}
	var res powerSizeValue
	if _, err := c.doAPIRequest(req, &res); err != nil {
		return 0, fmt.Errorf("get power size failed: %w", err)
	}
	return res.PowerSize, nil
}

// GetDefaultAccount returns the first Masa account of the user.
func (c *HTTP) GetDefaultAccount(ctx context.Context) (*types.Account, error) {
	req, err := c.newGetRequest(ctx, c.masaURL, "accounts", nil)
	if err != nil {
		return nil, err
	}
	var res []types.Account
	if err := c.doMasaRequest(req, &res); err != nil {
		return nil, fmt.Errorf("get accounts failed: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return &res[0], nil
}

// GetMasaConnectionSize returns the representative connection size of the
// account, for example 1X40.
func (c *HTTP) GetMasaConnectionSize(ctx context.Context, accountID uuid.UUID) (string, error) {
	req, err := c.newGetRequest(ctx, c.masaURL, "accounts/"+accountID.String()+"/connectionSize", nil)
	if err != nil {
		return "", err
	}
	var res masaConnectionSize
	if err := c.doMasaRequest(req, &res); err != nil {
		return "", fmt.Errorf("get connection size failed: %w", err)
	}
	return res.RepresentativeConnectionSize, nil
}
