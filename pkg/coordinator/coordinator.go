package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/storage"
	"github.com/iecmeter/iecmeter/pkg/types"
)

var (
	// ErrUpdateFailed wraps any error that aborted a refresh. The previously
	// published data should be kept.
	ErrUpdateFailed = errors.New("failed updating iec data")

	// ErrPaused is returned by Refresh when updates are paused in settings.
	ErrPaused = errors.New("updates are paused")
)

// CredentialBox seals the IEC session before it is stored.
type CredentialBox interface {
	Encrypt(ctx context.Context, creds types.Credentials) ([]byte, error)
	Decrypt(ctx context.Context, encrypted []byte) (types.Credentials, error)
}

type readingKey struct {
	contractID int
	deviceID   string
	dateKey    string
}

type meterKey struct {
	contractID int
	meterID    string
}

const (
	tariffKWh = "kwh"
	tariffKVA = "kva"
)

// Coordinator polls IEC for every selected contract and back-fills hourly
// statistics for smart meters.
type Coordinator struct {
	client iec.Client
	db     storage.Database
	box    CredentialBox
	now    func() time.Time

	bg sync.WaitGroup

	mu                  sync.Mutex
	settings            types.Settings
	settingsVersion     int
	bpNumber            string
	userID              string
	tokenLoaded         bool
	loadedCredentials   []byte
	persistedToken      string
	backfillsInProgress map[int]bool

	// reset after every refresh
	readings          map[readingKey]*types.RemoteReadingResponse
	todayReadings     map[string]*types.RemoteReadingResponse
	devicesByContract map[int][]types.Device

	// kept across refreshes
	tariffs               map[string]float64
	devicesByMeter        map[string]*types.Devices
	lastMeterReadings     map[meterKey]*types.MeterReading
	deliveryByPhase       map[int]float64
	distributionByPhase   map[int]float64
	powerSizeByConnection map[string]float64
	accounts              map[string]*types.Account
	connectionSizes       map[uuid.UUID]string
}

// New creates a Coordinator.
func New(client iec.Client, db storage.Database, box CredentialBox) *Coordinator {
	c := &Coordinator{
		client:                client,
		readings:              make(map[readingKey]*types.RemoteReadingResponse),
		todayReadings:         make(map[string]*types.RemoteReadingResponse),
		devicesByContract:     make(map[int][]types.Device),
		db:                    db,
		box:                   box,
		now:                   time.Now,
		backfillsInProgress:   make(map[int]bool),
		tariffs:               make(map[string]float64),
		devicesByMeter:        make(map[string]*types.Devices),
		lastMeterReadings:     make(map[meterKey]*types.MeterReading),
		deliveryByPhase:       make(map[int]float64),
		distributionByPhase:   make(map[int]float64),
		powerSizeByConnection: make(map[string]float64),
		accounts:              make(map[string]*types.Account),
		connectionSizes:       make(map[uuid.UUID]string),
	}
	return c
}

func (c *Coordinator) resetCycleCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.readings)
	clear(c.todayReadings)
	clear(c.devicesByContract)
	delete(c.tariffs, tariffKWh)
}

// Wait blocks until every dispatched statistics back-fill returned.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// Refresh fetches everything for the selected contracts. Errors wrapping
// iec.ErrAuthFailed mean the user has to login again; every other failure
// wraps ErrUpdateFailed.
func (c *Coordinator) Refresh(ctx context.Context) (types.Data, error) {
	if err := c.loadSettings(ctx); err != nil {
		if errors.Is(err, iec.ErrAuthFailed) || errors.Is(err, ErrPaused) {
			return types.Data{}, err
		}
		return types.Data{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	log.Ctx(ctx).DebugContext(ctx, "checking if iec token needs to be refreshed")
	if err := c.checkToken(ctx); err != nil {
		if errors.Is(err, iec.ErrAuthFailed) {
			return types.Data{}, err
		}
		return types.Data{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	data, err := c.update(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed updating iec data", slog.Any("error", err))
		if errors.Is(err, iec.ErrAuthFailed) {
			return types.Data{}, err
		}
		return types.Data{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	return data, nil
}

// loadSettings reads the settings and loads the stored session into the client
// whenever the stored credentials changed.
func (c *Coordinator) loadSettings(ctx context.Context) error {
	settings, version, err := c.db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrated settings", slog.Int("from", version), slog.Int("to", types.CurrentSettingsVersion))
		if err := c.db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
			return fmt.Errorf("failed to save migrated settings: %w", err)
		}
	}
	if version < types.CurrentSettingsVersion {
		version = types.CurrentSettingsVersion
	}

	c.mu.Lock()
	c.settings = settings
	c.settingsVersion = version
	if settings.BPNumber != "" {
		c.bpNumber = settings.BPNumber
	}
	credsChanged := !c.tokenLoaded || !bytes.Equal(settings.EncryptedCredentials, c.loadedCredentials)
	c.mu.Unlock()

	if settings.Pause {
		return ErrPaused
	}
	if !credsChanged {
		return nil
	}

	log.Ctx(ctx).DebugContext(ctx, "loading iec token from settings")
	creds, err := c.box.Decrypt(ctx, settings.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("%w: %w", iec.ErrAuthFailed, err)
	}
	if creds.IEC == nil || creds.IEC.Token == nil {
		return fmt.Errorf("%w: no stored session, run iec-login", iec.ErrAuthFailed)
	}
	if err := c.client.LoadToken(ctx, creds.IEC.Token); err != nil {
		return err
	}

	c.mu.Lock()
	c.tokenLoaded = true
	c.loadedCredentials = settings.EncryptedCredentials
	c.userID = creds.IEC.UserID
	c.persistedToken = creds.IEC.Token.AccessToken
	c.mu.Unlock()
	return nil
}

// checkToken refreshes the session if needed and persists it whenever it
// differs from the stored one.
func (c *Coordinator) checkToken(ctx context.Context) error {
	if _, err := c.client.CheckToken(ctx); err != nil {
		return err
	}

	token := c.client.Token()
	c.mu.Lock()
	persisted := c.persistedToken
	c.mu.Unlock()
	if token == nil || token.AccessToken == persisted {
		return nil
	}

	log.Ctx(ctx).DebugContext(ctx, "iec token refreshed, saving")
	return c.updateSettings(ctx, func(s *types.Settings) error {
		c.mu.Lock()
		userID := c.userID
		c.mu.Unlock()
		enc, err := c.box.Encrypt(ctx, types.Credentials{
			IEC: &types.IECCredentials{
				UserID: userID,
				Token:  token,
			},
		})
		if err != nil {
			return err
		}
		s.EncryptedCredentials = enc
		c.mu.Lock()
		c.loadedCredentials = enc
		c.persistedToken = token.AccessToken
		c.mu.Unlock()
		return nil
	})
}

func (c *Coordinator) updateSettings(ctx context.Context, fn func(*types.Settings) error) error {
	c.mu.Lock()
	settings := c.settings
	version := c.settingsVersion
	c.mu.Unlock()

	if err := fn(&settings); err != nil {
		return err
	}
	if err := c.db.SetSettings(ctx, settings, version); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) getBPNumber() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bpNumber
}

func (c *Coordinator) update(ctx context.Context) (types.Data, error) {
	bpNumber := c.getBPNumber()
	if bpNumber == "" {
		customer, err := c.client.GetCustomer(ctx)
		if err != nil {
			return types.Data{}, err
		}
		if customer == nil || customer.BPNumber == "" {
			return types.Data{}, errors.New("customer has no bp number")
		}
		bpNumber = customer.BPNumber
		c.mu.Lock()
		c.bpNumber = bpNumber
		c.mu.Unlock()
		if err := c.updateSettings(ctx, func(s *types.Settings) error {
			s.BPNumber = bpNumber
			return nil
		}); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to save bp number", slog.Any("error", err))
		}
	}

	allContracts, err := c.client.GetContracts(ctx, bpNumber)
	if err != nil {
		return types.Data{}, err
	}

	c.mu.Lock()
	contractIDs := slices.Clone(c.settings.SelectedContracts)
	c.mu.Unlock()
	if len(contractIDs) == 0 {
		for _, contract := range allContracts {
			if contract.Active() {
				contractIDs = append(contractIDs, contract.ContractID)
			}
		}
	}

	contracts := make(map[int]types.Contract)
	for _, contract := range allContracts {
		if contract.Active() && slices.Contains(contractIDs, contract.ContractID) {
			contracts[contract.ContractID] = contract
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "selected contracts", slog.Any("contractIDs", contractIDs), slog.Int("active", len(contracts)))

	now := c.now().In(iec.Location)
	kwhTariff := c.getKWhTariff(ctx)
	kvaTariff := c.getKVATariff(ctx)

	data := types.Data{
		Statics: types.Statics{
			KWhTariff: kwhTariff,
			KVATariff: kvaTariff,
			BPNumber:  bpNumber,
		},
		Contracts: make(map[int]types.ContractData, len(contractIDs)),
		UpdatedAt: now,
	}

	for _, contractID := range contractIDs {
		contract, ok := contracts[contractID]
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "selected contract is not active", slog.Int("contractID", contractID))
			continue
		}
		cctx := log.WithAttrs(ctx, slog.Int("contractID", contractID))

		// IEC publishes usage with a delay of a couple of days so statistics
		// are back-filled on every refresh
		c.dispatchBackfill(ctx, contractID, contract.SmartMeter)

		cd := types.ContractData{
			Contract:          contract,
			LastInvoice:       c.getLastInvoice(cctx, bpNumber, contractID),
			FutureConsumption: make(map[string]*types.FutureConsumptionInfo),
			DailyReadings:     make(map[string][]types.RemoteReading),
			KWhTariff:         kwhTariff,
			Attributes: types.ContractAttributes{
				ContractID:   strconv.Itoa(contractID),
				IsSmartMeter: contract.SmartMeter,
			},
		}

		if contract.SmartMeter {
			for _, device := range c.getDevicesByContract(cctx, contractID) {
				dctx := log.WithAttrs(cctx, slog.String("deviceID", device.DeviceNumber))
				cd.Attributes.MeterID = device.DeviceNumber

				resolution, from := readingWindow(now)
				log.Ctx(dctx).DebugContext(dctx, "fetching readings", slog.String("resolution", resolution.String()), slog.Time("from", from))
				var daily []types.RemoteReading
				if rr := c.getReadings(dctx, contractID, device, from, resolution); rr != nil && len(rr.Data) > 0 {
					daily = rr.Data
				} else {
					log.Ctx(dctx).WarnContext(dctx, "no readings returned", slog.String("resolution", resolution.String()), slog.Time("from", from))
					daily = []types.RemoteReading{}
				}
				cd.DailyReadings[device.DeviceNumber] = c.verifyDailyReadingExists(dctx, daily, now, contractID, device)

				today := c.getTodayReading(dctx, contractID, device, now)
				fci := c.getFutureConsumption(dctx, contractID, device, today, now)
				cd.FutureConsumption[device.DeviceNumber] = fci

				bill := c.estimateBill(dctx, contractID, device.DeviceNumber, contract.FromPrivateProducer, fci, kwhTariff, kvaTariff, cd.LastInvoice, now)
				cd.EstimatedBill = &bill
			}
		}

		data.Contracts[contractID] = cd
		data.ContractOrder = append(data.ContractOrder, contractID)
	}

	c.resetCycleCaches()
	return data, nil
}

// getLastInvoice returns the most recent electric invoice, nil if there is
// none.
func (c *Coordinator) getLastInvoice(ctx context.Context, bpNumber string, contractID int) *types.Invoice {
	res, err := c.client.GetBillingInvoices(ctx, bpNumber, contractID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed fetching invoices", slog.Any("error", err))
		return nil
	}
	if res == nil {
		return nil
	}
	var electric []types.Invoice
	for _, inv := range res.Invoices {
		if inv.DocumentID == types.ElectricInvoiceDocumentID {
			electric = append(electric, inv)
		}
	}
	if len(electric) == 0 {
		return nil
	}
	slices.SortStableFunc(electric, func(a, b types.Invoice) int {
		return b.FullDate.Compare(a.FullDate)
	})
	return &electric[0]
}

// dispatchBackfill starts the statistics back-fill of a contract in the
// background unless one is still running.
func (c *Coordinator) dispatchBackfill(ctx context.Context, contractID int, smartMeter bool) {
	c.mu.Lock()
	if c.backfillsInProgress[contractID] {
		c.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "statistics back-fill still running", slog.Int("contractID", contractID))
		return
	}
	c.backfillsInProgress[contractID] = true
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.backfillsInProgress, contractID)
			c.mu.Unlock()
		}()
		bctx := log.WithAttrs(ctx, slog.Int("contractID", contractID))
		if err := c.BackfillStatistics(bctx, contractID, smartMeter); err != nil {
			log.Ctx(bctx).ErrorContext(bctx, "statistics back-fill failed", slog.Any("error", err))
		}
	}()
}
