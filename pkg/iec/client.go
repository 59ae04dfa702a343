package iec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/time/rate"

	"github.com/iecmeter/iecmeter/pkg/common"
	"github.com/iecmeter/iecmeter/pkg/log"
	"github.com/iecmeter/iecmeter/pkg/types"
)

var (
	// ErrAuthFailed is returned when the session can no longer be used and the
	// user has to login again.
	ErrAuthFailed = errors.New("iec authentication failed")

	// ErrNotLoggedIn is returned by VerifyOTP when LoginWithID was not called.
	ErrNotLoggedIn = errors.New("iec login not started")
)

// Client is the subset of the IEC API used to poll a customer's contracts.
type Client interface {
	// LoadToken restores a previously obtained session.
	LoadToken(ctx context.Context, token *types.JWT) error
	// Token returns the current session, nil if there is none.
	Token() *types.JWT
	// CheckToken refreshes the session if it is about to expire and returns
	// true if the token changed.
	CheckToken(ctx context.Context) (bool, error)

	GetCustomer(ctx context.Context) (*types.Customer, error)
	GetContracts(ctx context.Context, bpNumber string) ([]types.Contract, error)
	GetDevices(ctx context.Context, contractID int) ([]types.Device, error)
	GetDeviceByDeviceID(ctx context.Context, contractID int, deviceID string) (*types.Devices, error)
	GetLastMeterReading(ctx context.Context, bpNumber string, contractID int) (*types.LastMeterReadings, error)
	GetRemoteReading(ctx context.Context, req types.RemoteReadingRequest) (*types.RemoteReadingResponse, error)
	GetBillingInvoices(ctx context.Context, bpNumber string, contractID int) (*types.Invoices, error)

	GetKWhTariff(ctx context.Context) (float64, error)
	GetKVATariff(ctx context.Context) (float64, error)
	GetDeliveryTariff(ctx context.Context, phases int) (float64, error)
	GetDistributionTariff(ctx context.Context, phases int) (float64, error)
	GetPowerSize(ctx context.Context, connectionSize string) (float64, error)

	GetDefaultAccount(ctx context.Context) (*types.Account, error)
	GetMasaConnectionSize(ctx context.Context, accountID uuid.UUID) (string, error)
}

// HTTP implements Client against the IEC web API.
type HTTP struct {
	client   *http.Client
	apiURL   string
	authURL  string
	masaURL  string
	clientID string
	now      func() time.Time

	mu         sync.Mutex
	token      *types.JWT
	userID     string
	stateToken string
	factorID   string
}

var _ Client = (*HTTP)(nil)

// Configured sets up flags for the IEC API and returns the client.
// It uses lflag to register command-line flags for configuration.
func Configured() *HTTP {
	c := &HTTP{
		now: time.Now,
	}
	apiURL := lflag.String("iec-api-url", "https://iecapi.iec.co.il/api", "URL for the IEC customer API")
	authURL := lflag.String("iec-auth-url", "https://iec-ext.okta.com", "URL for the IEC Okta tenant")
	masaURL := lflag.String("iec-masa-url", "https://masa-mainportalapi.iec.co.il/api", "URL for the IEC Masa portal API")
	clientID := lflag.String("iec-client-id", "0oaqf6zr7yEcQZqqt2p7", "Okta client ID of the IEC app")
	interval := lflag.Duration("iec-min-request-interval", 500*time.Millisecond, "Minimum time between requests to IEC. 0 disables the limit.")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.authURL = *authURL
		c.masaURL = *masaURL
		c.clientID = *clientID
		c.client = common.HTTPClient(time.Minute, rate.NewLimiter(rate.Every(*interval), 1))
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *HTTP) Validate() error {
	for name, u := range map[string]string{
		"iec-api-url":  c.apiURL,
		"iec-auth-url": c.authURL,
		"iec-masa-url": c.masaURL,
	} {
		if u == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("failed to parse %s (%s): %w", name, u, err)
		}
	}
	if c.clientID == "" {
		return errors.New("iec-client-id is required")
	}
	return nil
}

// LoadToken restores a previously obtained session.
func (c *HTTP) LoadToken(ctx context.Context, token *types.JWT) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("%w: missing token", ErrAuthFailed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := *token
	c.token = &t
	log.Ctx(ctx).DebugContext(ctx, "loaded iec token", slog.Time("expiresAt", t.ExpiresAt))
	return nil
}

// Token returns a copy of the current session.
func (c *HTTP) Token() *types.JWT {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

func (c *HTTP) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return ""
	}
	return c.token.AccessToken
}

func joinURL(base, endpoint string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(endpoint)
	return u, nil
}

func (c *HTTP) newGetRequest(ctx context.Context, base, endpoint string, params url.Values) (*http.Request, error) {
	u, err := joinURL(base, endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func (c *HTTP) newPostJSONRequest(ctx context.Context, base, endpoint string, data any) (*http.Request, error) {
	u, err := joinURL(base, endpoint)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doRequest sends an authenticated request and returns the body. A 401 will
// refresh the session once and retry.
func (c *HTTP) doRequest(req *http.Request) ([]byte, error) {
	ctx := req.Context()
	req.Header.Set("Accept", "application/json")

	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		token := c.accessToken()
		if token == "" {
			return nil, fmt.Errorf("%w: no session", ErrAuthFailed)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if i > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && i == 0:
			log.Ctx(ctx).DebugContext(ctx, "iec token rejected, refreshing", slog.String("path", req.URL.Path))
			if err := c.refresh(ctx); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			log.Ctx(ctx).ErrorContext(ctx, "iec api bad status", slog.Int("status", resp.StatusCode), slog.String("path", req.URL.Path))
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: retries exhausted", ErrAuthFailed)
}

type responseDescriptor struct {
	IsSuccess   bool   `json:"isSuccess"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// iecResponse is the envelope every customer API response is wrapped in. The
// descriptor key is misspelled by IEC.
type iecResponse struct {
	Data       json.RawMessage     `json:"data"`
	Descriptor *responseDescriptor `json:"reponseDescriptor"`
}

// doAPIRequest unwraps the customer API envelope into dest. It returns false
// if the API returned no data.
func (c *HTTP) doAPIRequest(req *http.Request, dest any) (bool, error) {
	ctx := req.Context()
	body, err := c.doRequest(req)
	if err != nil {
		return false, err
	}

	var ir iecResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode iec response", slog.Any("error", err), slog.String("body", string(body)))
		return false, fmt.Errorf("failed to decode iec response: %w", err)
	}
	if ir.Descriptor != nil && !ir.Descriptor.IsSuccess {
		log.Ctx(ctx).ErrorContext(ctx, "iec api error", slog.String("code", ir.Descriptor.Code), slog.String("description", ir.Descriptor.Description))
		return false, fmt.Errorf("iec api error (%s): %s", ir.Descriptor.Code, ir.Descriptor.Description)
	}
	if len(ir.Data) == 0 || bytes.Equal(ir.Data, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(ir.Data, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode iec data", slog.Any("error", err))
		return false, fmt.Errorf("failed to decode iec data: %w", err)
	}
	return true, nil
}

// doMasaRequest decodes a Masa portal response. Masa does not use the
// envelope.
func (c *HTTP) doMasaRequest(req *http.Request, dest any) error {
	ctx := req.Context()
	body, err := c.doRequest(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode masa response", slog.Any("error", err), slog.String("body", string(body)))
		return fmt.Errorf("failed to decode masa response: %w", err)
	}
	return nil
}
