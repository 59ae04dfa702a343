package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iecmeter/iecmeter/pkg/coordinator"
	"github.com/iecmeter/iecmeter/pkg/iec"
	"github.com/iecmeter/iecmeter/pkg/sensor"
	"github.com/iecmeter/iecmeter/pkg/storage/storagemock"
	"github.com/iecmeter/iecmeter/pkg/types"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, iec.Location)

func testData() types.Data {
	return types.Data{
		Statics: types.Statics{KWhTariff: 0.5, KVATariff: 1.5, BPNumber: "bp1"},
		Contracts: map[int]types.ContractData{
			1001: {
				Contract:    types.Contract{ContractID: 1001, Status: 1},
				LastInvoice: &types.Invoice{AmountOrigin: 300, AmountToPay: 10},
				Attributes:  types.ContractAttributes{ContractID: "1001"},
			},
		},
		ContractOrder: []int{1001},
		UpdatedAt:     testNow,
	}
}

func newTestServer(c *mockCoordinator, db *storagemock.MockDatabase) *Server {
	s := newServer(c, db)
	s.now = func() time.Time { return testNow }
	return s
}

// startLoop runs the refresh loop until the test ends.
func startLoop(t *testing.T, s *Server) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.refreshLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHealthz(t *testing.T) {
	s := newTestServer(new(mockCoordinator), new(storagemock.MockDatabase))
	handler := s.setupHandler()

	t.Run("OK", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	})

	t.Run("Reauth Required", func(t *testing.T) {
		s.mu.Lock()
		s.reauthNeeded = true
		s.mu.Unlock()

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("Success Publishes Data", func(t *testing.T) {
		c := new(mockCoordinator)
		s := newTestServer(c, new(storagemock.MockDatabase))
		c.On("Refresh", mock.Anything).Return(testData(), nil).Once()

		require.NoError(t, s.refresh(t.Context()))
		assert.True(t, s.hasData)
		assert.False(t, s.reauthNeeded)
		assert.Equal(t, "bp1", s.data.Statics.BPNumber)
	})

	t.Run("Failure Keeps Previous Data", func(t *testing.T) {
		c := new(mockCoordinator)
		s := newTestServer(c, new(storagemock.MockDatabase))
		c.On("Refresh", mock.Anything).Return(testData(), nil).Once()
		c.On("Refresh", mock.Anything).Return(types.Data{}, fmt.Errorf("%w: boom", coordinator.ErrUpdateFailed)).Once()

		require.NoError(t, s.refresh(t.Context()))
		assert.ErrorIs(t, s.refresh(t.Context()), coordinator.ErrUpdateFailed)
		assert.True(t, s.hasData)
		assert.Equal(t, "bp1", s.data.Statics.BPNumber)
		assert.False(t, s.reauthNeeded)
	})

	t.Run("Auth Failure Requires Reauth", func(t *testing.T) {
		c := new(mockCoordinator)
		s := newTestServer(c, new(storagemock.MockDatabase))
		c.On("Refresh", mock.Anything).Return(types.Data{}, fmt.Errorf("%w: revoked", iec.ErrAuthFailed)).Once()
		c.On("Refresh", mock.Anything).Return(testData(), nil).Once()

		assert.ErrorIs(t, s.refresh(t.Context()), iec.ErrAuthFailed)
		assert.True(t, s.reauthRequired())

		// a later successful refresh clears it
		require.NoError(t, s.refresh(t.Context()))
		assert.False(t, s.reauthRequired())
	})
}

func TestHandleUpdate(t *testing.T) {
	t.Run("Forces Refresh", func(t *testing.T) {
		c := new(mockCoordinator)
		s := newTestServer(c, new(storagemock.MockDatabase))
		// once at startup and once forced
		c.On("Refresh", mock.Anything).Return(testData(), nil).Twice()
		startLoop(t, s)

		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Success   bool      `json:"success"`
			UpdatedAt time.Time `json:"updatedAt"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.True(t, resp.Success)
		assert.True(t, resp.UpdatedAt.Equal(testNow))
		c.AssertNumberOfCalls(t, "Refresh", 2)
	})

	t.Run("Auth Failure", func(t *testing.T) {
		c := new(mockCoordinator)
		s := newTestServer(c, new(storagemock.MockDatabase))
		c.On("Refresh", mock.Anything).Return(types.Data{}, fmt.Errorf("%w: revoked", iec.ErrAuthFailed))
		startLoop(t, s)

		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Paused", func(t *testing.T) {
		c := new(mockCoordinator)
		s := newTestServer(c, new(storagemock.MockDatabase))
		c.On("Refresh", mock.Anything).Return(types.Data{}, coordinator.ErrPaused)
		startLoop(t, s)

		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/update", nil))
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	c := new(mockCoordinator)
	s := newTestServer(c, new(storagemock.MockDatabase))
	s.updateSpecificEmail = "updater@example.com"
	s.oidcVerifier = func(ctx context.Context, token string) (string, error) {
		switch token {
		case "updater-token":
			return "updater@example.com", nil
		case "user-token":
			return "user@example.com", nil
		}
		return "", assert.AnError
	}
	c.On("Refresh", mock.Anything).Return(testData(), nil)
	require.NoError(t, s.refresh(t.Context()))
	handler := s.setupHandler()

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"Missing Header", "", http.StatusUnauthorized},
		{"Not Bearer", "Basic abc", http.StatusBadRequest},
		{"Invalid Token", "Bearer nope", http.StatusUnauthorized},
		{"Wrong Email", "Bearer user-token", http.StatusForbidden},
		{"Authorized", "Bearer updater-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/debug/coordinator", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}

	t.Run("Sensors Are Public", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sensors", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleSensors(t *testing.T) {
	c := new(mockCoordinator)
	s := newTestServer(c, new(storagemock.MockDatabase))
	handler := s.setupHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sensors", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	c.On("Refresh", mock.Anything).Return(testData(), nil)
	require.NoError(t, s.refresh(t.Context()))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/sensors", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sensors []sensor.State `json:"sensors"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	states := make(map[string]sensor.State)
	for _, st := range resp.Sensors {
		states[st.UniqueID] = st
	}
	require.Contains(t, states, "1001_last_iec_invoice_paid")
	require.NotNil(t, states["1001_last_iec_invoice_paid"].IsOn)
	assert.False(t, *states["1001_last_iec_invoice_paid"].IsOn)
	assert.Equal(t, 300.0, *states["1001_iec_last_cost"].Value)
	assert.Equal(t, 0.5, *states["iec_kwh_tariff"].Value)
}

func TestHandleStatistics(t *testing.T) {
	id := "iec:iec_meter_M1_energy_consumption"

	t.Run("List", func(t *testing.T) {
		db := new(storagemock.MockDatabase)
		s := newTestServer(new(mockCoordinator), db)
		db.On("ListStatistics", mock.Anything).Return([]types.StatisticMetadata{{StatisticID: id}}, nil)

		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/statistics", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var metas []types.StatisticMetadata
		require.NoError(t, json.NewDecoder(w.Body).Decode(&metas))
		assert.Equal(t, []types.StatisticMetadata{{StatisticID: id}}, metas)
	})

	t.Run("Points", func(t *testing.T) {
		db := new(storagemock.MockDatabase)
		s := newTestServer(new(mockCoordinator), db)
		start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
		db.On("GetStatistics", mock.Anything, id, start, end).Return([]types.StatisticPoint{
			{Start: start, State: 1, Sum: 1},
		}, nil)

		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/statistics?id="+id+"&start=2025-03-01T00:00:00Z&end=2025-03-02T00:00:00Z", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))

		var points []types.StatisticPoint
		require.NoError(t, json.NewDecoder(w.Body).Decode(&points))
		require.Len(t, points, 1)
		assert.Equal(t, 1.0, points[0].Sum)
	})

	t.Run("Range Too Long", func(t *testing.T) {
		s := newTestServer(new(mockCoordinator), new(storagemock.MockDatabase))

		w := httptest.NewRecorder()
		s.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/statistics?id="+id+"&start=2025-01-01T00:00:00Z&end=2025-03-01T00:00:00Z", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMetrics(t *testing.T) {
	c := new(mockCoordinator)
	s := newTestServer(c, new(storagemock.MockDatabase))
	c.On("Refresh", mock.Anything).Return(testData(), nil)
	require.NoError(t, s.refresh(t.Context()))

	w := httptest.NewRecorder()
	s.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `iecmeter_sensor_value{contract="1001",key="iec_last_cost",meter="",unit="ILS"} 300`)
	assert.Contains(t, body, `iecmeter_refresh_total{result="success"}`)
}
