package storage

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iecmeter/iecmeter/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random root for isolation
	f := &FirestoreProvider{
		projectID: "test-project-id",
		root:      fmt.Sprintf("test-%d", time.Now().UnixNano()),
	}

	ctx := t.Context()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("Settings", func(t *testing.T) {
		got, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, got)

		settings := types.Settings{
			UserID:            "123456789",
			SelectedContracts: []int{123},
		}
		require.NoError(t, f.SetSettings(ctx, settings, 1))

		got, version, err = f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, version)
		assert.Equal(t, settings.UserID, got.UserID)
		assert.Equal(t, settings.SelectedContracts, got.SelectedContracts)
	})

	t.Run("Statistics", func(t *testing.T) {
		meta := types.StatisticMetadata{
			StatisticID: "iec:iec_meter_m1_energy_est_cost",
			Source:      types.StatisticSource,
			Unit:        types.UnitIsraeliShekel,
			HasSum:      true,
		}

		_, ok, err := f.GetLastStatistic(ctx, meta.StatisticID)
		require.NoError(t, err)
		assert.False(t, ok)

		base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		points := []types.StatisticPoint{
			{Start: base, State: 0.6, Sum: 0.6},
			{Start: base.Add(time.Hour), State: 1.2, Sum: 1.8},
		}
		require.NoError(t, f.AddStatistics(ctx, meta, points))

		last, ok, err := f.GetLastStatistic(ctx, meta.StatisticID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, last.Start.Equal(points[1].Start))
		assert.Equal(t, 1.8, last.Sum)

		got, err := f.GetStatistics(ctx, meta.StatisticID, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 0.6, got[0].State)

		metas, err := f.ListStatistics(ctx)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, meta.StatisticID, metas[0].StatisticID)
	})

	t.Run("EmptyStatisticID", func(t *testing.T) {
		_, err := f.GetStatistics(ctx, "", time.Now(), time.Now())
		assert.ErrorContains(t, err, "statisticID cannot be empty")
	})
}
