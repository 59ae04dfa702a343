package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, DefaultStatisticsLookbackDays, s.StatisticsLookbackDays)
	})

	t.Run("v1 to v2: dedupe selected contracts", func(t *testing.T) {
		old := Settings{
			StatisticsLookbackDays: 14,
			SelectedContracts:      []int{123, 456, 123},
		}
		s, changed, err := MigrateSettings(old, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []int{123, 456}, s.SelectedContracts)
		assert.Equal(t, 14, s.StatisticsLookbackDays)
	})

	t.Run("v1 to v2: nothing to dedupe", func(t *testing.T) {
		old := Settings{
			StatisticsLookbackDays: 14,
			SelectedContracts:      []int{123, 456},
		}
		s, changed, err := MigrateSettings(old, 1)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, old, s)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{
			UserID:                 "123456789",
			SelectedContracts:      []int{1},
			StatisticsLookbackDays: 28,
		}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}

func TestJWTExpired(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	var nilToken *JWT
	assert.True(t, nilToken.Expired(now, 0))
	assert.True(t, (&JWT{}).Expired(now, 0))
	assert.False(t, (&JWT{AccessToken: "a"}).Expired(now, 0))

	tok := &JWT{AccessToken: "a", ExpiresAt: now.Add(10 * time.Minute)}
	assert.False(t, tok.Expired(now, time.Minute))
	assert.True(t, tok.Expired(now, 10*time.Minute))
	assert.True(t, tok.Expired(now.Add(time.Hour), 0))
}
