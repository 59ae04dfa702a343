package types

import (
	"fmt"
	"slices"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// DefaultStatisticsLookbackDays is how far back statistics are back-filled
// for a meter that has never been reported.
const DefaultStatisticsLookbackDays = 28

// Settings represents the configuration stored in the database.
// These are written by iec-login and can be changed without redeploying.
type Settings struct {
	// Pause updates
	Pause bool `json:"pause"`

	// IEC login
	UserID   string `json:"userID"`
	BPNumber string `json:"bpNumber"`

	// Contracts to poll. Empty means every active contract.
	SelectedContracts []int `json:"selectedContracts"`

	// How many days of history to back-fill for a new meter
	StatisticsLookbackDays int `json:"statisticsLookbackDays"`

	// Credentials for IEC (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials for external systems
type Credentials struct {
	IEC *IECCredentials `json:"iec,omitempty"`
}

// IECCredentials hold the session obtained from the OTP login.
type IECCredentials struct {
	UserID string `json:"userID"`
	// Token is refreshed by the coordinator and written back whenever IEC
	// issues a new one.
	Token *JWT `json:"token,omitempty"`
}

// JWT is the Okta token set returned by the IEC login flow.
type JWT struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired returns true if the access token is expired or will expire within
// the given leeway.
func (j *JWT) Expired(now time.Time, leeway time.Duration) bool {
	if j == nil || j.AccessToken == "" {
		return true
	}
	if j.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(j.ExpiresAt)
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.StatisticsLookbackDays == 0 {
				s.StatisticsLookbackDays = DefaultStatisticsLookbackDays
				migrated = true
			}
		case 2:
			// version 2: selected contracts are unique
			if len(s.SelectedContracts) > 0 {
				deduped := make([]int, 0, len(s.SelectedContracts))
				for _, c := range s.SelectedContracts {
					if !slices.Contains(deduped, c) {
						deduped = append(deduped, c)
					}
				}
				if len(deduped) != len(s.SelectedContracts) {
					s.SelectedContracts = deduped
					migrated = true
				}
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
