package secrets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iecmeter/iecmeter/pkg/types"
)

func TestBox(t *testing.T) {
	// 32-byte key for AES-256
	testKey := "01234567890123456789012345678901"

	creds := types.Credentials{
		IEC: &types.IECCredentials{
			UserID: "123456789",
			Token: &types.JWT{
				AccessToken:  "access",
				RefreshToken: "refresh",
				ExpiresAt:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			},
		},
	}

	t.Run("Encrypt and Decrypt", func(t *testing.T) {
		b := New(testKey)

		encrypted, err := b.Encrypt(t.Context(), creds)
		require.NoError(t, err)
		assert.NotEmpty(t, encrypted)
		assert.NotContains(t, string(encrypted), "refresh")

		decrypted, err := b.Decrypt(t.Context(), encrypted)
		require.NoError(t, err)
		assert.Equal(t, creds, decrypted)
	})

	t.Run("Decryption with Wrong Key Fails", func(t *testing.T) {
		encrypted, err := New(testKey).Encrypt(t.Context(), creds)
		require.NoError(t, err)

		_, err = New("12345678901234567890123456789012").Decrypt(t.Context(), encrypted)
		assert.Error(t, err)
	})

	t.Run("Missing Key Fails", func(t *testing.T) {
		b := New("")

		_, err := b.Encrypt(t.Context(), creds)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no encryption key configured")

		_, err = b.Decrypt(t.Context(), []byte("some-random-data"))
		assert.Error(t, err)
	})

	t.Run("Short Key Fails", func(t *testing.T) {
		_, err := New("short").Encrypt(t.Context(), creds)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be 32 bytes")
	})

	t.Run("Malformed Ciphertext", func(t *testing.T) {
		b := New(testKey)

		_, err := b.Decrypt(t.Context(), []byte("short"))
		assert.Error(t, err)

		_, err = b.Decrypt(t.Context(), make([]byte, 50))
		assert.Error(t, err)
	})

	t.Run("Empty Is Empty", func(t *testing.T) {
		decrypted, err := New("").Decrypt(t.Context(), nil)
		require.NoError(t, err)
		assert.Equal(t, types.Credentials{}, decrypted)
	})
}
