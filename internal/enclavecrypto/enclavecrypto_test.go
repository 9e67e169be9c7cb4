package enclavecrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSecret(fill byte) SecretKey {
	var s SecretKey
	for i := range s {
		s[i] = fill + byte(i)
	}
	return s
}

func TestSealOpenSecretRoundTrip(t *testing.T) {
	recipient, err := GenerateEphemeralKeypair()
	require.NoError(t, err)
	defer recipient.Destroy()

	secret := newTestSecret(1)

	sealed, err := SealSecret(secret, recipient.Public, "track-secret")
	require.NoError(t, err)
	require.Greater(t, len(sealed), KeySize)

	opened, err := OpenSecret(sealed, recipient, "track-secret")
	require.NoError(t, err)
	require.Equal(t, secret, opened)
}

func TestOpenSecretRejectsTamperedCiphertext(t *testing.T) {
	recipient, err := GenerateEphemeralKeypair()
	require.NoError(t, err)
	defer recipient.Destroy()

	secret := newTestSecret(2)

	sealed, err := SealSecret(secret, recipient.Public, "track-secret")
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF

	_, err = OpenSecret(sealed, recipient, "track-secret")
	require.Error(t, err)
}

func TestOpenSecretRejectsWrongLabel(t *testing.T) {
	recipient, err := GenerateEphemeralKeypair()
	require.NoError(t, err)
	defer recipient.Destroy()

	secret := newTestSecret(3)

	sealed, err := SealSecret(secret, recipient.Public, "track-secret")
	require.NoError(t, err)

	_, err = OpenSecret(sealed, recipient, "wrong-label")
	require.Error(t, err)
}

func TestHybridDecryptRoundTrip(t *testing.T) {
	secret := newTestSecret(200)

	trackPublic, err := PublicKeyFromSecret(secret)
	require.NoError(t, err)

	pushID := []byte("opaque-push-identifier-bytes-of-arbitrary-length")

	encrypted, err := SealPushID(pushID, trackPublic, "push-id")
	require.NoError(t, err)

	plain, err := HybridDecrypt(encrypted, secret, "push-id")
	require.NoError(t, err)
	require.Equal(t, pushID, plain)
}

func TestHybridDecryptRejectsWrongSecret(t *testing.T) {
	secret := newTestSecret(5)
	trackPublic, err := PublicKeyFromSecret(secret)
	require.NoError(t, err)

	encrypted, err := SealPushID([]byte("identifier"), trackPublic, "push-id")
	require.NoError(t, err)

	wrongSecret := newTestSecret(9)
	_, err = HybridDecrypt(encrypted, wrongSecret, "push-id")
	require.Error(t, err)
}
