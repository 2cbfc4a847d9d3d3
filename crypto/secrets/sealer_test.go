package secrets

import (
	"path/filepath"
	"testing"

	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	plaintext := []byte("user api credentials")

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.DeepNotEqual(t, plaintext, sealed)

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.DeepEqual(t, plaintext, opened)
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	a, err := Seal(key, []byte("x"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("x"))
	require.NoError(t, err)
	assert.DeepNotEqual(t, a, b, "two seals of the same plaintext must differ")
}

func TestOpen_RejectsTampering(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = Open(key, sealed)
	assert.ErrorContains(t, "could not authenticate sealed blob", err)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	other, err := GenerateSecret()
	require.NoError(t, err)
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(other, sealed)
	assert.ErrorContains(t, "could not authenticate sealed blob", err)
}

func TestOpen_RejectsShortBlob(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	_, err = Open(key, []byte{1, 2, 3})
	assert.ErrorContains(t, "sealed blob is too short", err)
}

func TestSeal_RejectsBadKeyLength(t *testing.T) {
	_, err := Seal([]byte("short"), []byte("payload"))
	assert.ErrorContains(t, "key must be 32 bytes", err)
}

func TestWipe(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)
	require.Equal(t, SecretLength, len(s.Secret()))
	s.Wipe()
	assert.Equal(t, 0, len(s.Secret()))
}
