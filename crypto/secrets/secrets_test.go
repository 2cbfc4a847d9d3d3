package secrets

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
	"github.com/questline/questline/testing/util"
)

func TestNew_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	s, err := New(path)
	require.NoError(t, err)
	require.Equal(t, SecretLength, len(s.Secret()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	require.DeepEqual(t, s.Secret(), decoded)

	// A second store over the same path loads the same key.
	s2, err := New(path)
	require.NoError(t, err)
	assert.DeepEqual(t, s.Secret(), s2.Secret())
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New("")
	assert.ErrorContains(t, "secret file path is empty", err)
}

func TestReadSecretFile_Malformed(t *testing.T) {
	_, err := readSecretFile(bytes.NewBufferString("line one\nline two\n"))
	assert.ErrorContains(t, "single hex-encoded 256-bit key", err)

	_, err = readSecretFile(bytes.NewBufferString("not-hex\n"))
	assert.ErrorContains(t, "could not decode secret", err)

	_, err = readSecretFile(bytes.NewBufferString("abcd\n"))
	assert.ErrorContains(t, "secret must be 32 bytes", err)
}

func TestSecret_ReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	s, err := New(path)
	require.NoError(t, err)
	first := s.Secret()
	first[0] ^= 0xff
	assert.DeepNotEqual(t, first, s.Secret(), "mutating the returned slice must not change the store")
}

func TestTokens_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	s, err := New(path)
	require.NoError(t, err)

	token, err := s.IssueToken("admin", time.Minute)
	require.NoError(t, err)

	subject, err := s.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestVerifyToken_WrongKey(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(filepath.Join(dir, "a.key"))
	require.NoError(t, err)
	s2, err := New(filepath.Join(dir, "b.key"))
	require.NoError(t, err)

	token, err := s1.IssueToken("admin", time.Minute)
	require.NoError(t, err)
	_, err = s2.VerifyToken(token)
	assert.ErrorContains(t, "could not parse token", err)
}

func TestVerifyToken_Expired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	s, err := New(path)
	require.NoError(t, err)

	token, err := s.IssueToken("admin", -time.Minute)
	require.NoError(t, err)
	_, err = s.VerifyToken(token)
	assert.ErrorContains(t, "expired", err)
}

func TestSignatures(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	payload := []byte(`{"event":"points.awarded"}`)

	sig := SignWith(key, payload)
	assert.Equal(t, true, VerifySignature(key, payload, sig))
	assert.Equal(t, false, VerifySignature(key, []byte("tampered"), sig))

	other, err := GenerateSecret()
	require.NoError(t, err)
	assert.Equal(t, false, VerifySignature(other, payload, sig))
}

func TestNewFromHex(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)

	s, err := NewFromHex(hex.EncodeToString(key) + "\n")
	require.NoError(t, err)
	assert.DeepEqual(t, key, s.Secret())

	payload := []byte(`{"event":"points.awarded"}`)
	assert.Equal(t, true, VerifySignature(key, payload, s.Sign(payload)))
}

func TestNewFromHex_Malformed(t *testing.T) {
	_, err := NewFromHex("not-hex")
	assert.ErrorContains(t, "could not decode secret", err)

	_, err = NewFromHex("abcd")
	assert.ErrorContains(t, "secret must be 32 bytes", err)
}

func TestWatchChanges_NoBackingFile(t *testing.T) {
	key, err := GenerateSecret()
	require.NoError(t, err)
	s, err := NewFromHex(hex.EncodeToString(key))
	require.NoError(t, err)

	w := util.NewWaiter()
	go func() {
		s.WatchChanges(context.Background())
		w.Done()
	}()
	w.RequireDoneAfter(t, time.Second)
}

func TestReload_PicksUpRotatedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	s, err := New(path)
	require.NoError(t, err)
	old := s.Secret()

	next, err := GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(next)+"\n"), 0600))

	require.NoError(t, s.reload())
	assert.DeepEqual(t, next, s.Secret())
	assert.DeepNotEqual(t, old, s.Secret())
}
