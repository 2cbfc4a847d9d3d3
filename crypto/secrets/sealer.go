package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

// NonceLength is the GCM nonce size in bytes, prepended to every sealed blob.
const NonceLength = 12

// Seal encrypts plaintext with AES-256-GCM under key. The returned blob is
// nonce || ciphertext || tag. A fresh random nonce is drawn per call.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "could not generate nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceLength {
		return nil, errors.New("sealed blob is too short")
	}
	nonce, ciphertext := sealed[:NonceLength], sealed[NonceLength:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not authenticate sealed blob")
	}
	return plaintext, nil
}

// SealValue encrypts plaintext under the store's current key.
func (s *Store) SealValue(plaintext []byte) ([]byte, error) {
	return Seal(s.Secret(), plaintext)
}

// OpenValue decrypts a blob sealed under the store's current key.
func (s *Store) OpenValue(sealed []byte) ([]byte, error) {
	return Open(s.Secret(), sealed)
}

// Wipe zeroes the in-memory key material. The store is unusable afterwards.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != SecretLength {
		return nil, errors.Errorf("key must be %d bytes, got %d", SecretLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not construct cipher")
	}
	return cipher.NewGCMWithNonceSize(block, NonceLength)
}
