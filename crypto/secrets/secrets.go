// Package secrets manages the engine signing secret: a random 256-bit key
// persisted to disk, used to mint admin API tokens and to sign webhook
// payloads for subscriptions that do not carry their own secret. The key file
// is watched for changes so that operators can rotate it without a restart.
package secrets

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/questline/questline/io/file"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "secrets")

// SecretLength is the key size in bytes.
const SecretLength = 32

// Store holds the active signing secret and refreshes it when the backing
// file changes.
type Store struct {
	mu     sync.RWMutex
	path   string
	secret []byte
}

// New loads the signing secret from path, generating and persisting a fresh
// one when no file exists yet.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("secret file path is empty")
	}
	s := &Store{path: path}
	if file.Exists(path) {
		if err := s.reload(); err != nil {
			return nil, err
		}
		return s, nil
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	s.secret = secret
	log.Infof("Generating signing secret and saving it to %s", path)
	if err := saveSecretFile(path, secret); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromHex builds a store around a hex-encoded key supplied out of band,
// typically through the environment. The store has no backing file, so
// WatchChanges rotation does not apply.
func NewFromHex(encoded string) (*Store, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "could not decode secret")
	}
	if len(secret) != SecretLength {
		return nil, errors.Errorf("secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	return &Store{secret: secret}, nil
}

// Secret returns a copy of the current signing key.
func (s *Store) Secret() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.secret))
	copy(out, s.secret)
	return out
}

// Sign computes the hex-encoded HMAC-SHA256 of payload under the current key.
func (s *Store) Sign(payload []byte) string {
	return SignWith(s.Secret(), payload)
}

// IssueToken mints an HS256 JWT with the given subject, valid for ttl.
func (s *Store) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.Secret())
	if err != nil {
		return "", errors.Wrap(err, "could not sign token")
	}
	return tokenString, nil
}

// VerifyToken parses and verifies an HS256 JWT, returning its subject.
func (s *Store) VerifyToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.Secret(), nil
	})
	if err != nil {
		return "", errors.Wrap(err, "could not parse token")
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// WatchChanges blocks, reloading the secret whenever the backing file is
// modified. A removed file keeps the last known secret in memory and logs an
// error. Returns when the context is cancelled. Stores built from an out of
// band key have no file to watch and return immediately.
func (s *Store) WatchChanges(ctx context.Context) {
	if s.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Error("Could not initialize file watcher")
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Error("Could not close file watcher")
		}
	}()
	if err := watcher.Add(s.path); err != nil {
		log.WithError(err).Errorf("Could not add file %s to file watcher", s.path)
		return
	}
	for {
		select {
		case event := <-watcher.Events:
			if event.Op&fsnotify.Remove != 0 {
				log.Error("Signing secret file was removed, keeping last known secret in memory")
				continue
			}
			if err := s.reload(); err != nil {
				log.WithError(err).Errorf("Could not reload secret from %s", s.path)
				continue
			}
			log.Info("Signing secret rotated")
		case err := <-watcher.Errors:
			log.WithError(err).Errorf("Could not watch for file changes for: %s", s.path)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) reload() error {
	f, err := os.Open(filepath.Clean(s.path))
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Error(err)
		}
	}()
	secret, err := readSecretFile(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
	return nil
}

// GenerateSecret returns a fresh random 256-bit key.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretLength)
	n, err := rand.Read(secret)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate secret")
	}
	if n != SecretLength {
		return nil, errors.New("could not read enough entropy for secret")
	}
	return secret, nil
}

// SignWith computes the hex-encoded HMAC-SHA256 of payload under key.
func SignWith(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is a valid HMAC-SHA256 of
// payload under key. Comparison is constant time.
func VerifySignature(key, payload []byte, signature string) bool {
	expected := SignWith(key, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func saveSecretFile(path string, secret []byte) error {
	if err := file.MkdirAll(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "could not create directory %s", filepath.Dir(path))
	}
	data := hex.EncodeToString(secret) + "\n"
	if err := file.WriteFile(path, []byte(data)); err != nil {
		return errors.Wrapf(err, "could not write to file %s", path)
	}
	return nil
}

func readSecretFile(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) != 1 {
		return nil, errors.New("secret file must contain a single hex-encoded 256-bit key")
	}
	secret, err := hex.DecodeString(lines[0])
	if err != nil {
		return nil, errors.Wrap(err, "could not decode secret")
	}
	if len(secret) != SecretLength {
		return nil, errors.Errorf("secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	return secret, nil
}
