// Package credential keeps secrets such as key passphrases in the system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const passphrasePrefix = "passphrase:"

// Store reads and writes secrets in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring for service, falling back to an encrypted
// file keyring under fileDir.
func Open(service, fileDir, filePassword string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get returns the secret stored under key. The bool is false when nothing is stored.
func (s *Store) Get(key string) (string, bool, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), true, nil
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes key. Removing a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Passphrase returns the remembered passphrase of the key with fingerprint.
func (s *Store) Passphrase(fingerprint string) (string, bool, error) {
	return s.Get(passphrasePrefix + fingerprint)
}

// SavePassphrase remembers the passphrase of the key with fingerprint.
func (s *Store) SavePassphrase(fingerprint, passphrase string) error {
	return s.Set(passphrasePrefix+fingerprint, passphrase)
}

// ForgetPassphrase drops a remembered passphrase.
func (s *Store) ForgetPassphrase(fingerprint string) error {
	return s.Delete(passphrasePrefix + fingerprint)
}
