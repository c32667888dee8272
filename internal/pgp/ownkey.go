package pgp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/hal9000y/gmail-pgp/internal/errs"
)

var (
	// ErrNeedsPassphrase means the private key is protected and no passphrase was given.
	ErrNeedsPassphrase = errors.New("private key needs a passphrase")
	// ErrWrongPassphrase means the passphrase did not unlock the private key.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// OwnKey is the sender's key pair.
type OwnKey struct {
	armoredPrivate string
	public         *openpgp.Entity
}

// LoadOwnKey reads an armored private key from path.
func LoadOwnKey(path string) (*OwnKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile failed: %w", err)
	}

	return NewOwnKey(string(raw))
}

// NewOwnKey parses an armored private key.
func NewOwnKey(armoredPrivate string) (*OwnKey, error) {
	entity, err := readEntity(armoredPrivate)
	if err != nil {
		return nil, err
	}
	if entity.PrivateKey == nil {
		return nil, errors.New("armored block holds no private key")
	}

	return &OwnKey{armoredPrivate: armoredPrivate, public: entity}, nil
}

// Fingerprint returns the fingerprint of the primary key.
func (k *OwnKey) Fingerprint() string {
	return Fingerprint(k.public)
}

// PublicKeyArmored returns the armored public part of the key.
func (k *OwnKey) PublicKeyArmored() (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("armor.Encode failed: %w", err)
	}
	if err := k.public.Serialize(w); err != nil {
		return "", fmt.Errorf("entity.Serialize failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("armor close failed: %w", err)
	}

	return buf.String(), nil
}

// Locked reports whether any private key packet is passphrase protected.
func (k *OwnKey) Locked() bool {
	if k.public.PrivateKey != nil && k.public.PrivateKey.Encrypted {
		return true
	}
	for _, sub := range k.public.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			return true
		}
	}
	return false
}

// Decrypt returns a fresh copy of the key with its private parts unlocked.
func (k *OwnKey) Decrypt(passphrase string) (*openpgp.Entity, error) {
	entity, err := readEntity(k.armoredPrivate)
	if err != nil {
		return nil, err
	}

	if !k.Locked() {
		return entity, nil
	}
	if passphrase == "" {
		return nil, ErrNeedsPassphrase
	}

	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return nil, ErrWrongPassphrase
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, ErrWrongPassphrase
			}
		}
	}

	return entity, nil
}

type passphraseMemory interface {
	Passphrase(fingerprint string) (string, bool, error)
	SavePassphrase(fingerprint, passphrase string) error
}

type passphraseAsker interface {
	Request(ctx context.Context, fingerprint string, timeout time.Duration) (string, error)
}

// Unlocker turns the own key into a usable signing key, asking for the
// passphrase when needed.
type Unlocker struct {
	key      *OwnKey
	memory   passphraseMemory
	asker    passphraseAsker
	timeout  time.Duration
	remember bool
}

// NewUnlocker creates an Unlocker. memory may be nil. A remembered passphrase
// is stored back in memory only when remember is set.
func NewUnlocker(key *OwnKey, memory passphraseMemory, asker passphraseAsker, timeout time.Duration, remember bool) *Unlocker {
	return &Unlocker{key: key, memory: memory, asker: asker, timeout: timeout, remember: remember}
}

// Key returns the own key.
func (u *Unlocker) Key() *OwnKey {
	return u.key
}

// Unlock returns the decrypted own key. A prompt left unanswered past the
// timeout yields a Cancelled error.
func (u *Unlocker) Unlock(ctx context.Context) (*openpgp.Entity, error) {
	const op = "pgp.Unlock"

	entity, err := u.key.Decrypt("")
	if err == nil {
		return entity, nil
	}
	if !errors.Is(err, ErrNeedsPassphrase) {
		return nil, errs.Wrap(errs.Crypto, op, err)
	}

	fp := u.key.Fingerprint()
	if u.memory != nil {
		pass, ok, err := u.memory.Passphrase(fp)
		if err != nil {
			log.Println(fmt.Errorf("memory.Passphrase failed: %w", err))
		}
		if ok {
			if entity, err := u.key.Decrypt(pass); err == nil {
				return entity, nil
			}
			log.Printf("Remembered passphrase for %s no longer unlocks the key", fp)
		}
	}

	if u.asker == nil {
		return nil, errs.Wrap(errs.Crypto, op, ErrNeedsPassphrase)
	}
	pass, err := u.asker.Request(ctx, fp, u.timeout)
	if err != nil {
		return nil, errs.Normalize(err, op, errs.Cancelled)
	}

	entity, err = u.key.Decrypt(pass)
	if errors.Is(err, ErrWrongPassphrase) {
		return nil, errs.Invalid(op, "passphrase", "The pass phrase did not match. Please try again.")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, err)
	}

	if u.remember && u.memory != nil {
		if err := u.memory.SavePassphrase(fp, pass); err != nil {
			log.Println(fmt.Errorf("memory.SavePassphrase failed: %w", err))
		}
	}

	return entity, nil
}
