// Package pgptest generates throwaway OpenPGP keys for tests.
package pgptest

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Key is a generated key pair.
type Key struct {
	Entity         *openpgp.Entity
	ArmoredPublic  string
	ArmoredPrivate string
}

// Options tweak key generation.
type Options struct {
	// Passphrase locks the private key when not empty.
	Passphrase string
	// Created overrides the creation time.
	Created time.Time
	// Lifetime sets a key expiration.
	Lifetime time.Duration
}

// NewKey generates an EdDSA/ECDH key for email.
func NewKey(t *testing.T, email string, opts Options) *Key {
	t.Helper()

	cfg := &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA}
	if !opts.Created.IsZero() {
		created := opts.Created
		cfg.Time = func() time.Time { return created }
	}
	if opts.Lifetime > 0 {
		cfg.KeyLifetimeSecs = uint32(opts.Lifetime / time.Second)
	}

	name := strings.SplitN(email, "@", 2)[0]
	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		t.Fatalf("openpgp.NewEntity: %v", err)
	}

	pub := armorEntity(t, openpgp.PublicKeyType, func(w *bytes.Buffer) error {
		aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
		if err != nil {
			return err
		}
		if err := entity.Serialize(aw); err != nil {
			return err
		}
		return aw.Close()
	})

	if opts.Passphrase != "" {
		if err := entity.PrivateKey.Encrypt([]byte(opts.Passphrase)); err != nil {
			t.Fatalf("PrivateKey.Encrypt: %v", err)
		}
		for _, sub := range entity.Subkeys {
			if err := sub.PrivateKey.Encrypt([]byte(opts.Passphrase)); err != nil {
				t.Fatalf("subkey Encrypt: %v", err)
			}
		}
	}

	priv := armorEntity(t, openpgp.PrivateKeyType, func(w *bytes.Buffer) error {
		aw, err := armor.Encode(w, openpgp.PrivateKeyType, nil)
		if err != nil {
			return err
		}
		if err := entity.SerializePrivateWithoutSigning(aw, nil); err != nil {
			return err
		}
		return aw.Close()
	})

	return &Key{Entity: entity, ArmoredPublic: pub, ArmoredPrivate: priv}
}

func armorEntity(t *testing.T, blockType string, write func(*bytes.Buffer) error) string {
	t.Helper()

	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		t.Fatalf("armor %s: %v", blockType, err)
	}
	return buf.String()
}

// Decrypt opens an armored message with the given keys or password.
func Decrypt(t *testing.T, armored string, keys openpgp.EntityList, password string) string {
	t.Helper()

	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		t.Fatalf("armor.Decode: %v", err)
	}

	return readMessage(t, block.Body, keys, password)
}

// DecryptBinary opens an unarmored message.
func DecryptBinary(t *testing.T, data []byte, keys openpgp.EntityList, password string) string {
	t.Helper()

	return readMessage(t, bytes.NewReader(data), keys, password)
}

func readMessage(t *testing.T, r io.Reader, keys openpgp.EntityList, password string) string {
	t.Helper()

	tried := false
	prompt := func(_ []openpgp.Key, symmetric bool) ([]byte, error) {
		if !symmetric || password == "" || tried {
			return nil, errWrongPassword
		}
		tried = true
		return []byte(password), nil
	}

	md, err := openpgp.ReadMessage(r, keys, prompt, nil)
	if err != nil {
		t.Fatalf("openpgp.ReadMessage: %v", err)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(md.UnverifiedBody); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return out.String()
}

type promptError string

func (e promptError) Error() string { return string(e) }

const errWrongPassword = promptError("no password available")
