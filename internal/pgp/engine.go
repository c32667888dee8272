// Package pgp is the OpenPGP boundary of the pipeline: key parsing,
// encryption to keys and/or a password, cleartext signing and the sender's
// own key.
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

const messageType = "PGP MESSAGE"

var (
	// ErrNoEncryptionKey means a key parsed but has no usable encryption subkey.
	ErrNoEncryptionKey = errors.New("no usable encryption key")
	// ErrNoRecipients means Encrypt got neither keys nor a password.
	ErrNoRecipients = errors.New("no keys and no password to encrypt to")
	// ErrKeyLocked means a private key is still protected by its passphrase.
	ErrKeyLocked = errors.New("private key is locked")
)

// Engine implements the crypto operations on ProtonMail/go-crypto.
type Engine struct {
	config *packet.Config
}

// NewEngine returns an engine. A nil config uses library defaults.
func NewEngine(config *packet.Config) *Engine {
	return &Engine{config: config}
}

func (e *Engine) now() time.Time {
	return e.config.Now()
}

// ParseKey parses an armored public key.
func (e *Engine) ParseKey(armored string) (*model.PublicKey, error) {
	entity, err := readEntity(armored)
	if err != nil {
		return nil, err
	}

	now := e.now()
	_, usable := entity.EncryptionKey(now)
	pk := &model.PublicKey{
		Armored:             armored,
		Fingerprint:         Fingerprint(entity),
		ExpiresAt:           expiry(entity),
		UsableForEncryption: usable,
		Source:              model.ThirdPartyPgp,
	}
	if !usable && !pk.Expired(now) {
		return pk, fmt.Errorf("%w: %s", ErrNoEncryptionKey, pk.Fingerprint)
	}

	return pk, nil
}

// Fingerprint returns the upper case hex fingerprint of the primary key.
func Fingerprint(entity *openpgp.Entity) string {
	return fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)
}

func readEntity(armored string) (*openpgp.Entity, error) {
	if strings.TrimSpace(armored) == "" {
		return nil, errors.New("empty key")
	}
	list, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("openpgp.ReadArmoredKeyRing failed: %w", err)
	}
	if len(list) == 0 {
		return nil, errors.New("no key in armored block")
	}

	return list[0], nil
}

// expiry returns when the key stops being usable, taking the primary key
// and the latest encryption subkey into account.
func expiry(entity *openpgp.Entity) *time.Time {
	var primary *time.Time
	if ident := entity.PrimaryIdentity(); ident != nil && ident.SelfSignature != nil {
		if secs := ident.SelfSignature.KeyLifetimeSecs; secs != nil && *secs > 0 {
			t := entity.PrimaryKey.CreationTime.Add(time.Duration(*secs) * time.Second)
			primary = &t
		}
	}

	var latest *time.Time
	for _, sub := range entity.Subkeys {
		if sub.Sig == nil || !sub.Sig.FlagsValid || !(sub.Sig.FlagEncryptCommunications || sub.Sig.FlagEncryptStorage) {
			continue
		}
		if sub.Sig.KeyLifetimeSecs == nil || *sub.Sig.KeyLifetimeSecs == 0 {
			latest = nil
			break
		}
		t := sub.PublicKey.CreationTime.Add(time.Duration(*sub.Sig.KeyLifetimeSecs) * time.Second)
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}

	switch {
	case primary == nil:
		return latest
	case latest == nil:
		return primary
	case latest.Before(*primary):
		return latest
	default:
		return primary
	}
}

// Encrypt encrypts plaintext to every armored key in pubkeys and, when
// password is not empty, to the password as well. The result is armored.
func (e *Engine) Encrypt(plaintext []byte, pubkeys []string, password string) (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", fmt.Errorf("armor.Encode failed: %w", err)
	}
	if err := e.encryptTo(aw, plaintext, pubkeys, password, false); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("armor close failed: %w", err)
	}

	return buf.String(), nil
}

// EncryptBinary is Encrypt without armor, used for file attachments.
func (e *Engine) EncryptBinary(data []byte, pubkeys []string, password string) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.encryptTo(&buf, data, pubkeys, password, true); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (e *Engine) encryptTo(w io.Writer, data []byte, pubkeys []string, password string, binary bool) error {
	to := make(openpgp.EntityList, 0, len(pubkeys))
	for _, armored := range pubkeys {
		entity, err := readEntity(armored)
		if err != nil {
			return fmt.Errorf("recipient key: %w", err)
		}
		to = append(to, entity)
	}

	hints := &openpgp.FileHints{IsBinary: binary}

	var (
		pt  io.WriteCloser
		err error
	)
	switch {
	case len(to) == 0 && password == "":
		return ErrNoRecipients
	case password == "":
		pt, err = openpgp.Encrypt(w, to, nil, hints, e.config)
	case len(to) == 0:
		pt, err = openpgp.SymmetricallyEncrypt(w, []byte(password), hints, e.config)
	default:
		pt, err = e.encryptToKeysAndPassword(w, to, []byte(password), binary)
	}
	if err != nil {
		return fmt.Errorf("encrypt failed: %w", err)
	}

	if _, err := pt.Write(data); err != nil {
		return fmt.Errorf("encrypt write failed: %w", err)
	}
	if err := pt.Close(); err != nil {
		return fmt.Errorf("encrypt close failed: %w", err)
	}

	return nil
}

// encryptToKeysAndPassword writes one session key wrapped for every entity
// and once more for the password, so either can open the message.
func (e *Engine) encryptToKeysAndPassword(w io.Writer, to openpgp.EntityList, password []byte, binary bool) (io.WriteCloser, error) {
	cipher := e.config.Cipher()
	sessionKey := make([]byte, cipher.KeySize())
	if _, err := io.ReadFull(e.config.Random(), sessionKey); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}

	now := e.now()
	for _, entity := range to {
		key, ok := entity.EncryptionKey(now)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoEncryptionKey, Fingerprint(entity))
		}
		if err := packet.SerializeEncryptedKey(w, key.PublicKey, cipher, sessionKey, e.config); err != nil {
			return nil, fmt.Errorf("packet.SerializeEncryptedKey failed: %w", err)
		}
	}
	if err := packet.SerializeSymmetricKeyEncryptedReuseKey(w, sessionKey, password, e.config); err != nil {
		return nil, fmt.Errorf("packet.SerializeSymmetricKeyEncryptedReuseKey failed: %w", err)
	}

	contents, err := packet.SerializeSymmetricallyEncrypted(w, cipher, false, packet.CipherSuite{}, sessionKey, e.config)
	if err != nil {
		return nil, fmt.Errorf("packet.SerializeSymmetricallyEncrypted failed: %w", err)
	}

	return packet.SerializeLiteral(contents, binary, "", uint32(now.Unix()))
}

// Sign produces a cleartext signed message with the signing key of entity.
func (e *Engine) Sign(plaintext []byte, entity *openpgp.Entity) (string, error) {
	key, ok := entity.SigningKey(e.now())
	if !ok || key.PrivateKey == nil {
		return "", fmt.Errorf("no signing key in %s", Fingerprint(entity))
	}
	if key.PrivateKey.Encrypted {
		return "", ErrKeyLocked
	}

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, key.PrivateKey, e.config)
	if err != nil {
		return "", fmt.Errorf("clearsign.Encode failed: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("clearsign write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("clearsign close failed: %w", err)
	}

	return buf.String(), nil
}
