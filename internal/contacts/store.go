// Package contacts is the local cache of recipients and their public keys.
package contacts

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no contact is cached for an email.
var ErrNotFound = errors.New("contact not found")

// Contact is a cached lookup result for one address.
type Contact struct {
	Email string `db:"email"`
	Name  string `db:"name"`
	// HasPGP is true when a usable public key is known for the address.
	HasPGP      bool   `db:"has_pgp"`
	Pubkey      string `db:"pubkey"`
	Fingerprint string `db:"fingerprint"`
	Attested    bool   `db:"attested"`
	// NativeClient is true when the key was published by a client of the same
	// system as the sender.
	NativeClient bool      `db:"native_client"`
	LastCheck    time.Time `db:"last_check"`
	LastUse      time.Time `db:"last_use"`
}

// Update holds the fields to change on an existing contact. Nil fields are
// left untouched.
type Update struct {
	Name         *string
	HasPGP       *bool
	Pubkey       *string
	Fingerprint  *string
	Attested     *bool
	NativeClient *bool
	LastCheck    *time.Time
	LastUse      *time.Time
}

// Store is the key/value capability the pipeline uses for its contact cache.
type Store interface {
	Get(ctx context.Context, email string) (*Contact, error)
	Save(ctx context.Context, c Contact) error
	Update(ctx context.Context, email string, u Update) error
	Search(ctx context.Context, substring string) ([]Contact, error)
}
