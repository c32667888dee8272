// Package keydir resolves recipient addresses to public keys, consulting the
// local contact cache before remote lookup services.
package keydir

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hal9000y/gmail-pgp/internal/contacts"
	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/keyserver"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

// OutcomeKind tells how a lookup ended.
type OutcomeKind int

const (
	Found OutcomeKind = iota
	NotFound
	Failed
	InvalidAddress
)

func (k OutcomeKind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	case InvalidAddress:
		return "invalid_address"
	}
	return "unknown"
}

// LookupOutcome is the result of resolving one address.
type LookupOutcome struct {
	Kind OutcomeKind
	// Key is set when Kind is Found. It may be expired.
	Key              *model.PublicKey
	Attested         bool
	HasNativeSupport bool
	// Err is set when Kind is Failed.
	Err error
}

type remoteLookup interface {
	LookupEmail(ctx context.Context, email string) (keyserver.Result, error)
}

type keyParser interface {
	ParseKey(armored string) (*model.PublicKey, error)
}

// Directory resolves addresses to keys.
type Directory struct {
	cache  contacts.Store
	remote remoteLookup
	parser keyParser
	now    func() time.Time
	// started bounds the negative lookups answered from cache: a has_pgp=false
	// entry checked before this instant is looked up again.
	started time.Time
}

// New creates a Directory.
func New(cache contacts.Store, remote remoteLookup, parser keyParser) *Directory {
	return NewWithClock(cache, remote, parser, time.Now)
}

// NewWithClock creates a Directory reading the time from now.
func NewWithClock(cache contacts.Store, remote remoteLookup, parser keyParser, now func() time.Time) *Directory {
	return &Directory{
		cache:   cache,
		remote:  remote,
		parser:  parser,
		now:     now,
		started: now(),
	}
}

// Resolve returns the key of email. A cached key is returned without any
// remote call.
func (d *Directory) Resolve(ctx context.Context, email string) LookupOutcome {
	email = model.NormalizeEmail(email)
	if !model.ValidEmail(email) {
		return LookupOutcome{Kind: InvalidAddress}
	}

	cached, err := d.cache.Get(ctx, email)
	if err != nil && !errors.Is(err, contacts.ErrNotFound) {
		log.Println(fmt.Errorf("cache.Get failed: %w", err))
	}

	if cached != nil && cached.HasPGP && cached.Pubkey != "" {
		if out, ok := d.fromCache(cached); ok {
			return out
		}
	}
	if cached != nil && !cached.HasPGP && !cached.LastCheck.Before(d.started) {
		return LookupOutcome{Kind: NotFound, HasNativeSupport: cached.NativeClient}
	}

	return d.lookup(ctx, email)
}

// Refresh looks email up remotely, ignoring the cache.
func (d *Directory) Refresh(ctx context.Context, email string) LookupOutcome {
	email = model.NormalizeEmail(email)
	if !model.ValidEmail(email) {
		return LookupOutcome{Kind: InvalidAddress}
	}

	return d.lookup(ctx, email)
}

func (d *Directory) fromCache(c *contacts.Contact) (LookupOutcome, bool) {
	pk, err := d.parser.ParseKey(c.Pubkey)
	if pk == nil {
		log.Printf("Cached key of %s is unreadable, looking it up again: %v", c.Email, err)
		return LookupOutcome{}, false
	}
	if c.NativeClient {
		pk.Source = model.Self
	}

	return LookupOutcome{
		Kind:             Found,
		Key:              pk,
		Attested:         c.Attested,
		HasNativeSupport: c.NativeClient,
	}, true
}

func (d *Directory) lookup(ctx context.Context, email string) LookupOutcome {
	const op = "keydir.Resolve"

	res, err := d.remote.LookupEmail(ctx, email)
	if err != nil {
		kind := errs.LookupFailed
		if ctx.Err() != nil {
			kind = errs.Cancelled
		}
		return LookupOutcome{Kind: Failed, Err: errs.Wrap(kind, op, err)}
	}

	now := d.now()
	if !res.Found {
		d.persist(ctx, email, contacts.Update{
			HasPGP:       ptr(false),
			Pubkey:       ptr(""),
			Fingerprint:  ptr(""),
			Attested:     ptr(false),
			NativeClient: ptr(res.HasNativeSupport),
			LastCheck:    &now,
		})
		return LookupOutcome{Kind: NotFound, HasNativeSupport: res.HasNativeSupport}
	}

	pk, err := d.parser.ParseKey(res.PubKey)
	if err != nil || pk == nil {
		log.Printf("No usable key for %s: %v", email, err)
		d.persist(ctx, email, contacts.Update{
			HasPGP:       ptr(false),
			Pubkey:       ptr(""),
			Fingerprint:  ptr(""),
			NativeClient: ptr(res.HasNativeSupport),
			LastCheck:    &now,
		})
		return LookupOutcome{Kind: NotFound, HasNativeSupport: res.HasNativeSupport}
	}
	if res.HasNativeSupport {
		pk.Source = model.Self
	}

	d.persist(ctx, email, contacts.Update{
		HasPGP:       ptr(true),
		Pubkey:       ptr(pk.Armored),
		Fingerprint:  ptr(pk.Fingerprint),
		Attested:     ptr(res.Attested),
		NativeClient: ptr(res.HasNativeSupport),
		LastCheck:    &now,
	})

	return LookupOutcome{
		Kind:             Found,
		Key:              pk,
		Attested:         res.Attested,
		HasNativeSupport: res.HasNativeSupport,
	}
}

func (d *Directory) persist(ctx context.Context, email string, u contacts.Update) {
	if ctx.Err() != nil {
		return
	}
	if err := d.cache.Update(ctx, email, u); err != nil {
		log.Println(fmt.Errorf("cache.Update failed: %w", err))
	}
}

func ptr[T any](v T) *T {
	return &v
}
