package keydir_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-pgp/internal/contacts"
	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/keydir"
	"github.com/hal9000y/gmail-pgp/internal/keyserver"
	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/pgp"
	"github.com/hal9000y/gmail-pgp/internal/pgp/pgptest"
)

type remoteMock struct {
	lookupFn func(email string) (keyserver.Result, error)
	calls    int
}

func (m *remoteMock) LookupEmail(_ context.Context, email string) (keyserver.Result, error) {
	m.calls++
	if m.lookupFn == nil {
		return keyserver.Result{}, nil
	}
	return m.lookupFn(email)
}

func newCache(t *testing.T) *contacts.SQLiteStore {
	t.Helper()

	s, err := contacts.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestResolveCachedKeySkipsRemote(t *testing.T) {
	ctx := context.Background()
	key := pgptest.NewKey(t, "a@x.com", pgptest.Options{})
	cache := newCache(t)
	require.NoError(t, cache.Save(ctx, contacts.Contact{
		Email:    "a@x.com",
		HasPGP:   true,
		Pubkey:   key.ArmoredPublic,
		Attested: true,
	}))
	remote := &remoteMock{}

	dir := keydir.New(cache, remote, pgp.NewEngine(nil))
	out := dir.Resolve(ctx, "A@X.com")

	require.Equal(t, keydir.Found, out.Kind)
	assert.True(t, out.Attested)
	assert.Equal(t, pgp.Fingerprint(key.Entity), out.Key.Fingerprint)
	assert.Equal(t, 0, remote.calls)
}

func TestResolveRemoteFoundIsPersisted(t *testing.T) {
	ctx := context.Background()
	key := pgptest.NewKey(t, "b@y.com", pgptest.Options{})
	cache := newCache(t)
	remote := &remoteMock{lookupFn: func(string) (keyserver.Result, error) {
		return keyserver.Result{Found: true, PubKey: key.ArmoredPublic, HasNativeSupport: true}, nil
	}}

	dir := keydir.New(cache, remote, pgp.NewEngine(nil))
	out := dir.Resolve(ctx, "b@y.com")

	require.Equal(t, keydir.Found, out.Kind)
	assert.Equal(t, model.Self, out.Key.Source)
	assert.True(t, out.HasNativeSupport)

	c, err := cache.Get(ctx, "b@y.com")
	require.NoError(t, err)
	assert.True(t, c.HasPGP)
	assert.True(t, c.NativeClient)
	assert.Equal(t, out.Key.Fingerprint, c.Fingerprint)

	out = dir.Resolve(ctx, "b@y.com")
	require.Equal(t, keydir.Found, out.Kind)
	assert.Equal(t, 1, remote.calls)
}

func TestResolveNegativeIsRememberedForTheSession(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	cache := newCache(t)
	remote := &remoteMock{}

	dir := keydir.NewWithClock(cache, remote, pgp.NewEngine(nil), func() time.Time { return now })
	assert.Equal(t, keydir.NotFound, dir.Resolve(ctx, "none@y.com").Kind)
	assert.Equal(t, keydir.NotFound, dir.Resolve(ctx, "none@y.com").Kind)
	assert.Equal(t, 1, remote.calls)

	c, err := cache.Get(ctx, "none@y.com")
	require.NoError(t, err)
	assert.False(t, c.HasPGP)

	later := now.Add(time.Hour)
	next := keydir.NewWithClock(cache, remote, pgp.NewEngine(nil), func() time.Time { return later })
	assert.Equal(t, keydir.NotFound, next.Resolve(ctx, "none@y.com").Kind)
	assert.Equal(t, 2, remote.calls, "a new session checks negative entries again")
}

func TestResolveUnusableKeyIsNotFound(t *testing.T) {
	ctx := context.Background()
	remote := &remoteMock{lookupFn: func(string) (keyserver.Result, error) {
		return keyserver.Result{Found: true, PubKey: "garbage"}, nil
	}}

	dir := keydir.New(newCache(t), remote, pgp.NewEngine(nil))
	out := dir.Resolve(ctx, "c@y.com")

	assert.Equal(t, keydir.NotFound, out.Kind)
	assert.NoError(t, out.Err)
}

func TestResolveExpiredKeyIsFound(t *testing.T) {
	ctx := context.Background()
	key := pgptest.NewKey(t, "old@y.com", pgptest.Options{
		Created:  time.Now().Add(-72 * time.Hour),
		Lifetime: time.Hour,
	})
	remote := &remoteMock{lookupFn: func(string) (keyserver.Result, error) {
		return keyserver.Result{Found: true, PubKey: key.ArmoredPublic}, nil
	}}

	dir := keydir.New(newCache(t), remote, pgp.NewEngine(nil))
	out := dir.Resolve(ctx, "old@y.com")

	require.Equal(t, keydir.Found, out.Kind)
	assert.True(t, out.Key.Expired(time.Now()))
}

func TestResolveNetworkFailureIsDistinct(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	remote := &remoteMock{lookupFn: func(string) (keyserver.Result, error) {
		return keyserver.Result{}, errors.New("connection reset")
	}}

	dir := keydir.New(cache, remote, pgp.NewEngine(nil))
	out := dir.Resolve(ctx, "d@y.com")

	assert.Equal(t, keydir.Failed, out.Kind)
	assert.Equal(t, errs.LookupFailed, errs.KindOf(out.Err))

	_, err := cache.Get(ctx, "d@y.com")
	assert.ErrorIs(t, err, contacts.ErrNotFound, "failures are not cached")

	dir.Resolve(ctx, "d@y.com")
	assert.Equal(t, 2, remote.calls)
}

func TestResolveInvalidAddress(t *testing.T) {
	remote := &remoteMock{}
	dir := keydir.New(newCache(t), remote, pgp.NewEngine(nil))

	assert.Equal(t, keydir.InvalidAddress, dir.Resolve(context.Background(), "not-an-address").Kind)
	assert.Equal(t, 0, remote.calls)
}

func TestRefreshBypassesCache(t *testing.T) {
	ctx := context.Background()
	oldKey := pgptest.NewKey(t, "e@y.com", pgptest.Options{})
	newKey := pgptest.NewKey(t, "e@y.com", pgptest.Options{})
	cache := newCache(t)
	require.NoError(t, cache.Save(ctx, contacts.Contact{Email: "e@y.com", HasPGP: true, Pubkey: oldKey.ArmoredPublic}))
	remote := &remoteMock{lookupFn: func(string) (keyserver.Result, error) {
		return keyserver.Result{Found: true, PubKey: newKey.ArmoredPublic}, nil
	}}

	dir := keydir.New(cache, remote, pgp.NewEngine(nil))
	out := dir.Refresh(ctx, "e@y.com")

	require.Equal(t, keydir.Found, out.Kind)
	assert.Equal(t, pgp.Fingerprint(newKey.Entity), out.Key.Fingerprint)
	assert.Equal(t, 1, remote.calls)

	out = dir.Resolve(ctx, "e@y.com")
	assert.Equal(t, pgp.Fingerprint(newKey.Entity), out.Key.Fingerprint)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (*contacts.Contact, error) {
	return nil, errors.New("disk on fire")
}

func (brokenCache) Save(context.Context, contacts.Contact) error {
	return errors.New("disk on fire")
}

func (brokenCache) Update(context.Context, string, contacts.Update) error {
	return errors.New("disk on fire")
}

func (brokenCache) Search(context.Context, string) ([]contacts.Contact, error) {
	return nil, errors.New("disk on fire")
}

func TestResolveCacheFailureDoesNotBlock(t *testing.T) {
	key := pgptest.NewKey(t, "f@y.com", pgptest.Options{})
	remote := &remoteMock{lookupFn: func(string) (keyserver.Result, error) {
		return keyserver.Result{Found: true, PubKey: key.ArmoredPublic}, nil
	}}

	dir := keydir.New(brokenCache{}, remote, pgp.NewEngine(nil))
	out := dir.Resolve(context.Background(), "f@y.com")

	assert.Equal(t, keydir.Found, out.Kind)
}
