// Package state persists per-account pipeline state: who already received
// the sender's public key, and the admin codes of relay uploads.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

const (
	keyPubkeySentTo  = "pubkey_sent_to"
	prefixAdminCodes = "admin_codes/"
)

// Store is a leveldb backed key/value store scoped to one account.
type Store struct {
	mu      sync.Mutex
	db      *leveldb.DB
	account string
}

// Open opens the state database in dir for account. An empty dir keeps the
// state in memory.
func Open(dir, account string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("os.MkdirAll failed: %w", err)
		}
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb.Open failed: %w", err)
	}

	return &Store{db: db, account: model.NormalizeEmail(account)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) key(k string) []byte {
	return []byte(s.account + "/" + k)
}

func (s *Store) get(k string, v any) (bool, error) {
	raw, err := s.db.Get(s.key(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db.Get failed: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("json.Unmarshal(%s) failed: %w", k, err)
	}

	return true, nil
}

func (s *Store) put(k string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json.Marshal(%s) failed: %w", k, err)
	}
	if err := s.db.Put(s.key(k), raw, nil); err != nil {
		return fmt.Errorf("db.Put failed: %w", err)
	}

	return nil
}

// PubkeySentTo returns the addresses known to have received the sender's key.
func (s *Store) PubkeySentTo() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emails []string
	if _, err := s.get(keyPubkeySentTo, &emails); err != nil {
		return nil, err
	}

	return emails, nil
}

// HasPubkeyBeenSentTo reports whether email is in the pubkey_sent_to list.
func (s *Store) HasPubkeyBeenSentTo(email string) (bool, error) {
	emails, err := s.PubkeySentTo()
	if err != nil {
		return false, err
	}
	email = model.NormalizeEmail(email)
	for _, e := range emails {
		if e == email {
			return true, nil
		}
	}

	return false, nil
}

// AddPubkeySentTo records that emails received the sender's key.
func (s *Store) AddPubkeySentTo(emails ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []string
	if _, err := s.get(keyPubkeySentTo, &current); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(current)+len(emails))
	for _, e := range current {
		seen[e] = struct{}{}
	}
	changed := false
	for _, e := range emails {
		e = model.NormalizeEmail(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		current = append(current, e)
		changed = true
	}
	if !changed {
		return nil
	}
	sort.Strings(current)

	return s.put(keyPubkeySentTo, current)
}

// SaveAdminCodes stores codes for shortID, merging with codes already kept.
// Records are never deleted.
func (s *Store) SaveAdminCodes(shortID string, date time.Time, codes ...string) error {
	if shortID == "" {
		return errors.New("empty short id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec model.AdminCodes
	found, err := s.get(prefixAdminCodes+shortID, &rec)
	if err != nil {
		return err
	}
	if !found {
		rec.Date = date.UTC()
	}
	rec.Codes = append(rec.Codes, codes...)

	return s.put(prefixAdminCodes+shortID, rec)
}

// AdminCodes returns the codes stored for shortID.
func (s *Store) AdminCodes(shortID string) (model.AdminCodes, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec model.AdminCodes
	found, err := s.get(prefixAdminCodes+shortID, &rec)

	return rec, found, err
}

// AllAdminCodes returns every stored record keyed by short id.
func (s *Store) AllAdminCodes() (map[string]model.AdminCodes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := string(s.key(prefixAdminCodes))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	out := make(map[string]model.AdminCodes)
	for iter.Next() {
		var rec model.AdminCodes
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("json.Unmarshal failed: %w", err)
		}
		out[strings.TrimPrefix(string(iter.Key()), prefix)] = rec
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iter failed: %w", err)
	}

	return out, nil
}
