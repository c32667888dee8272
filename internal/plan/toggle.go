package plan

import (
	"sync"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

// KeyToggle decides whether the sender's public key is attached. A manual
// choice wins and turns the automatic choice off for the rest of the session.
type KeyToggle struct {
	mu     sync.Mutex
	manual bool
	value  bool
}

// Set records a manual choice.
func (t *KeyToggle) Set(include bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.manual = true
	t.value = include
}

// Manual reports whether the user has chosen explicitly.
func (t *KeyToggle) Manual() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.manual
}

// Resolve returns the current choice. Without a manual choice the key is
// attached when any recipient is in missingSenderKey.
func (t *KeyToggle) Resolve(recipients []model.Recipient, missingSenderKey []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manual {
		return t.value
	}

	missing := make(map[string]bool, len(missingSenderKey))
	for _, email := range missingSenderKey {
		missing[model.NormalizeEmail(email)] = true
	}
	for _, r := range recipients {
		if missing[r.Email] {
			return true
		}
	}
	return false
}
