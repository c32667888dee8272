package pgp

import (
	"context"
	"sync"
	"time"

	"github.com/hal9000y/gmail-pgp/internal/errs"
)

// PassphrasePrompt hands passphrase requests to whoever can ask the user and
// delivers the answer back to the waiting operation.
type PassphrasePrompt struct {
	mu        sync.Mutex
	waiting   map[string]chan string
	onRequest func(fingerprint string)
}

// NewPassphrasePrompt creates a prompt. onRequest is called, without locks
// held, each time a passphrase is needed. It may be nil.
func NewPassphrasePrompt(onRequest func(fingerprint string)) *PassphrasePrompt {
	return &PassphrasePrompt{
		waiting:   make(map[string]chan string),
		onRequest: onRequest,
	}
}

// Request waits for Provide to be called for fingerprint. It gives up with a
// Cancelled error once timeout elapses or ctx is done.
func (p *PassphrasePrompt) Request(ctx context.Context, fingerprint string, timeout time.Duration) (string, error) {
	const op = "pgp.PassphrasePrompt"

	p.mu.Lock()
	ch, ok := p.waiting[fingerprint]
	if !ok {
		ch = make(chan string, 1)
		p.waiting[fingerprint] = ch
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.waiting[fingerprint] == ch {
			delete(p.waiting, fingerprint)
		}
		p.mu.Unlock()
	}()

	if p.onRequest != nil {
		p.onRequest(fingerprint)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pass := <-ch:
		return pass, nil
	case <-timer.C:
		return "", errs.New(errs.Cancelled, op, "Timed out waiting for the pass phrase.")
	case <-ctx.Done():
		return "", errs.Wrap(errs.Cancelled, op, ctx.Err())
	}
}

// Pending reports whether a passphrase is being waited for.
func (p *PassphrasePrompt) Pending(fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.waiting[fingerprint]
	return ok
}

// Provide answers a pending request. It returns false when nothing waits.
func (p *PassphrasePrompt) Provide(fingerprint, passphrase string) bool {
	p.mu.Lock()
	ch, ok := p.waiting[fingerprint]
	p.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- passphrase:
		return true
	default:
		return false
	}
}
