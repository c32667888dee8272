// Package recipient tracks the recipients of a message being composed and
// classifies each of them by the key material available for it.
package recipient

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/keydir"
	"github.com/hal9000y/gmail-pgp/internal/model"
)

type directory interface {
	Resolve(ctx context.Context, email string) keydir.LookupOutcome
	Refresh(ctx context.Context, email string) keydir.LookupOutcome
}

type keyExchangeHistory interface {
	HasPubkeyBeenSentTo(email string) (bool, error)
}

// Evaluator owns the ordered recipient set of one compose session.
type Evaluator struct {
	dir     directory
	history keyExchangeHistory
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	order     []string
	byEmail   map[string]*model.Recipient
	missing   map[string]bool
	inflight  map[string]bool
	idle      chan struct{}
	listeners []func(model.Recipient)
	closed    bool
}

// NewEvaluator creates an empty recipient set. history may be nil.
func NewEvaluator(dir directory, history keyExchangeHistory) *Evaluator {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Evaluator{
		dir:      dir,
		history:  history,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		byEmail:  make(map[string]*model.Recipient),
		missing:  make(map[string]bool),
		inflight: make(map[string]bool),
		idle:     idle,
	}
}

// OnChange registers fn to be called with a copy of every recipient whose
// state changes. fn must not call back into the Evaluator synchronously.
func (e *Evaluator) OnChange(fn func(model.Recipient)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = append(e.listeners, fn)
}

// Add appends a recipient in the Evaluating state. Adding an address that is
// already present returns the existing recipient and false.
func (e *Evaluator) Add(email, display string, sendingType model.SendingType) (model.Recipient, bool) {
	key := model.NormalizeEmail(email)

	e.mu.Lock()
	if r, ok := e.byEmail[key]; ok {
		e.mu.Unlock()
		return *r, false
	}
	r := &model.Recipient{
		ID:          uuid.NewString(),
		Email:       key,
		Display:     display,
		SendingType: sendingType,
		Status:      model.Evaluating,
	}
	e.byEmail[key] = r
	e.order = append(e.order, key)
	snapshot := *r
	listeners := e.listeners
	e.mu.Unlock()

	notify(listeners, snapshot)
	return snapshot, true
}

// Remove drops a recipient. Lookups still running for it are discarded.
func (e *Evaluator) Remove(email string) bool {
	key := model.NormalizeEmail(email)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byEmail[key]; !ok {
		return false
	}
	delete(e.byEmail, key)
	delete(e.missing, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	return true
}

// Force keeps a Wrong or Failed recipient in the message. Such recipients
// count as missing a key when the send is planned.
func (e *Evaluator) Force(email string) error {
	key := model.NormalizeEmail(email)

	e.mu.Lock()
	r, ok := e.byEmail[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown recipient %s", key)
	}
	if r.Status != model.Wrong && r.Status != model.Failed {
		e.mu.Unlock()
		return fmt.Errorf("recipient %s is %s, only wrong or failed recipients can be forced", key, r.Status)
	}
	r.Forced = true
	snapshot := *r
	listeners := e.listeners
	e.mu.Unlock()

	notify(listeners, snapshot)
	return nil
}

// Evaluate resolves every recipient still in the Evaluating state
// concurrently and returns once all of them, including lookups started by
// other callers, have settled.
func (e *Evaluator) Evaluate(ctx context.Context) []model.Recipient {
	pending := func(r *model.Recipient) bool { return r.Status == model.Evaluating }

	for {
		e.run(ctx, e.claim(pending), false)

		if err := e.Wait(ctx); err != nil {
			log.Println(fmt.Errorf("evaluator.Wait failed: %w", err))
			break
		}
		// a recipient re-added while its old lookup was running is still pending
		if ctx.Err() != nil || e.Ready() || e.isClosed() {
			break
		}
	}

	return e.Recipients()
}

func (e *Evaluator) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

// Retry evaluates a Failed recipient again. Nothing else retries lookups.
func (e *Evaluator) Retry(ctx context.Context, email string) (model.Recipient, error) {
	return e.again(ctx, email, false, func(r *model.Recipient) bool { return r.Status == model.Failed })
}

// Refresh looks a recipient up again, bypassing the key cache.
func (e *Evaluator) Refresh(ctx context.Context, email string) (model.Recipient, error) {
	return e.again(ctx, email, true, func(r *model.Recipient) bool { return r.Status != model.Evaluating })
}

func (e *Evaluator) again(ctx context.Context, email string, refresh bool, allowed func(*model.Recipient) bool) (model.Recipient, error) {
	key := model.NormalizeEmail(email)

	e.mu.Lock()
	r, ok := e.byEmail[key]
	switch {
	case !ok:
		e.mu.Unlock()
		return model.Recipient{}, fmt.Errorf("unknown recipient %s", key)
	case !allowed(r) || e.inflight[key]:
		snapshot := *r
		e.mu.Unlock()
		return snapshot, fmt.Errorf("recipient %s is %s", key, r.Status)
	}
	r.Status = model.Evaluating
	r.Key = nil
	r.Forced = false
	listeners := e.listeners
	snapshot := *r
	e.mu.Unlock()
	notify(listeners, snapshot)

	e.run(ctx, e.claim(func(r *model.Recipient) bool { return r.Email == key && r.Status == model.Evaluating }), refresh)

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.byEmail[key]; ok {
		return *r, nil
	}
	return model.Recipient{}, fmt.Errorf("recipient %s was removed", key)
}

type job struct {
	id    string
	email string
}

// claim marks matching recipients as in flight and returns them.
func (e *Evaluator) claim(match func(*model.Recipient) bool) []job {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	var jobs []job
	for _, key := range e.order {
		r := e.byEmail[key]
		if e.inflight[key] || !match(r) {
			continue
		}
		if len(e.inflight) == 0 {
			e.idle = make(chan struct{})
		}
		e.inflight[key] = true
		jobs = append(jobs, job{id: r.ID, email: key})
	}

	return jobs
}

func (e *Evaluator) run(ctx context.Context, jobs []job, refresh bool) {
	if len(jobs) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	var wg conc.WaitGroup
	for _, j := range jobs {
		wg.Go(func() {
			e.settle(ctx, j, e.lookup(ctx, j.email, refresh))
		})
	}
	wg.Wait()
}

func (e *Evaluator) lookup(ctx context.Context, email string, refresh bool) keydir.LookupOutcome {
	if !model.ValidEmail(email) {
		return keydir.LookupOutcome{Kind: keydir.InvalidAddress}
	}
	if refresh {
		return e.dir.Refresh(ctx, email)
	}
	return e.dir.Resolve(ctx, email)
}

func (e *Evaluator) settle(ctx context.Context, j job, out keydir.LookupOutcome) {
	status := e.classify(out)
	missing := status == model.HasPgp || status == model.Attested
	if missing && out.Key != nil && out.Key.Source == model.Self {
		missing = false
	}
	if missing && e.history != nil {
		sent, err := e.history.HasPubkeyBeenSentTo(j.email)
		if err != nil {
			log.Println(fmt.Errorf("history.HasPubkeyBeenSentTo failed: %w", err))
		}
		missing = !sent
	}

	e.mu.Lock()
	delete(e.inflight, j.email)
	if len(e.inflight) == 0 {
		close(e.idle)
	}

	r, ok := e.byEmail[j.email]
	if e.closed || !ok || r.ID != j.id {
		e.mu.Unlock()
		return
	}
	if out.Kind == keydir.Failed && errs.Is(out.Err, errs.Cancelled) && ctx.Err() != nil {
		// left Evaluating so the next Evaluate picks it up
		e.mu.Unlock()
		return
	}

	r.Status = status
	r.Key = nil
	if status.HasKey() {
		r.Key = out.Key
	}
	if missing {
		e.missing[j.email] = true
	} else {
		delete(e.missing, j.email)
	}
	snapshot := *r
	listeners := e.listeners
	e.mu.Unlock()

	notify(listeners, snapshot)
}

func (e *Evaluator) classify(out keydir.LookupOutcome) model.RecipientStatus {
	switch out.Kind {
	case keydir.InvalidAddress:
		return model.Wrong
	case keydir.Failed:
		return model.Failed
	case keydir.NotFound:
		return model.NoPgp
	}

	if out.Key == nil {
		return model.NoPgp
	}
	if out.Key.Expired(e.now()) || !out.Key.UsableForEncryption {
		return model.Expired
	}
	if out.Attested {
		return model.Attested
	}
	return model.HasPgp
}

// Wait blocks until no lookup is in flight.
func (e *Evaluator) Wait(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether every recipient has settled.
func (e *Evaluator) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.byEmail {
		if r.Status == model.Evaluating {
			return false
		}
	}
	return true
}

// Recipients returns a copy of the recipients in insertion order.
func (e *Evaluator) Recipients() []model.Recipient {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Recipient, 0, len(e.order))
	for _, key := range e.order {
		out = append(out, *e.byEmail[key])
	}
	return out
}

// Get returns one recipient.
func (e *Evaluator) Get(email string) (model.Recipient, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return model.Recipient{}, false
	}
	return *r, true
}

// MissingSenderKey returns, in recipient order, the recipients holding a key
// from a third party client who are not known to have received the sender's
// public key yet.
func (e *Evaluator) MissingSenderKey() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for _, key := range e.order {
		if e.missing[key] {
			out = append(out, key)
		}
	}
	return out
}

// Close cancels running lookups. Their results are discarded.
func (e *Evaluator) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
}

func notify(listeners []func(model.Recipient), r model.Recipient) {
	for _, fn := range listeners {
		fn(r)
	}
}
