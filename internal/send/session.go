// Package send runs one send attempt of a compose session: validation,
// recipient resolution, planning, composing, encryption, upload and
// delivery.
package send

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hal9000y/gmail-pgp/internal/errs"
	"github.com/hal9000y/gmail-pgp/internal/model"
	"github.com/hal9000y/gmail-pgp/internal/plan"
	"github.com/hal9000y/gmail-pgp/internal/recipient"
)

// State is the progress of a send attempt.
type State int

const (
	Idle State = iota
	Validating
	Resolving
	Planning
	Composing
	Encrypting
	Uploading
	Sending
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Resolving:
		return "resolving"
	case Planning:
		return "planning"
	case Composing:
		return "composing"
	case Encrypting:
		return "encrypting"
	case Uploading:
		return "uploading"
	case Sending:
		return "sending"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Event is delivered to state listeners. Notice is set when the user has to
// be told something: an abort, or a sign in request before a retry.
type Event struct {
	State  State
	Notice *errs.Notice
}

// Draft is the user editable part of a compose session.
type Draft struct {
	From        string
	Subject     string
	Bodies      model.Bodies
	Attachments []model.Attachment
	Sign        bool
	Password    string
	// RichText encrypts the HTML variant instead of the plain one.
	RichText bool
	DraftID  string
	// ThreadRef is the provider thread the message is sent in.
	ThreadRef string
	Headers   map[string]string
}

// Session owns all mutable state of one message being composed.
type Session struct {
	ID         string
	Recipients *recipient.Evaluator

	toggle plan.KeyToggle

	mu        sync.Mutex
	draft     Draft
	state     State
	listeners []func(Event)
	closed    bool
}

// NewSession creates a session around its recipient set.
func NewSession(recipients *recipient.Evaluator) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Recipients: recipients,
	}
}

// SetDraft replaces the draft. A send already running keeps the draft it
// started with.
func (s *Session) SetDraft(d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.draft = d
}

func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.draft
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// OnState registers fn for state changes. fn is called synchronously from
// the sending goroutine.
func (s *Session) OnState(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// SetIncludePubkey records a manual choice about attaching the sender's key.
func (s *Session) SetIncludePubkey(include bool) {
	s.toggle.Set(include)
}

// IncludePubkey tells whether the sender's key would be attached right now.
func (s *Session) IncludePubkey() bool {
	return s.toggle.Resolve(s.Recipients.Recipients(), s.Recipients.MissingSenderKey())
}

// Close ends the session and cancels running lookups.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Recipients.Close()
}

// begin moves an idle session to Validating. It reports false when a send
// is already running or the session is over.
func (s *Session) begin() bool {
	s.mu.Lock()
	if s.closed || s.state != Idle {
		s.mu.Unlock()
		return false
	}
	s.state = Validating
	listeners := s.listeners
	s.mu.Unlock()

	emit(listeners, Event{State: Validating})
	return true
}

func (s *Session) enter(state State) {
	s.emit(Event{State: state}, state)
}

func (s *Session) notice(n errs.Notice) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	s.emit(Event{State: state, Notice: &n}, state)
}

// abort reports the failure and makes the session sendable again.
func (s *Session) abort(n errs.Notice) {
	s.emit(Event{State: Aborted, Notice: &n}, Aborted)
	s.enter(Idle)
}

func (s *Session) emit(ev Event, state State) {
	s.mu.Lock()
	s.state = state
	listeners := s.listeners
	s.mu.Unlock()

	emit(listeners, ev)
}

func emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
