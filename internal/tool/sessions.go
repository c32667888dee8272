package tool

import (
	"fmt"
	"sync"

	"github.com/hal9000y/gmail-pgp/internal/send"
)

// Sessions keeps the compose sessions opened by tool calls.
type Sessions struct {
	mu     sync.Mutex
	open   map[string]*send.Session
	create func() *send.Session
}

// NewSessions creates a registry. create builds a fresh session with its own
// recipient set.
func NewSessions(create func() *send.Session) *Sessions {
	return &Sessions{open: make(map[string]*send.Session), create: create}
}

// Get returns the session with id, or a new one when id is empty.
func (s *Sessions) Get(id string) (*send.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		sess := s.create()
		s.open[sess.ID] = sess
		return sess, nil
	}

	sess, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	return sess, nil
}

// Drop closes and forgets a session.
func (s *Sessions) Drop(id string) {
	s.mu.Lock()
	sess, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()

	if ok {
		sess.Close()
	}
}

// Close closes every open session.
func (s *Sessions) Close() {
	s.mu.Lock()
	open := s.open
	s.open = make(map[string]*send.Session)
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close()
	}
}
