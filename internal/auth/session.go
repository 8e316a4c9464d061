// Package auth carries the authenticated identity on both sides of the relay.
//
// On the desktop a Session holds the signed-in user and notifies watchers on
// sign-in and sign-out. On the server a Verifier checks bearer tokens.
package auth

import (
	"errors"
	"sync"
)

// ErrNoSession is returned when no user is signed in.
var ErrNoSession = errors.New("not authenticated")

// Identity is the signed-in user and the bearer token used for the relay.
type Identity struct {
	UserID string
	Token  string
}

// Session is the desktop's authentication state.
type Session struct {
	mu       sync.RWMutex
	current  *Identity
	watchers []chan struct{}
}

// NewSession returns a signed-out session.
func NewSession() *Session {
	return &Session{}
}

// SignIn sets the identity and wakes watchers.
func (s *Session) SignIn(id Identity) {
	s.mu.Lock()
	s.current = &id
	s.mu.Unlock()
	s.notify()
}

// SignOut clears the identity and wakes watchers.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.notify()
}

// Current returns the signed-in identity or ErrNoSession.
func (s *Session) Current() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Identity{}, ErrNoSession
	}
	return *s.current, nil
}

// IsAuthenticated reports whether a user is signed in.
func (s *Session) IsAuthenticated() bool {
	_, err := s.Current()
	return err == nil
}

// Watch returns a channel that receives a value after every change. Bursts
// of changes coalesce; readers call Current for the latest state.
func (s *Session) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
