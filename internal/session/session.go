// Copyright (C) 2025 Canmi

// Package session tracks the lifecycle and resource budget of one
// authenticated remote connection. The explicit state machine makes
// resource release deterministic: whatever path a connection dies
// through, it passes Closed exactly once and everything it held is
// returned there.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State of a session. Transitions only move forward.
type State int

const (
	Connecting State = iota
	Authenticating
	Established
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Established:
		return "established"
	case Draining:
		return "draining"
	default:
		return "closed"
	}
}

var (
	// ErrTooManyStreams means the session hit its concurrent stream
	// budget. The stream is refused, the session survives.
	ErrTooManyStreams = errors.New("session: concurrent stream limit")

	// ErrOverloaded means admitting the request would exceed the
	// session's in-flight byte budget. The request is refused, the
	// session survives.
	ErrOverloaded = errors.New("session: in-flight byte limit")

	// ErrNotAccepting means the session is draining or closed and
	// takes no new streams or requests.
	ErrNotAccepting = errors.New("session: not accepting")
)

// Limits is the per-session resource budget, negotiated down from the
// daemon configuration.
type Limits struct {
	MaxStreams       int
	MaxInflightBytes int64
}

// Session is one authenticated connection.
type Session struct {
	id          uuid.UUID
	fingerprint string
	remote      string
	opened      time.Time
	limits      Limits

	mu       sync.Mutex
	state    State
	streams  map[int64]struct{}
	inflight int64
}

func New(fingerprint, remote string, limits Limits) *Session {
	return &Session{
		id:          uuid.New(),
		fingerprint: fingerprint,
		remote:      remote,
		opened:      time.Now(),
		limits:      limits,
		state:       Connecting,
		streams:     make(map[int64]struct{}),
	}
}

func (s *Session) ID() uuid.UUID       { return s.id }
func (s *Session) Fingerprint() string { return s.fingerprint }
func (s *Session) Remote() string      { return s.remote }
func (s *Session) Opened() time.Time   { return s.opened }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session forward to the given state. Backward
// transitions are bugs and refused; skipping forward (e.g. straight to
// Closed on auth failure) is allowed.
func (s *Session) Advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to < s.state {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.id, s.state, to)
	}
	if to != s.state {
		log.Debug().Stringer("session", s.id).
			Stringer("from", s.state).Stringer("to", to).
			Msg("session state")
		s.state = to
	}
	return nil
}

// AddStream registers a newly accepted stream against the stream
// budget.
func (s *Session) AddStream(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Established {
		return ErrNotAccepting
	}
	if s.limits.MaxStreams > 0 && len(s.streams) >= s.limits.MaxStreams {
		return ErrTooManyStreams
	}
	s.streams[id] = struct{}{}
	return nil
}

func (s *Session) RemoveStream(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

func (s *Session) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Reserve accounts n bytes of in-flight request data. Every successful
// Reserve is paired with exactly one Release when the response leaves.
func (s *Session) Reserve(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Established {
		return ErrNotAccepting
	}
	if s.limits.MaxInflightBytes > 0 && s.inflight+n > s.limits.MaxInflightBytes {
		return ErrOverloaded
	}
	s.inflight += n
	return nil
}

func (s *Session) Release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inflight -= n
	if s.inflight < 0 {
		s.inflight = 0
	}
}

func (s *Session) Inflight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}
