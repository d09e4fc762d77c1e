// Copyright (C) 2025 Canmi

// Package server glues the pieces into the daemon: it accepts
// authenticated connections from the transport, runs the protocol
// handshake, spawns a frame loop per stream and feeds decoded block
// requests to the dispatcher. One goroutine per connection plus one
// per stream; all waiting is on network reads or worker queues, never
// spinning.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/dispatch"
	"github.com/canmi/anchr/internal/partition"
	"github.com/canmi/anchr/internal/session"
	"github.com/canmi/anchr/internal/transport"
	"github.com/canmi/anchr/internal/wire"
)

// Options carries the per-session budgets and liveness tuning.
type Options struct {
	Limits           session.Limits
	KeepaliveTimeout time.Duration
	HandshakeTimeout time.Duration
}

func (o *Options) defaults() {
	if o.KeepaliveTimeout == 0 {
		o.KeepaliveTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Server owns the accept loop and the live connection set.
type Server struct {
	reg      *partition.Registry
	disp     *dispatch.Dispatcher
	sessions *session.Manager
	opts     Options

	mu       sync.Mutex
	conns    map[uuid.UUID]*conn
	draining bool

	wg sync.WaitGroup
}

func New(reg *partition.Registry, sessions *session.Manager, opts Options) *Server {
	opts.defaults()

	s := &Server{
		reg:      reg,
		disp:     dispatch.New(reg),
		sessions: sessions,
		opts:     opts,
		conns:    make(map[uuid.UUID]*conn),
	}

	// Sessions holding a partition learn out of band when it dies
	// underneath them.
	reg.SetRevokeFunc(s.revoke)

	return s
}

// Dispatcher exposes the dispatcher for the admin surface.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.disp
}

// Serve accepts connections until ctx is cancelled or the listener
// closes.
func (s *Server) Serve(ctx context.Context, ln *transport.Listener) error {
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			qc.CloseWithError(transport.CodeShutdown, "draining")
			continue
		}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, qc)
		}()
	}
}

// Shutdown drains every session: existing in-flight requests may
// complete, new ones are refused, then connections close. Returns when
// everything is torn down or ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.sess.Advance(session.Draining); err != nil {
			log.Warn().Err(err).Msg("draining session")
		}
	}

	// Wait for the dispatcher to empty out, bounded by ctx.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.disp.Pending() > 0 {
		select {
		case <-ctx.Done():
			log.Warn().Int("pending", s.disp.Pending()).Msg("shutdown with requests in flight")
			goto close
		case <-tick.C:
		}
	}

close:
	for _, c := range conns {
		c.qc.CloseWithError(transport.CodeShutdown, "shutting down")
	}
	s.wg.Wait()
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.sess.ID()] = c
	s.mu.Unlock()
}

func (s *Server) dropConn(id uuid.UUID) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// revoke tells one session that a partition it holds disappeared. An
// advisory Error frame names the cause, a Capability frame with no
// granted access revokes the advertisement.
func (s *Server) revoke(sess uuid.UUID, partitionID string, cause wire.Status) {
	s.mu.Lock()
	c, ok := s.conns[sess]
	s.mu.Unlock()
	if !ok {
		return
	}

	fault := wire.Fault{Code: cause, Detail: fmt.Sprintf("partition %s revoked", partitionID)}
	body, err := fault.Encode()
	if err != nil {
		return
	}
	c.control.send(wire.Frame{Type: wire.TypeError, Body: body})

	cap := wire.Capability{Partition: partitionID, Granted: wire.AccessNone}
	if body, err = cap.Encode(); err != nil {
		return
	}
	c.control.send(wire.Frame{Type: wire.TypeCapability, Flags: wire.FlagFinal, Body: body})

	log.Info().Stringer("session", sess).Str("partition", partitionID).
		Stringer("cause", cause).Msg("revocation sent")
}
