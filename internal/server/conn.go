// Copyright (C) 2025 Canmi

package server

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/partition"
	"github.com/canmi/anchr/internal/session"
	"github.com/canmi/anchr/internal/transport"
	"github.com/canmi/anchr/internal/wire"
)

// conn is one live connection: the QUIC handle, its session and the
// writer of the control stream where handshake replies, capability
// updates and liveness frames travel.
type conn struct {
	qc      quic.Connection
	sess    *session.Session
	control *streamWriter

	// lastSeen is the unix-nano timestamp of the last frame from the
	// peer, fed by every stream loop.
	lastSeen atomic.Int64
}

func (c *conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *conn) fatal(fault wire.Fault, code quic.ApplicationErrorCode) {
	if body, err := fault.Encode(); err == nil {
		c.control.send(wire.Frame{Type: wire.TypeError, Flags: wire.FlagFatal | wire.FlagFinal, Body: body})
	}
	c.qc.CloseWithError(code, fault.Detail)
}

func (s *Server) handleConn(ctx context.Context, qc quic.Connection) {
	remote := qc.RemoteAddr().String()

	fp, err := transport.PeerFingerprint(qc)
	if err != nil {
		// Transport handshake passed but no usable identity; nothing
		// about the partitions has been exposed yet and nothing will
		// be.
		log.Warn().Err(err).Str("remote", remote).Msg("rejecting unidentified peer")
		qc.CloseWithError(transport.CodeAuth, "unauthenticated")
		return
	}

	sess := session.New(fp, remote, s.opts.Limits)
	if err := sess.Advance(session.Authenticating); err != nil {
		qc.CloseWithError(transport.CodeProtocol, "internal")
		return
	}

	c := &conn{qc: qc, sess: sess}
	c.touch()

	if !s.handshake(ctx, c) {
		return
	}

	s.sessions.Add(sess)
	s.addConn(c)
	defer s.teardown(c)

	go s.monitor(c)

	// Control stream keeps serving pings and requests alongside the
	// dedicated data streams.
	go s.streamLoop(c, c.control)

	for {
		st, err := qc.AcceptStream(ctx)
		if err != nil {
			return
		}

		if err := sess.AddStream(int64(st.StreamID())); err != nil {
			// Over budget or draining: refuse the stream, keep the
			// session.
			log.Debug().Err(err).Stringer("session", sess.ID()).Msg("stream refused")
			st.CancelRead(transport.StreamErrReset)
			st.CancelWrite(transport.StreamErrReset)
			continue
		}

		w := newStreamWriter(st)
		go s.streamLoop(c, w)
	}
}

// handshake runs the protocol negotiation on the first stream the peer
// opens. Until it succeeds the peer has seen zero partition metadata.
func (s *Server) handshake(ctx context.Context, c *conn) bool {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	st, err := c.qc.AcceptStream(hctx)
	if err != nil {
		c.qc.CloseWithError(transport.CodeProtocol, "no control stream")
		return false
	}
	c.control = newStreamWriter(st)

	st.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	f, err := wire.ReadFrame(st)
	st.SetReadDeadline(time.Time{})
	if err != nil || f.Type != wire.TypeHandshake {
		c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: "expected handshake"}, transport.CodeProtocol)
		return false
	}

	hs, err := wire.DecodeHandshake(f.Body)
	if err != nil {
		c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: "malformed handshake"}, transport.CodeProtocol)
		return false
	}

	if hs.Version != wire.Version {
		c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: "unsupported protocol version"}, transport.CodeProtocol)
		return false
	}

	if err := c.sess.Advance(session.Established); err != nil {
		c.qc.CloseWithError(transport.CodeProtocol, "internal")
		return false
	}
	if err := c.sess.AddStream(int64(st.StreamID())); err != nil {
		c.qc.CloseWithError(transport.CodeProtocol, "internal")
		return false
	}

	// Claims are judged one by one; a refused claim costs an advisory
	// error, never the session.
	granted := make(map[string]wire.AccessMode, len(hs.Claims))
	for _, claim := range hs.Claims {
		cap, err := s.reg.Acquire(claim.Partition, c.sess.ID(), claim.Mode)
		if err != nil {
			s.refuseClaim(c, f.RequestID, claim, err)
			continue
		}
		granted[claim.Partition] = cap.Granted
	}

	reply := wire.Handshake{Version: wire.Version}
	body, err := reply.Encode()
	if err != nil {
		c.qc.CloseWithError(transport.CodeProtocol, "internal")
		return false
	}

	infos := s.reg.List()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	flags := uint8(0)
	if len(infos) == 0 {
		flags = wire.FlagFinal
	}
	c.control.send(wire.Frame{Type: wire.TypeHandshake, Flags: flags, RequestID: f.RequestID, Body: body})

	for i, info := range infos {
		cap := wire.Capability{
			Partition: info.ID,
			BlockSize: info.BlockSize,
			Size:      uint64(info.Size),
			ReadOnly:  info.ReadOnly,
			Granted:   granted[info.ID],
		}
		body, err := cap.Encode()
		if err != nil {
			continue
		}

		var fl uint8
		if i == len(infos)-1 {
			fl = wire.FlagFinal
		}
		c.control.send(wire.Frame{Type: wire.TypeCapability, Flags: fl, RequestID: f.RequestID, Body: body})
	}

	log.Info().Stringer("session", c.sess.ID()).Str("peer", c.sess.Fingerprint()).
		Int("claims", len(hs.Claims)).Int("granted", len(granted)).
		Msg("session established")

	return true
}

func (s *Server) refuseClaim(c *conn, requestID uint64, claim wire.Claim, err error) {
	code := wire.StatusInternal
	switch {
	case errors.Is(err, partition.ErrNotFound):
		code = wire.StatusNotFound
	case errors.Is(err, partition.ErrConflict):
		code = wire.StatusConflict
	case errors.Is(err, partition.ErrReadOnly):
		code = wire.StatusPermissionDenied
	}

	fault := wire.Fault{Code: code, Detail: "claim " + claim.Partition + ": " + code.String()}
	if body, encErr := fault.Encode(); encErr == nil {
		c.control.send(wire.Frame{Type: wire.TypeError, RequestID: requestID, Body: body})
	}

	log.Debug().Stringer("session", c.sess.ID()).Str("partition", claim.Partition).
		Stringer("mode", claim.Mode).Stringer("code", code).Msg("claim refused")
}

// monitor drops peers that went silent past the liveness window. The
// transport's own idle timeout is the backstop; this reacts faster and
// logs the culprit.
func (s *Server) monitor(c *conn) {
	interval := s.opts.KeepaliveTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-c.qc.Context().Done():
			return
		case <-tick.C:
			last := time.Unix(0, c.lastSeen.Load())
			if time.Since(last) > s.opts.KeepaliveTimeout {
				log.Warn().Stringer("session", c.sess.ID()).
					Str("remote", c.sess.Remote()).Msg("keepalive timeout")
				c.qc.CloseWithError(transport.CodeKeepalive, "keepalive timeout")
				return
			}
		}
	}
}

// teardown releases everything the session held, in deterministic
// order: cancel its requests, free its claims, then forget it. After
// this no lock and no pending entry of the session survives anywhere.
func (s *Server) teardown(c *conn) {
	id := c.sess.ID()

	if err := c.sess.Advance(session.Closed); err != nil {
		log.Warn().Err(err).Stringer("session", id).Msg("closing session")
	}

	s.disp.CancelSession(id)
	s.reg.ReleaseSession(id)
	s.sessions.Remove(id)
	s.dropConn(id)

	c.qc.CloseWithError(transport.CodeShutdown, "closed")

	log.Info().Stringer("session", id).Msg("session closed")
}
