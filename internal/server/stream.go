// Copyright (C) 2025 Canmi

package server

import (
	"errors"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/transport"
	"github.com/canmi/anchr/internal/wire"
)

// streamWriter serializes response frames onto one stream. Writes from
// dispatcher completion goroutines and the control path interleave
// here; the mutex keeps frames contiguous on the wire. A failed write
// poisons the stream and later sends are dropped, the peer sees the
// reset.
type streamWriter struct {
	st quic.Stream

	mu     sync.Mutex
	closed bool
}

func newStreamWriter(st quic.Stream) *streamWriter {
	return &streamWriter{st: st}
}

func (w *streamWriter) id() int64 {
	return int64(w.st.StreamID())
}

func (w *streamWriter) send(f wire.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := wire.WriteFrame(w.st, f); err != nil {
		w.st.CancelWrite(transport.StreamErrReset)
		w.closed = true
	}
}

// finish flushes the FIN after the last response.
func (w *streamWriter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.st.Close()
		w.closed = true
	}
}

// abort resets the send side without a FIN.
func (w *streamWriter) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.st.CancelWrite(transport.StreamErrReset)
		w.closed = true
	}
}

// streamLoop reads frames from one stream until it ends. Block
// requests go to the dispatcher, their responses come back through the
// stream's writer in completion order; matching is by request id, not
// by position.
func (s *Server) streamLoop(c *conn, w *streamWriter) {
	sess := c.sess
	streamID := w.id()
	defer sess.RemoveStream(streamID)

	var (
		outstanding sync.WaitGroup
		lastID      uint64
		seen        bool
	)

	respond := func(id uint64, resp wire.BlockResponse) {
		defer outstanding.Done()

		body, err := resp.Encode()
		if err != nil {
			log.Error().Err(err).Uint64("request", id).Msg("encoding response")
			body, _ = (&wire.BlockResponse{Status: wire.StatusInternal}).Encode()
		}
		w.send(wire.Frame{Type: wire.TypeBlockResponse, RequestID: id, Body: body})
	}

	for {
		f, err := wire.ReadFrame(w.st)
		if err != nil {
			s.streamDone(c, w, streamID, &outstanding, err)
			return
		}
		c.touch()

		switch f.Type {
		case wire.TypePing:
			w.send(wire.Frame{Type: wire.TypePong, RequestID: f.RequestID})

		case wire.TypeBlockRequest:
			if seen && f.RequestID <= lastID {
				c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: "request id not increasing"},
					transport.CodeProtocol)
				return
			}
			seen, lastID = true, f.RequestID

			br, err := wire.DecodeBlockRequest(f.Body)
			if err != nil {
				c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: "malformed block request"},
					transport.CodeProtocol)
				return
			}

			outstanding.Add(1)
			s.disp.Dispatch(c.qc.Context(), sess, streamID, f.RequestID, br, respond)

		case wire.TypeError:
			if fault, err := wire.DecodeFault(f.Body); err == nil {
				log.Warn().Stringer("session", sess.ID()).Stringer("code", fault.Code).
					Str("detail", fault.Detail).Msg("peer error")
			}
			if f.Fatal() {
				c.qc.CloseWithError(transport.CodeShutdown, "peer fatal error")
				return
			}

		case wire.TypePong:
			// Liveness echo, nothing to route.

		default:
			// Handshake after establishment, or frames only a server
			// may send. Strict protocol: reset the connection.
			c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: "unexpected frame type"},
				transport.CodeProtocol)
			return
		}
	}
}

// streamDone sorts out how a stream ended. A clean FIN waits for the
// remaining responses and closes gracefully; a peer reset cancels
// everything still pending for the stream; a poisoned frame resets the
// whole connection, because no partial frame may ever be accepted.
func (s *Server) streamDone(c *conn, w *streamWriter, streamID int64, outstanding *sync.WaitGroup, err error) {
	switch {
	case err == io.EOF:
		flushed := make(chan struct{})
		go func() {
			outstanding.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-c.qc.Context().Done():
		}
		w.finish()

	case errors.Is(err, wire.ErrMalformed),
		errors.Is(err, wire.ErrFrameTooLarge),
		errors.Is(err, wire.ErrUnknownFrameType):
		log.Warn().Err(err).Stringer("session", c.sess.ID()).Int64("stream", streamID).
			Msg("protocol violation")
		c.fatal(wire.Fault{Code: wire.StatusInternal, Detail: err.Error()}, transport.CodeProtocol)

	default:
		// Peer reset or connection gone: unstarted requests of this
		// stream must never reach a device.
		s.disp.CancelStream(c.sess.ID(), streamID)
		w.abort()
	}
}
