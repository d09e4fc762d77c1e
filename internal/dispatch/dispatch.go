// Copyright (C) 2025 Canmi

// Package dispatch validates decoded block requests, routes them to
// the owning partition's worker and steers each response back to the
// stream that asked. The pending table keyed by (session, stream,
// request id) is the single place where cancellation and completion
// meet: every admitted request leaves it through exactly one responder
// call, so the caller's per-stream accounting always balances. Frames
// for a reset stream are suppressed by the closed stream writer, not
// here.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/partition"
	"github.com/canmi/anchr/internal/session"
	"github.com/canmi/anchr/internal/wire"
	"github.com/canmi/anchr/internal/worker"
)

// Key identifies one in-flight request globally.
type Key struct {
	Session uuid.UUID
	Stream  int64
	Request uint64
}

// Responder delivers one response for one request id. It is called
// exactly once per request admitted past validation, cancelled or not,
// and must tolerate running on the completion goroutine.
type Responder func(requestID uint64, resp wire.BlockResponse)

type entry struct {
	req      *worker.Request
	sess     *session.Session
	reserved int64
	respond  Responder
}

// Dispatcher routes requests between sessions and partition workers.
type Dispatcher struct {
	reg *partition.Registry

	mu      sync.Mutex
	pending map[Key]*entry
}

func New(reg *partition.Registry) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		pending: make(map[Key]*entry),
	}
}

// Pending reports the number of in-flight requests. Admin surface only.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func needsWrite(op uint8) bool {
	return op == wire.OpWrite || op == wire.OpFlush || op == wire.OpTrim
}

// validate runs the checks in their contractual order: the partition
// must exist, the session must hold the required access mode, and the
// range must lie inside the extent. The first failure wins and the
// worker is never involved.
func (d *Dispatcher) validate(sess *session.Session, br *wire.BlockRequest) (*partition.Partition, wire.Status) {
	p, ok := d.reg.Lookup(br.Partition)
	if !ok {
		return nil, wire.StatusNotFound
	}

	mode := d.reg.Access(br.Partition, sess.ID())
	if needsWrite(br.Op) {
		if mode != wire.AccessWrite {
			return nil, wire.StatusPermissionDenied
		}
	} else if mode == wire.AccessNone {
		return nil, wire.StatusPermissionDenied
	}

	// A read or write longer than the frame payload bound could never
	// be answered or carried; refuse it before any device work.
	if (br.Op == wire.OpRead || br.Op == wire.OpWrite) && br.Length > wire.MaxPayload {
		return nil, wire.StatusOverloaded
	}

	if br.Op != wire.OpFlush {
		end := br.Offset + uint64(br.Length)
		if end < br.Offset || end > uint64(p.Size) {
			return nil, wire.StatusOutOfRange
		}
	}

	return p, wire.StatusOK
}

// Dispatch admits one request. Invalid requests are answered
// immediately through respond; valid ones are enqueued and answered
// asynchronously. Dispatch blocks only on worker queue admission,
// which is the intended backpressure point.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, streamID int64,
	requestID uint64, br wire.BlockRequest, respond Responder) {

	p, status := d.validate(sess, &br)
	if status != wire.StatusOK {
		respond(requestID, wire.BlockResponse{Status: status})
		return
	}

	// Reads reserve the bytes they will return, writes the bytes they
	// carry. This is the in-flight byte budget of the session.
	reserved := int64(br.Length)
	if br.Op == wire.OpFlush {
		reserved = 0
	}
	if err := sess.Reserve(reserved); err != nil {
		if errors.Is(err, session.ErrNotAccepting) {
			respond(requestID, wire.BlockResponse{Status: wire.StatusCancelled})
		} else {
			respond(requestID, wire.BlockResponse{Status: wire.StatusOverloaded})
		}
		return
	}

	var deadline time.Time
	if br.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(br.DeadlineMs) * time.Millisecond)
	}

	req := worker.NewRequest(br.Op, int64(br.Offset), int64(br.Length), br.Payload, deadline)
	key := Key{Session: sess.ID(), Stream: streamID, Request: requestID}

	e := &entry{req: req, sess: sess, reserved: reserved, respond: respond}
	d.mu.Lock()
	d.pending[key] = e
	d.mu.Unlock()

	if err := p.Worker.Submit(ctx, req); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		sess.Release(reserved)

		if !errors.Is(err, worker.ErrStopped) {
			log.Debug().Err(err).Str("partition", br.Partition).Msg("admission aborted")
			respond(requestID, wire.BlockResponse{Status: wire.StatusCancelled})
			return
		}
		respond(requestID, wire.BlockResponse{Status: wire.StatusNotFound})
		return
	}

	go d.complete(key, req)
}

// complete waits for the worker's single result and delivers it. Only
// complete removes pending entries, so the responder of an admitted
// request fires exactly once no matter how the request ended.
func (d *Dispatcher) complete(key Key, req *worker.Request) {
	res := <-req.Done()

	d.mu.Lock()
	e := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()

	e.sess.Release(e.reserved)
	e.respond(key.Request, wire.BlockResponse{Status: res.Status, Payload: res.Payload})
}

// CancelStream cancels every pending request of one stream. Requests
// not yet started never reach the device and drain through the worker
// as Cancelled; requests already executing run to completion. Either
// way the result flows through complete, the caller's stream writer is
// what keeps discarded responses off the wire.
func (d *Dispatcher) CancelStream(sess uuid.UUID, streamID int64) {
	d.cancel(func(k Key) bool {
		return k.Session == sess && k.Stream == streamID
	})
}

// CancelSession cancels every pending request of a closing session.
func (d *Dispatcher) CancelSession(sess uuid.UUID) {
	d.cancel(func(k Key) bool {
		return k.Session == sess
	})
}

func (d *Dispatcher) cancel(match func(Key) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, e := range d.pending {
		if match(k) {
			e.req.Cancel()
		}
	}
}
