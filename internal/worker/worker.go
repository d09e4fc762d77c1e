// Copyright (C) 2025 Canmi

// Package worker runs the per-partition I/O loop. One goroutine owns
// each bound partition's device and is the only code that mutates it,
// which is the consistency guarantee the whole daemon rests on: two
// writes to the same partition can never race at the device.
//
// Requests are admitted through a channel and executed in admission
// order. Consecutive reads fan out to goroutines and run concurrently
// with each other; any mutating operation first waits for the open
// read batch to drain, so reads and writes stay ordered exactly as
// they were admitted.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/device"
	"github.com/canmi/anchr/internal/wire"
)

// ErrStopped is returned by Submit once the worker is shutting down.
var ErrStopped = errors.New("worker: stopped")

// Result is the outcome of one request. Payload is only set for a
// successful read.
type Result struct {
	Status  wire.Status
	Payload []byte
}

// Request execution states. A request leaves idle exactly once, either
// into started or into cancelled, never both.
const (
	stateIdle int32 = iota
	stateStarted
	stateCancelled
)

// Request is one admitted block operation. Create with NewRequest,
// submit once, then receive exactly one Result from Done.
type Request struct {
	Op       uint8
	Off      int64
	Length   int64
	Payload  []byte
	Deadline time.Time

	state  atomic.Int32
	result chan Result
}

func NewRequest(op uint8, off, length int64, payload []byte, deadline time.Time) *Request {
	return &Request{
		Op:       op,
		Off:      off,
		Length:   length,
		Payload:  payload,
		Deadline: deadline,
		result:   make(chan Result, 1),
	}
}

// Done yields the single result of the request.
func (r *Request) Done() <-chan Result {
	return r.result
}

// Cancel marks the request cancelled and reports whether it was still
// unstarted. The single compare-and-swap means exactly one of Cancel
// and begin wins: a request cancelled before execution can never touch
// the device, one already executing runs to completion and the caller
// discards its result.
func (r *Request) Cancel() bool {
	return r.state.CompareAndSwap(stateIdle, stateCancelled)
}

// begin claims the request for execution.
func (r *Request) begin() bool {
	return r.state.CompareAndSwap(stateIdle, stateStarted)
}

func (r *Request) finish(res Result) {
	r.result <- res
}

// Worker serializes access to one partition's device.
type Worker struct {
	id  string
	dev device.Device

	queue chan *Request
	stopc chan struct{}
	donec chan struct{}

	// reads is the currently open batch of concurrent reads. Only the
	// worker goroutine touches it.
	reads sync.WaitGroup

	fatalOnce sync.Once
	onFatal   func(id string, err error)

	stopMu  sync.Mutex
	stopped bool
}

// New starts a worker for the given device. depth bounds the admission
// queue; submitters block once it is full, which is the natural
// backpressure point. onFatal is invoked at most once, from its own
// goroutine, when the device fails hard.
func New(id string, dev device.Device, depth int, onFatal func(id string, err error)) *Worker {
	if depth <= 0 {
		depth = 128
	}

	w := &Worker{
		id:      id,
		dev:     dev,
		queue:   make(chan *Request, depth),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
		onFatal: onFatal,
	}

	go w.run()

	return w
}

// Submit enqueues r in admission order. It blocks while the queue is
// full and fails once the worker stops or ctx expires.
func (w *Worker) Submit(ctx context.Context, r *Request) error {
	select {
	case <-w.stopc:
		return ErrStopped
	default:
	}

	select {
	case w.queue <- r:
		return nil
	case <-w.stopc:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the worker down. In-flight operations run to completion,
// queued but unstarted requests are answered with NotFound (the
// partition is gone from the requester's point of view), then the
// device is closed.
func (w *Worker) Stop() {
	w.stopMu.Lock()
	if w.stopped {
		w.stopMu.Unlock()
		<-w.donec
		return
	}
	w.stopped = true
	close(w.stopc)
	w.stopMu.Unlock()

	<-w.donec

	if err := w.dev.Close(); err != nil {
		log.Warn().Err(err).Str("partition", w.id).Msg("closing device")
	}
}

func (w *Worker) run() {
	defer close(w.donec)

	for {
		select {
		case <-w.stopc:
			w.drain()
			w.reads.Wait()
			return
		case r := <-w.queue:
			w.handle(r)
		}
	}
}

// drain answers everything still queued at shutdown without touching
// the device.
func (w *Worker) drain() {
	for {
		select {
		case r := <-w.queue:
			r.finish(Result{Status: wire.StatusNotFound})
		default:
			return
		}
	}
}

func (w *Worker) handle(r *Request) {
	// A deadline that lapsed while the request sat in the queue
	// cancels it before the device sees anything.
	if !r.Deadline.IsZero() && time.Now().After(r.Deadline) && r.Cancel() {
		r.finish(Result{Status: wire.StatusTimeout})
		return
	}

	// Losing the claim means a canceller got there first.
	if !r.begin() {
		r.finish(Result{Status: wire.StatusCancelled})
		return
	}

	if r.Op == wire.OpRead {
		w.reads.Add(1)
		go func() {
			defer w.reads.Done()
			r.finish(w.execute(r))
		}()
		return
	}

	// Mutations wait for the open read batch so admission order is
	// observed, then run on the worker goroutine itself.
	w.reads.Wait()
	r.finish(w.execute(r))
}

func (w *Worker) execute(r *Request) Result {
	var (
		res Result
		err error
	)

	switch r.Op {
	case wire.OpRead:
		buf := make([]byte, r.Length)
		_, err = w.dev.ReadAt(buf, r.Off)
		if err == nil {
			res.Payload = buf
		}
	case wire.OpWrite:
		_, err = w.dev.WriteAt(r.Payload, r.Off)
	case wire.OpFlush:
		// All prior writes already completed on this goroutine, so a
		// sync here is the durability barrier for everything admitted
		// before the flush.
		err = w.dev.Sync()
	case wire.OpTrim:
		err = w.dev.Trim(r.Off, r.Length)
	default:
		res.Status = wire.StatusInternal
		return res
	}

	if err != nil {
		res.Status = w.classify(err)
		res.Payload = nil
		return res
	}

	// Deadline expiry during execution is reported, but the operation
	// itself was not aborted; aborting mid-flight would leave the
	// device state undefined.
	if !r.Deadline.IsZero() && time.Now().After(r.Deadline) {
		res.Status = wire.StatusTimeout
		res.Payload = nil
		return res
	}

	res.Status = wire.StatusOK
	return res
}

// classify maps a device error to a wire status. A DeviceError is
// fatal for the partition: the registry unbinds it and notifies every
// session holding it.
func (w *Worker) classify(err error) wire.Status {
	switch {
	case errors.Is(err, device.ErrOutOfExtent):
		return wire.StatusOutOfRange
	case os.IsPermission(err):
		return wire.StatusPermissionDenied
	case os.IsNotExist(err):
		return wire.StatusNotFound
	case errors.Is(err, os.ErrDeadlineExceeded):
		return wire.StatusTimeout
	}

	log.Error().Err(err).Str("partition", w.id).Msg("device failure")

	if w.onFatal != nil {
		w.fatalOnce.Do(func() {
			go w.onFatal(w.id, err)
		})
	}

	return wire.StatusDeviceError
}
