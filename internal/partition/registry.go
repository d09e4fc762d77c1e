// Copyright (C) 2025 Canmi

// Package partition owns the set of exported partitions: binding,
// lookup and the reader/writer claim bookkeeping that enforces the
// single-writer guarantee. The registry lock covers only bind, unbind,
// lookup and claim changes; request execution never holds it.
package partition

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/device"
	"github.com/canmi/anchr/internal/wire"
	"github.com/canmi/anchr/internal/worker"
)

// Info describes one bound partition as configured by the operator.
type Info struct {
	ID        string
	Path      string
	Base      int64
	Size      int64
	BlockSize uint32
	ReadOnly  bool
}

// Partition is one bound export. Claim state is guarded by the
// registry, the worker serializes device access.
type Partition struct {
	Info
	Worker *worker.Worker

	writer  uuid.UUID
	readers map[uuid.UUID]struct{}
}

// RevokeFunc is called for every session holding a partition that goes
// away underneath it. cause is StatusDeviceError for a hardware
// failure and StatusNotFound for an administrative unbind.
type RevokeFunc func(sess uuid.UUID, partitionID string, cause wire.Status)

// Registry tracks bound partitions. Access from any goroutine.
type Registry struct {
	mu    sync.RWMutex
	parts map[string]*Partition

	queueDepth int
	onRevoke   RevokeFunc
}

func NewRegistry(queueDepth int) *Registry {
	return &Registry{
		parts:      make(map[string]*Partition),
		queueDepth: queueDepth,
	}
}

// SetRevokeFunc installs the session notification hook. Must be called
// before the first bind.
func (r *Registry) SetRevokeFunc(fn RevokeFunc) {
	r.onRevoke = fn
}

// Bind opens the backing device described by info and starts its
// worker. Capabilities are captured here and never change while bound.
func (r *Registry) Bind(info Info) error {
	if info.BlockSize != 512 {
		info.BlockSize = 4096
	}

	dev, err := device.Open(info.Path, info.Base, info.Size, info.ReadOnly)
	if err != nil {
		return err
	}
	info.Size = dev.Size()

	r.mu.Lock()
	if _, ok := r.parts[info.ID]; ok {
		r.mu.Unlock()
		dev.Close()
		return ErrExists
	}

	p := &Partition{
		Info:    info,
		readers: make(map[uuid.UUID]struct{}),
	}
	p.Worker = worker.New(info.ID, dev, r.queueDepth, r.fail)
	r.parts[info.ID] = p
	r.mu.Unlock()

	log.Info().Str("partition", info.ID).Str("path", info.Path).
		Int64("size", info.Size).Bool("read_only", info.ReadOnly).
		Msg("partition bound")

	return nil
}

// Unbind removes a partition administratively. Holding sessions are
// notified with NotFound, in-flight requests complete, queued ones are
// answered NotFound by the stopping worker.
func (r *Registry) Unbind(id string) error {
	return r.remove(id, wire.StatusNotFound)
}

// fail is the worker's fatal-error hook: the partition is unbound and
// every holder is told the device is gone.
func (r *Registry) fail(id string, err error) {
	log.Error().Err(err).Str("partition", id).Msg("unbinding partition after device failure")

	if err := r.remove(id, wire.StatusDeviceError); err != nil {
		log.Warn().Err(err).Str("partition", id).Msg("fatal unbind")
	}
}

func (r *Registry) remove(id string, cause wire.Status) error {
	r.mu.Lock()
	p, ok := r.parts[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.parts, id)

	holders := make([]uuid.UUID, 0, len(p.readers)+1)
	if p.writer != uuid.Nil {
		holders = append(holders, p.writer)
	}
	for s := range p.readers {
		holders = append(holders, s)
	}
	p.writer = uuid.Nil
	p.readers = make(map[uuid.UUID]struct{})
	r.mu.Unlock()

	for _, s := range holders {
		if r.onRevoke != nil {
			r.onRevoke(s, id, cause)
		}
	}

	p.Worker.Stop()

	log.Info().Str("partition", id).Msg("partition unbound")

	return nil
}

// Lookup returns the bound partition with the given id.
func (r *Registry) Lookup(id string) (*Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.parts[id]
	return p, ok
}

// List snapshots the bound partitions in no particular order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.parts))
	for _, p := range r.parts {
		out = append(out, p.Info)
	}
	return out
}

// Acquire claims access to a partition for a session. Write access is
// exclusive against every other claim; read access coexists with other
// readers only. Conflicts are refused here, at negotiation time, never
// queued.
func (r *Registry) Acquire(id string, sess uuid.UUID, mode wire.AccessMode) (wire.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.parts[id]
	if !ok {
		return wire.Capability{}, ErrNotFound
	}

	cap := wire.Capability{
		Partition: p.ID,
		BlockSize: p.BlockSize,
		Size:      uint64(p.Size),
		ReadOnly:  p.ReadOnly,
	}

	switch mode {
	case wire.AccessWrite:
		if p.ReadOnly {
			return cap, ErrReadOnly
		}
		if p.writer != uuid.Nil && p.writer != sess {
			return cap, ErrConflict
		}
		if n := len(p.readers); n > 1 || (n == 1 && !hasReader(p, sess)) {
			return cap, ErrConflict
		}
		p.writer = sess
		delete(p.readers, sess)
		cap.Granted = wire.AccessWrite

	case wire.AccessRead:
		if p.writer != uuid.Nil && p.writer != sess {
			return cap, ErrConflict
		}
		if p.writer != sess {
			p.readers[sess] = struct{}{}
		}
		cap.Granted = wire.AccessRead
		if p.writer == sess {
			cap.Granted = wire.AccessWrite
		}

	default:
		return cap, ErrConflict
	}

	return cap, nil
}

func hasReader(p *Partition, sess uuid.UUID) bool {
	_, ok := p.readers[sess]
	return ok
}

// Access reports the mode the session currently holds on a partition.
func (r *Registry) Access(id string, sess uuid.UUID) wire.AccessMode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.parts[id]
	if !ok {
		return wire.AccessNone
	}
	if p.writer == sess {
		return wire.AccessWrite
	}
	if _, ok := p.readers[sess]; ok {
		return wire.AccessRead
	}
	return wire.AccessNone
}

// ReleaseSession drops every claim the session holds. Called exactly
// once when a session closes; afterwards no exclusive lock of that
// session survives anywhere.
func (r *Registry) ReleaseSession(sess uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.parts {
		if p.writer == sess {
			p.writer = uuid.Nil
		}
		delete(p.readers, sess)
	}
}

// Close unbinds everything. Used at daemon shutdown.
func (r *Registry) Close() {
	for _, info := range r.List() {
		if err := r.Unbind(info.ID); err != nil && err != ErrNotFound {
			log.Warn().Err(err).Str("partition", info.ID).Msg("unbind at shutdown")
		}
	}
}
