// Copyright (C) 2025 Canmi

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canmi/anchr/internal/device"
	"github.com/canmi/anchr/internal/wire"
)

func submit(t *testing.T, w *Worker, r *Request) Result {
	t.Helper()
	require.NoError(t, w.Submit(context.Background(), r))
	select {
	case res := <-r.Done():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return Result{}
	}
}

func TestReadAfterWrite(t *testing.T) {
	assert := assert.New(t)

	w := New("p0", device.NewMem(1<<20), 0, nil)
	defer w.Stop()

	data := []byte("issuance order consistency")

	res := submit(t, w, NewRequest(wire.OpWrite, 4096, int64(len(data)), data, time.Time{}))
	assert.Equal(wire.StatusOK, res.Status)

	res = submit(t, w, NewRequest(wire.OpRead, 4096, int64(len(data)), nil, time.Time{}))
	assert.Equal(wire.StatusOK, res.Status)
	assert.Equal(data, res.Payload)
}

func TestAdmissionOrderUnderConcurrency(t *testing.T) {
	assert := assert.New(t)

	w := New("p0", device.NewMem(4096), 0, nil)
	defer w.Stop()

	// Interleave writes and reads to one cell in admission order. Every
	// read must observe the write admitted immediately before it.
	ctx := context.Background()
	const rounds = 64

	reads := make([]*Request, rounds)
	for i := 0; i < rounds; i++ {
		wr := NewRequest(wire.OpWrite, 0, 1, []byte{byte(i)}, time.Time{})
		require.NoError(t, w.Submit(ctx, wr))

		reads[i] = NewRequest(wire.OpRead, 0, 1, nil, time.Time{})
		require.NoError(t, w.Submit(ctx, reads[i]))
	}

	for i, rd := range reads {
		res := <-rd.Done()
		require.Equal(t, wire.StatusOK, res.Status)
		assert.Equal([]byte{byte(i)}, res.Payload)
	}
}

func TestConcurrentReads(t *testing.T) {
	w := New("p0", device.NewMem(1<<20), 0, nil)
	defer w.Stop()

	res := submit(t, w, NewRequest(wire.OpWrite, 0, 8, []byte("parallel"), time.Time{}))
	require.Equal(t, wire.StatusOK, res.Status)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		r := NewRequest(wire.OpRead, 0, 8, nil, time.Time{})
		require.NoError(t, w.Submit(context.Background(), r))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := <-r.Done()
			assert.Equal(t, wire.StatusOK, res.Status)
			assert.Equal(t, []byte("parallel"), res.Payload)
		}()
	}
	wg.Wait()
}

func TestFlushAcknowledges(t *testing.T) {
	w := New("p0", device.NewMem(1<<16), 0, nil)
	defer w.Stop()

	require.NoError(t, w.Submit(context.Background(), NewRequest(wire.OpWrite, 0, 4, []byte("data"), time.Time{})))

	res := submit(t, w, NewRequest(wire.OpFlush, 0, 0, nil, time.Time{}))
	assert.Equal(t, wire.StatusOK, res.Status)
}

func TestTrimZeroes(t *testing.T) {
	w := New("p0", device.NewMem(1<<16), 0, nil)
	defer w.Stop()

	res := submit(t, w, NewRequest(wire.OpWrite, 0, 4, []byte{1, 2, 3, 4}, time.Time{}))
	require.Equal(t, wire.StatusOK, res.Status)

	res = submit(t, w, NewRequest(wire.OpTrim, 0, 4, nil, time.Time{}))
	require.Equal(t, wire.StatusOK, res.Status)

	res = submit(t, w, NewRequest(wire.OpRead, 0, 4, nil, time.Time{}))
	require.Equal(t, wire.StatusOK, res.Status)
	assert.Equal(t, []byte{0, 0, 0, 0}, res.Payload)
}

func TestOutOfExtent(t *testing.T) {
	w := New("p0", device.NewMem(1024), 0, nil)
	defer w.Stop()

	res := submit(t, w, NewRequest(wire.OpRead, 1020, 16, nil, time.Time{}))
	assert.Equal(t, wire.StatusOutOfRange, res.Status)
}

func TestCancelBeforeExecution(t *testing.T) {
	assert := assert.New(t)

	// Park the worker on a blocked write so the next request stays
	// queued, then cancel the queued one.
	dev := &countingDevice{Mem: device.NewMem(1 << 16), block: make(chan struct{})}
	w := New("p0", dev, 8, nil)
	defer w.Stop()

	slow := NewRequest(wire.OpWrite, 0, 1, []byte{1}, time.Time{})
	require.NoError(t, w.Submit(context.Background(), slow))

	victim := NewRequest(wire.OpWrite, 1, 1, []byte{2}, time.Time{})
	require.NoError(t, w.Submit(context.Background(), victim))

	assert.True(victim.Cancel())

	close(dev.block)
	<-slow.Done()

	res := <-victim.Done()
	assert.Equal(wire.StatusCancelled, res.Status)
	assert.EqualValues(1, dev.writes.Load())
}

func TestRequestClaimIsExclusive(t *testing.T) {
	// Cancelling and starting race over the same idle state; whichever
	// transition wins, the other must observe it and lose.
	r := NewRequest(wire.OpWrite, 0, 1, []byte{1}, time.Time{})
	require.True(t, r.begin())
	assert.False(t, r.Cancel())

	r = NewRequest(wire.OpWrite, 0, 1, []byte{1}, time.Time{})
	require.True(t, r.Cancel())
	assert.False(t, r.begin())
	assert.False(t, r.Cancel())
}

func TestQueuedDeadlineExpiry(t *testing.T) {
	dev := &countingDevice{Mem: device.NewMem(1 << 16), block: make(chan struct{})}
	w := New("p0", dev, 8, nil)
	defer w.Stop()

	slow := NewRequest(wire.OpWrite, 0, 1, []byte{1}, time.Time{})
	require.NoError(t, w.Submit(context.Background(), slow))

	expired := NewRequest(wire.OpWrite, 1, 1, []byte{2}, time.Now().Add(10*time.Millisecond))
	require.NoError(t, w.Submit(context.Background(), expired))

	time.Sleep(50 * time.Millisecond)
	close(dev.block)
	<-slow.Done()

	res := <-expired.Done()
	assert.Equal(t, wire.StatusTimeout, res.Status)
	assert.EqualValues(t, 1, dev.writes.Load())
}

func TestFatalDeviceError(t *testing.T) {
	assert := assert.New(t)

	fatal := make(chan string, 1)
	w := New("p0", &failingDevice{}, 0, func(id string, err error) {
		fatal <- id
	})
	defer w.Stop()

	res := submit(t, w, NewRequest(wire.OpWrite, 0, 1, []byte{1}, time.Time{}))
	assert.Equal(wire.StatusDeviceError, res.Status)

	select {
	case id := <-fatal:
		assert.Equal("p0", id)
	case <-time.After(time.Second):
		t.Fatal("fatal hook not invoked")
	}
}

func TestStopAnswersQueued(t *testing.T) {
	dev := &countingDevice{Mem: device.NewMem(1 << 16), block: make(chan struct{})}
	w := New("p0", dev, 8, nil)

	slow := NewRequest(wire.OpWrite, 0, 1, []byte{1}, time.Time{})
	require.NoError(t, w.Submit(context.Background(), slow))

	queued := NewRequest(wire.OpWrite, 1, 1, []byte{2}, time.Time{})
	require.NoError(t, w.Submit(context.Background(), queued))

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	close(dev.block)

	// In-flight completes, queued is refused.
	res := <-slow.Done()
	assert.Equal(t, wire.StatusOK, res.Status)

	res = <-queued.Done()
	assert.Equal(t, wire.StatusNotFound, res.Status)

	<-done
	assert.ErrorIs(t, w.Submit(context.Background(), NewRequest(wire.OpRead, 0, 1, nil, time.Time{})), ErrStopped)
}

// countingDevice wraps Mem, counting writes and optionally blocking the
// first one until released.
type countingDevice struct {
	*device.Mem
	writes  atomic.Int64
	block   chan struct{}
	blocked sync.Once
}

func (d *countingDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.block != nil {
		d.blocked.Do(func() { <-d.block })
	}
	d.writes.Add(1)
	return d.Mem.WriteAt(p, off)
}

type failingDevice struct{}

func (failingDevice) ReadAt(p []byte, off int64) (int, error)  { return 0, errors.New("io failure") }
func (failingDevice) WriteAt(p []byte, off int64) (int, error) { return 0, errors.New("io failure") }
func (failingDevice) Sync() error                              { return errors.New("io failure") }
func (failingDevice) Trim(off, length int64) error             { return errors.New("io failure") }
func (failingDevice) Size() int64                              { return 1 << 16 }
func (failingDevice) Close() error                             { return nil }
