// Copyright (C) 2025 Canmi

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func established(t *testing.T, limits Limits) *Session {
	t.Helper()
	s := New("ab:cd", "127.0.0.1:4433", limits)
	require.NoError(t, s.Advance(Authenticating))
	require.NoError(t, s.Advance(Established))
	return s
}

func TestStateMachineForwardOnly(t *testing.T) {
	assert := assert.New(t)

	s := New("ab:cd", "127.0.0.1:4433", Limits{})
	assert.Equal(Connecting, s.State())

	require.NoError(t, s.Advance(Authenticating))
	require.NoError(t, s.Advance(Established))
	require.NoError(t, s.Advance(Draining))
	require.NoError(t, s.Advance(Closed))

	assert.Error(s.Advance(Established))
	assert.Equal(Closed, s.State())
}

func TestAuthFailureSkipsToClosed(t *testing.T) {
	s := New("ab:cd", "127.0.0.1:4433", Limits{})
	require.NoError(t, s.Advance(Authenticating))
	require.NoError(t, s.Advance(Closed))
	assert.Equal(t, Closed, s.State())
}

func TestStreamLimit(t *testing.T) {
	assert := assert.New(t)

	s := established(t, Limits{MaxStreams: 2})

	assert.NoError(s.AddStream(0))
	assert.NoError(s.AddStream(4))
	assert.ErrorIs(s.AddStream(8), ErrTooManyStreams)

	// Closing a stream frees a slot; the session itself was never torn
	// down.
	s.RemoveStream(0)
	assert.NoError(s.AddStream(8))
	assert.Equal(2, s.Streams())
}

func TestInflightBudget(t *testing.T) {
	assert := assert.New(t)

	s := established(t, Limits{MaxInflightBytes: 1024})

	assert.NoError(s.Reserve(512))
	assert.NoError(s.Reserve(512))
	assert.ErrorIs(s.Reserve(1), ErrOverloaded)

	s.Release(512)
	assert.NoError(s.Reserve(256))
	assert.EqualValues(768, s.Inflight())
}

func TestDrainingRefusesNewWork(t *testing.T) {
	assert := assert.New(t)

	s := established(t, Limits{})
	require.NoError(t, s.Advance(Draining))

	assert.ErrorIs(s.AddStream(0), ErrNotAccepting)
	assert.ErrorIs(s.Reserve(1), ErrNotAccepting)
}

func TestManager(t *testing.T) {
	assert := assert.New(t)

	m := NewManager()
	a := New("aa", "1.2.3.4:1", Limits{})
	b := New("bb", "1.2.3.4:2", Limits{})

	m.Add(a)
	m.Add(b)
	assert.Equal(2, m.Len())

	got, ok := m.Get(a.ID())
	require.True(t, ok)
	assert.Same(a, got)

	m.Remove(a.ID())
	assert.Equal(1, m.Len())
	assert.Len(m.List(), 1)
}
