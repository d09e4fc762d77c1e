// Copyright (C) 2025 Canmi

package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemReadWrite(t *testing.T) {
	assert := assert.New(t)

	m := NewMem(1 << 16)
	assert.EqualValues(1<<16, m.Size())

	data := []byte("hello block world")
	n, err := m.WriteAt(data, 4096)
	require.NoError(t, err)
	assert.Equal(len(data), n)

	got := make([]byte, len(data))
	n, err = m.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(len(data), n)
	assert.Equal(data, got)
}

func TestMemBounds(t *testing.T) {
	assert := assert.New(t)

	m := NewMem(1024)

	_, err := m.ReadAt(make([]byte, 16), 1020)
	assert.ErrorIs(err, ErrOutOfExtent)

	_, err = m.WriteAt(make([]byte, 1), 1024)
	assert.ErrorIs(err, ErrOutOfExtent)

	assert.ErrorIs(m.Trim(512, 1024), ErrOutOfExtent)
}

func TestMemTrim(t *testing.T) {
	assert := assert.New(t)

	m := NewMem(8192)
	_, err := m.WriteAt(bytes.Repeat([]byte{0xff}, 8192), 0)
	require.NoError(t, err)

	require.NoError(t, m.Trim(1024, 2048))

	got := make([]byte, 8192)
	_, err = m.ReadAt(got, 0)
	require.NoError(t, err)

	assert.Equal(bytes.Repeat([]byte{0xff}, 1024), got[:1024])
	assert.Equal(make([]byte, 2048), got[1024:3072])
	assert.Equal(bytes.Repeat([]byte{0xff}, 8192-3072), got[3072:])
}

func TestOpenMemScheme(t *testing.T) {
	d, err := Open("mem:4096", 0, 0, false)
	require.NoError(t, err)
	defer d.Close()

	assert.EqualValues(t, 4096, d.Size())

	_, err = Open("mem:zero", 0, 0, false)
	assert.Error(t, err)
}

func TestFileDeviceExtent(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0o644))

	// Extent covering the middle of the file.
	d, err := Open(path, 4096, 8192, false)
	require.NoError(t, err)
	defer d.Close()

	assert.EqualValues(8192, d.Size())

	data := []byte("extent data")
	_, err = d.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, d.Sync())

	// The write must land at base+0 in the underlying file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(data, raw[4096:4096+len(data)])

	got := make([]byte, len(data))
	_, err = d.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(data, got)

	// Crossing the extent end is refused even though the file goes on.
	_, err = d.WriteAt(data, 8190)
	assert.ErrorIs(err, ErrOutOfExtent)
}

func TestFileDeviceProbesSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 65536), 0o644))

	d, err := Open(path, 0, 0, true)
	require.NoError(t, err)
	defer d.Close()

	assert.EqualValues(t, 65536, d.Size())
}

func TestFileDeviceTrimReadsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xee}, 65536), 0o644))

	d, err := Open(path, 0, 0, false)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Trim(8192, 4096))

	got := make([]byte, 4096)
	_, err = d.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got)
}
