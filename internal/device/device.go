// Copyright (C) 2025 Canmi

// Package device abstracts the backing store of one exported partition.
// The real implementation wraps an open block device or regular file
// and addresses a byte-range extent inside it. A memory-backed
// implementation exists for tests and for benchmarking the protocol
// path without touching a disk.
package device

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Device is the raw byte-addressable store behind one partition.
// Offsets are relative to the partition extent, not to the underlying
// file. Implementations do not need to be safe for concurrent mutation;
// the I/O worker serializes all mutating calls.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Sync blocks until every previously completed write is durable.
	Sync() error

	// Trim discards the given range. The range reads back as zeroes.
	Trim(off, length int64) error

	// Size returns the extent size in bytes.
	Size() int64

	Close() error
}

// ErrOutOfExtent is returned when an access would cross the partition
// extent. The dispatcher rejects such requests before they reach a
// device; seeing this error here means a bookkeeping bug upstream, but
// the device must still never touch bytes outside its extent.
var ErrOutOfExtent = errors.New("device: access outside extent")

const memScheme = "mem:"

// Open opens the backing store at path. A path of the form "mem:<n>"
// yields an n-byte memory device, everything else is opened as a file
// or block device. Extent base/size of zero means "whole device"; size
// is then probed by seeking to the end.
func Open(path string, base, size int64, readOnly bool) (Device, error) {
	if strings.HasPrefix(path, memScheme) {
		n, err := strconv.ParseInt(strings.TrimPrefix(path, memScheme), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("device: bad memory device size in %q", path)
		}
		return NewMem(n), nil
	}

	return openFile(path, base, size, readOnly)
}
