// Copyright (C) 2025 Canmi

package partition

import "errors"

var (
	// ErrNotFound means no partition with that id is bound.
	ErrNotFound = errors.New("partition: not bound")

	// ErrExists means a partition with that id is already bound.
	ErrExists = errors.New("partition: already bound")

	// ErrConflict means the requested access mode clashes with claims
	// held by other sessions.
	ErrConflict = errors.New("partition: access conflict")

	// ErrReadOnly means write access was requested on a read-only
	// partition.
	ErrReadOnly = errors.New("partition: read-only")
)
