// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import "errors"

var (
	// ErrStoreFull is returned by a store write when the block does not fit
	// in the remaining capacity.
	ErrStoreFull = errors.New("store full")

	// ErrSealing is returned by a store write that raced with a sync. The
	// store admits no new writers once the syncing bit is set.
	ErrSealing = errors.New("store sync in progress")

	// ErrUnsynced is returned by cursor reads on a store whose sync has not
	// completed yet. Transient; the caller may retry after a sync.
	ErrUnsynced = errors.New("store not synced")

	// ErrEmptyStore is returned when syncing a store that holds no blocks.
	ErrEmptyStore = errors.New("store is empty")

	// ErrEmptyWrite rejects zero-length blocks, which would collide with
	// the zero length prefix that marks end of data.
	ErrEmptyWrite = errors.New("zero-length block")

	// Cursor statuses.
	ErrEnd           = errors.New("end of store data")
	ErrOutOfBounds   = errors.New("offset out of bounds")
	ErrInvalidSeek   = errors.New("invalid seek direction")
	ErrUninitialised = errors.New("uninitialised cursor")

	// ErrBadFormat is returned when opening a file whose magic or recorded
	// size does not match. Callers must treat it as fatal.
	ErrBadFormat = errors.New("bad file format")

	// ErrDecompress is returned by compressed-store cursor reads when a
	// block fails to decompress.
	ErrDecompress = errors.New("block decompression fault")

	// ErrRaceLost is returned by a persistent counter compare-and-swap
	// whose expected value no longer matches.
	ErrRaceLost = errors.New("compare and swap lost race")

	// Segment ring statuses.
	ErrAlreadyAllocated = errors.New("segment already allocated")
	ErrRingFull         = errors.New("segment ring full")
	ErrSegmentBusy      = errors.New("segment has outstanding references")
	ErrSegmentState     = errors.New("segment not in expected state")

	// ErrClosed is returned by calls on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Flags control creation behavior for queues, stores and counters.
type Flags uint32

const (
	// DeleteIfExists truncates or removes existing files of the same name
	// at creation instead of failing.
	DeleteIfExists Flags = 1 << iota
)
