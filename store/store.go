// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package store implements fixed-size append-only block logs. A store
// holds length-prefixed opaque blocks and moves through a three-phase
// lifecycle: writable, sealing (a sync is draining writers), and synced
// (durable, readers admitted). Two implementations are provided: a
// memory-mapped store and an LZ4 decorator that compresses each block
// while preserving the store contract.
package store

// Store is one fixed-size block log.
//
// Write appends a block and returns the byte offset of its frame. It
// returns types.ErrStoreFull when the block does not fit and
// types.ErrSealing when a sync is in progress; both mean the caller
// should move on to a fresh store.
//
// Sync seals the store (no new writers, wait for active ones to drain),
// forces it to durable storage and admits readers. Syncing an empty
// store returns types.ErrEmptyStore.
//
// PopCursor is the shared single-consumer hand-off: each block is
// returned to exactly one caller. A nil cursor with a nil error means
// the store is drained.
//
// Close releases in-memory resources and keeps the file; Destroy also
// unlinks it.
type Store interface {
	Write(p []byte) (uint32, error)
	Sync() error

	NewCursor() Cursor
	PopCursor() (Cursor, error)

	StartOffset() uint32
	WriteOffset() uint32
	Capacity() uint32

	Close() error
	Destroy() error
}

// Cursor is a forward-only view over the blocks of a synced store. It
// is not safe for concurrent use.
type Cursor interface {
	// Seek positions the cursor on the block whose frame starts at
	// offset. It returns types.ErrEnd at the zero end-of-data prefix,
	// types.ErrOutOfBounds past capacity, types.ErrUnsynced before the
	// store's sync completed and types.ErrInvalidSeek when the resulting
	// position would not move forward.
	Seek(offset uint32) error

	// Advance moves to the next block. On an unpositioned cursor it
	// returns types.ErrUninitialised; running off the end of the store
	// reports types.ErrEnd.
	Advance() error

	Offset() uint32
	Size() uint32
	Data() []byte

	Close() error
}
