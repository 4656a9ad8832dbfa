// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment provides a bounded ring of stores. Each slot carries
// one store plus lifecycle metadata: a monotonic segment number, an
// atomic reference count and a four-state machine
// (FREE → WRITING → CLOSED → READING → FREE). The ring gives the queue
// bounded memory over an unbounded sequence of segments: closed
// segments release their mapping and descriptor while the file stays on
// disk, and are lazily re-opened when a reader arrives.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/mmq/store"
	"github.com/dreamsxin/mmq/types"
)

// MaxSegments is the ring capacity. Power of two; slot index is the
// segment number modulo MaxSegments.
const MaxSegments = 1 << 15

// State is a segment's lifecycle position.
type State uint8

const (
	Free State = iota
	Writing
	Closed
	Reading
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Writing:
		return "WRITING"
	case Closed:
		return "CLOSED"
	case Reading:
		return "READING"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Factory builds the store for one segment. reopen distinguishes
// re-mapping an existing file for reading from creating a fresh one.
type Factory func(dir, name string, size uint32, reopen bool) (store.Store, error)

// Segment is one ring slot. The state field is guarded by the ring's
// lock; the refcount is atomic so get/release only need the read side.
type Segment struct {
	st       store.Store
	number   uint32
	refcount uint32
	state    State
}

// Store returns the segment's store. Valid only while the caller holds
// a reference from GetForWriting or GetForReading.
func (s *Segment) Store() store.Store {
	return s.st
}

// Number returns the segment number this slot currently holds.
func (s *Segment) Number() uint32 {
	return s.number
}

// Ring is the circular buffer of segments. head is the next number to
// allocate, tail the oldest live segment; the ring is full when head+1
// meets tail modulo MaxSegments.
type Ring struct {
	mu    sync.RWMutex
	slots []Segment
	head  uint32
	tail  uint32

	dir         string
	name        string
	segmentSize uint32
	newStore    Factory

	logger log.Logger
}

// New creates an empty ring. Segment files are named by appending the
// segment number to name inside dir.
func New(dir, name string, segmentSize uint32, factory Factory, logger log.Logger) *Ring {
	return &Ring{
		slots:       make([]Segment, MaxSegments),
		dir:         dir,
		name:        name,
		segmentSize: segmentSize,
		newStore:    factory,
		logger:      logger,
	}
}

// Open rebuilds a ring spanning [start, end). Every recovered segment
// enters CLOSED: durable on disk, no resources held, re-opened lazily
// when a reader asks for it.
func Open(dir, name string, segmentSize uint32, factory Factory, logger log.Logger,
	start, end uint32) (*Ring, error) {

	if start > end {
		return nil, fmt.Errorf("segment range [%d, %d) is inverted", start, end)
	}
	if end-start >= MaxSegments-1 {
		return nil, fmt.Errorf("segment range [%d, %d) exceeds ring capacity %d", start, end, MaxSegments)
	}

	r := New(dir, name, segmentSize, factory, logger)
	r.tail = start
	r.head = start
	for r.head < end {
		seg := r.slot(r.head)
		seg.state = Closed
		seg.number = r.head
		r.head++
	}
	return r, nil
}

func (r *Ring) slot(number uint32) *Segment {
	return &r.slots[number%MaxSegments]
}

func (r *Ring) segmentName(number uint32) string {
	return r.name + strconv.FormatUint(uint64(number), 10)
}

func (r *Ring) fullLocked() bool {
	return (r.head+1)%MaxSegments == r.tail%MaxSegments
}

func (r *Ring) containsLocked(number uint32) bool {
	return r.tail <= number && number < r.head
}

// initSegmentLocked constructs the slot's store, creating the file or
// re-opening an existing one.
func (r *Ring) initSegmentLocked(seg *Segment, number uint32, reopen bool) error {
	if seg.state != Free && seg.state != Closed {
		panic(fmt.Sprintf("mmq: initializing segment %d in state %s", number, seg.state))
	}
	if seg.st != nil {
		panic(fmt.Sprintf("mmq: segment %d already has a store", number))
	}

	st, err := r.newStore(r.dir, r.segmentName(number), r.segmentSize, reopen)
	if err != nil {
		return fmt.Errorf("segment %d store: %w", number, err)
	}
	seg.st = st
	seg.number = number
	return nil
}

// releaseSegmentLocked tears the slot's store down, destroying the file
// or merely closing the resources.
func (r *Ring) releaseSegmentLocked(seg *Segment, destroy bool) error {
	if !r.containsLocked(seg.number) {
		panic(fmt.Sprintf("mmq: releasing segment %d outside [%d, %d)", seg.number, r.tail, r.head))
	}
	if seg.state == Free || seg.state == Closed {
		panic(fmt.Sprintf("mmq: releasing segment %d in state %s", seg.number, seg.state))
	}
	if atomic.LoadUint32(&seg.refcount) != 0 {
		panic(fmt.Sprintf("mmq: releasing segment %d with refcount %d", seg.number, seg.refcount))
	}

	var err error
	if destroy {
		err = seg.st.Destroy()
		seg.state = Free
	} else {
		err = seg.st.Close()
		seg.state = Closed
	}
	seg.st = nil
	return err
}

// Allocate constructs segment number in the next head slot and marks it
// WRITING. A number below head reports ErrAlreadyAllocated without
// mutating anything, which callers racing to allocate treat as success.
// A number past head is a programming error.
func (r *Ring) Allocate(number uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fullLocked() {
		return types.ErrRingFull
	}
	if number > r.head {
		panic(fmt.Sprintf("mmq: allocating segment %d past head %d", number, r.head))
	}
	if number < r.head {
		return types.ErrAlreadyAllocated
	}

	seg := r.slot(number)
	if seg.state != Free {
		panic(fmt.Sprintf("mmq: allocating into slot in state %s", seg.state))
	}
	if err := r.initSegmentLocked(seg, number, false); err != nil {
		return err
	}
	r.head++
	seg.state = Writing
	return nil
}

// GetForWriting returns the segment with its refcount bumped, or nil if
// the number left the window or the segment is no longer WRITING (the
// caller raced with a sync and should reload its view).
func (r *Ring) GetForWriting(number uint32) *Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if number >= r.head {
		panic(fmt.Sprintf("mmq: getting segment %d before it was allocated (head %d)", number, r.head))
	}
	if !r.containsLocked(number) {
		return nil
	}
	seg := r.slot(number)
	if seg.state != Writing {
		return nil
	}
	atomic.AddUint32(&seg.refcount, 1)
	return seg
}

// GetForReading returns the segment with its refcount bumped, lazily
// re-opening a CLOSED segment's store. It returns nil when the number
// is outside the window or the slot is FREE (a slow reader can observe
// both). Asking to read a WRITING segment is a programming error.
func (r *Ring) GetForReading(number uint32) (*Segment, error) {
	// Write lock: the lazy reopen constructs a store.
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.containsLocked(number) {
		return nil, nil
	}
	seg := r.slot(number)
	switch seg.state {
	case Free:
		return nil, nil
	case Writing:
		panic(fmt.Sprintf("mmq: getting segment %d for reading while WRITING", number))
	case Closed:
		if err := r.initSegmentLocked(seg, number, true); err != nil {
			return nil, err
		}
		seg.state = Reading
	}
	atomic.AddUint32(&seg.refcount, 1)
	return seg, nil
}

// ReleaseForWriting drops a writer reference.
func (r *Ring) ReleaseForWriting(number uint32) {
	r.release(number, Writing)
}

// ReleaseForReading drops a reader reference.
func (r *Ring) ReleaseForReading(number uint32) {
	r.release(number, Reading)
}

func (r *Ring) release(number uint32, want State) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.containsLocked(number) {
		panic(fmt.Sprintf("mmq: releasing segment %d outside [%d, %d)", number, r.tail, r.head))
	}
	seg := r.slot(number)
	if seg.state != want {
		panic(fmt.Sprintf("mmq: releasing %s segment %d in state %s", want, number, seg.state))
	}
	for {
		ref := atomic.LoadUint32(&seg.refcount)
		if ref == 0 {
			panic(fmt.Sprintf("mmq: refcount underflow on segment %d", number))
		}
		if atomic.CompareAndSwapUint32(&seg.refcount, ref, ref-1) {
			return
		}
	}
}

// Close transitions a WRITING segment to CLOSED, releasing its mapping
// and descriptor while preserving the file. It refuses (without
// aborting) when references are still held or the slot is not WRITING,
// so slow threads with stale numbers can recover.
func (r *Ring) Close(number uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg := r.slot(number)
	if atomic.LoadUint32(&seg.refcount) != 0 {
		return types.ErrSegmentBusy
	}
	if seg.state != Writing {
		return types.ErrSegmentState
	}
	return r.releaseSegmentLocked(seg, false)
}

// FreeUpTo destroys READING segments with no outstanding references,
// walking tail forward while tail <= number. It stops at the first
// segment that cannot be freed and returns the new tail: the segment
// number up to which everything has been destroyed.
func (r *Ring) FreeUpTo(number uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.tail <= number && r.head != r.tail {
		seg := r.slot(r.tail)
		if seg.state != Reading {
			break
		}
		if atomic.LoadUint32(&seg.refcount) != 0 {
			break
		}
		if err := r.releaseSegmentLocked(seg, true); err != nil {
			level.Error(r.logger).Log("msg", "failed to destroy segment", "segment", r.tail, "err", err)
		}
		r.tail++
	}
	return r.tail
}

// IsEmpty reports whether no segments are live.
func (r *Ring) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head == r.tail
}

// CloseAll releases every live segment's resources, keeping all files.
// Single-threaded teardown; the ring must not be used afterwards.
func (r *Ring) CloseAll() error {
	return r.drain(false)
}

// Destroy releases every live segment and unlinks all segment files,
// including those of CLOSED segments whose resources were already
// released. Single-threaded teardown.
func (r *Ring) Destroy() error {
	return r.drain(true)
}

func (r *Ring) drain(destroy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for r.head != r.tail {
		seg := r.slot(r.tail)
		switch seg.state {
		case Free:
			panic(fmt.Sprintf("mmq: draining ring found FREE segment %d", r.tail))
		case Closed:
			if destroy {
				if err := removeFile(r.dir, r.segmentName(r.tail)); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			seg.state = Free
		default:
			if err := r.releaseSegmentLocked(seg, destroy); err != nil && firstErr == nil {
				firstErr = err
			}
			if !destroy {
				// releaseSegmentLocked left it CLOSED; the ring is going
				// away, so mark the slot reusable for consistency.
				seg.state = Free
			}
		}
		r.tail++
	}
	return firstErr
}

// removeFile unlinks a segment file that has no open store. A file
// already gone is not an error.
func removeFile(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
