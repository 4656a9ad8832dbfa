// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package mmq is a durable multi-producer / multi-consumer FIFO queue
// backed by memory-mapped segment files on a single host. Producers
// append opaque byte blocks; consumers pop them in approximately
// insertion order (interleaving across concurrent producers follows
// the CAS winners). Data survives restart: two persistent counters
// delimit the synced, readable range of segments and recovery rebuilds
// the queue from them.
package mmq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/mmq/counter"
	"github.com/dreamsxin/mmq/segment"
	"github.com/dreamsxin/mmq/store"
	"github.com/dreamsxin/mmq/types"
)

var (
	ErrClosed     = types.ErrClosed
	ErrEmptyWrite = types.ErrEmptyWrite
	ErrQueueFull  = types.ErrRingFull
	ErrBadFormat  = types.ErrBadFormat

	DefaultSegmentSize = 64 * 1024 * 1024
)

const (
	syncHeadSuffix = ".sync_head"
	syncTailSuffix = ".sync_tail"
)

// Queue stitches the segment ring and the persistent cursors into a
// durable FIFO. Three volatile cursors track progress through the
// segment sequence; the two persistent ones are the durable truth used
// by recovery:
//
//	syncTail <= readSegment <= nextCloseSegment <= syncHead <= writeSegment+1
//
// The +1 is the transient window while a sync seals the current write
// segment before its successor is allocated.
type Queue struct {
	closed uint32 // atomically accessed to keep it first in struct for alignment.

	// Volatile segment cursors, all accessed atomically.
	writeSegment     uint32
	readSegment      uint32
	nextCloseSegment uint32

	dir  string
	name string

	segmentSize uint32
	flags       types.Flags
	compress    bool

	ring     *segment.Ring
	syncHead *counter.Value
	syncTail *counter.Value

	reg     prometheus.Registerer
	metrics *queueMetrics

	logger log.Logger
}

// Open opens the queue named name in dir, recovering existing state if
// the persistent cursors are found there. With no prior state (or with
// WithDeleteIfExists) a fresh queue is created. The dir must already
// exist and be writable.
func Open(dir, name string, opts ...Option) (*Queue, error) {
	q := &Queue{
		dir:  dir,
		name: name,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	if q.flags&types.DeleteIfExists == 0 && q.hasPersistedState() {
		if err := q.recoverState(); err != nil {
			return nil, err
		}
	} else {
		if err := q.create(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// hasPersistedState reports whether a previous instance left its
// counters behind. A counter interrupted mid-persist leaves only the
// staging file, which still denotes committed state.
func (q *Queue) hasPersistedState() bool {
	for _, p := range []string{
		q.name + syncHeadSuffix,
		q.name + syncHeadSuffix + ".tmp",
	} {
		if _, err := os.Stat(filepath.Join(q.dir, p)); err == nil {
			return true
		}
	}
	return false
}

func (q *Queue) create() error {
	var err error
	if q.syncHead, err = counter.Create(q.dir, q.name+syncHeadSuffix, pavFlags(q.flags)); err != nil {
		return err
	}
	if q.syncTail, err = counter.Create(q.dir, q.name+syncTailSuffix, pavFlags(q.flags)); err != nil {
		return err
	}
	q.ring = segment.New(q.dir, q.name, q.segmentSize, q.storeFactory(q.flags), q.logger)
	return nil
}

// recoverState rebuilds the queue from the durable counters. Segments in
// [syncTail, syncHead) are durably synced and re-enter the ring in the
// CLOSED state, to be lazily re-opened on first read. Segments at or
// past syncHead may hold partial writes from the crash; the fresh write
// segment truncates whatever file it finds at its number.
func (q *Queue) recoverState() error {
	var err error
	if q.syncHead, err = counter.Open(q.dir, q.name+syncHeadSuffix); err != nil {
		return err
	}
	if q.syncTail, err = counter.Open(q.dir, q.name+syncTailSuffix); err != nil {
		return err
	}

	head := q.syncHead.Get()
	tail := q.syncTail.Get()
	q.ring, err = segment.Open(q.dir, q.name, q.segmentSize,
		q.storeFactory(q.flags|types.DeleteIfExists), q.logger, tail, head)
	if err != nil {
		return err
	}

	atomic.StoreUint32(&q.nextCloseSegment, head)
	atomic.StoreUint32(&q.writeSegment, head)
	atomic.StoreUint32(&q.readSegment, tail)

	if err := q.ring.Allocate(head); err != nil {
		return fmt.Errorf("allocate write segment %d: %w", head, err)
	}

	level.Debug(q.logger).Log("msg", "recovered queue", "syncTail", tail, "syncHead", head)
	return nil
}

// storeFactory builds the per-segment store constructor handed to the
// ring, wrapping with the LZ4 decorator when compression is on.
func (q *Queue) storeFactory(flags types.Flags) segment.Factory {
	return func(dir, name string, size uint32, reopen bool) (store.Store, error) {
		var (
			st  store.Store
			err error
		)
		if reopen {
			st, err = store.Open(dir, name)
		} else {
			st, err = store.Create(size, dir, name, flags)
		}
		if err != nil {
			return nil, err
		}
		if q.compress {
			return store.NewLZ4(st), nil
		}
		return st, nil
	}
}

func pavFlags(flags types.Flags) types.Flags {
	if flags&types.DeleteIfExists != 0 {
		return types.DeleteIfExists
	}
	return 0
}

// Write appends one block to the queue. When the current segment is
// full or sealing, previous segments are synced and a fresh segment is
// opened; the only transient failure surfaced is ErrQueueFull when the
// segment ring itself has no room left.
func (q *Queue) Write(p []byte) error {
	if err := q.checkClosed(); err != nil {
		return err
	}
	if len(p) == 0 {
		return ErrEmptyWrite
	}

	for {
		w := atomic.LoadUint32(&q.writeSegment)

		// Bootstrap: the first write ever allocates segment w. Losing the
		// allocation race to another producer is fine.
		if q.ring.IsEmpty() {
			if err := q.ring.Allocate(w); err != nil && !errors.Is(err, types.ErrAlreadyAllocated) {
				return err
			}
		}

		seg := q.ring.GetForWriting(w)
		if seg == nil {
			// Raced with a sync that already closed w; reload writeSegment.
			continue
		}
		off, err := seg.Store().Write(p)
		q.ring.ReleaseForWriting(w)

		if err == nil && off > 0 {
			q.metrics.blocksWritten.Inc()
			q.metrics.bytesWritten.Add(float64(len(p)))
			return nil
		}
		if err != nil && !errors.Is(err, types.ErrStoreFull) && !errors.Is(err, types.ErrSealing) {
			return err
		}
		q.metrics.writeRetries.Inc()

		// The segment is full or sealing: push the synced frontier
		// forward and move to the next segment.
		if err := q.sync(false); err != nil {
			return err
		}
		if err := q.ring.Allocate(w + 1); err != nil && !errors.Is(err, types.ErrAlreadyAllocated) {
			return err
		}
		if atomic.CompareAndSwapUint32(&q.writeSegment, w, w+1) {
			q.metrics.segmentRotations.Inc()
		}
	}
}

// Sync forces everything written so far, including the current write
// segment, to durable storage and makes it available to consumers.
func (q *Queue) Sync() error {
	if err := q.checkClosed(); err != nil {
		return err
	}
	return q.sync(true)
}

// sync walks syncHead toward writeSegment, sealing and syncing each
// segment and durably advancing the counter. When syncCurrent is set
// the current write segment is synced too (unless empty) and a fresh
// one is allocated so late producers never land in a sealed store.
// Afterwards, segments whose sync is durable are closed to release
// their in-memory resources, advancing nextCloseSegment.
func (q *Queue) sync(syncCurrent bool) error {
	if q.ring.IsEmpty() {
		// Nothing was ever written; there is no segment to sync.
		return nil
	}
	for {
		sh := q.syncHead.Get()
		ws := atomic.LoadUint32(&q.writeSegment)
		if !(sh < ws || (sh == ws && syncCurrent)) {
			break
		}

		seg := q.ring.GetForWriting(sh)
		if seg == nil {
			// Another thread already synced and closed sh.
			break
		}
		st := seg.Store()

		if sh == ws && st.WriteOffset() == st.StartOffset() {
			q.ring.ReleaseForWriting(sh)
			break
		}

		if err := st.Sync(); err != nil && !errors.Is(err, types.ErrEmptyStore) {
			q.ring.ReleaseForWriting(sh)
			return fmt.Errorf("sync segment %d: %w", sh, err)
		}

		if err := q.syncHead.CompareAndSwap(sh, sh+1); err != nil && !errors.Is(err, types.ErrRaceLost) {
			q.ring.ReleaseForWriting(sh)
			return err
		}
		q.ring.ReleaseForWriting(sh)
		q.metrics.syncs.Inc()

		if sh == ws {
			// We sealed the current write segment; open its successor
			// before a late producer retries into the sealed store.
			if err := q.ring.Allocate(ws + 1); err != nil && !errors.Is(err, types.ErrAlreadyAllocated) {
				return err
			}
			atomic.CompareAndSwapUint32(&q.writeSegment, ws, ws+1)
			q.metrics.segmentRotations.Inc()
		}
	}

	// Release the in-memory resources of everything durably synced. A
	// close can fail benignly when a slow writer still holds its seat;
	// it will succeed on a later sync.
	for {
		nc := atomic.LoadUint32(&q.nextCloseSegment)
		if nc >= q.syncHead.Get() {
			break
		}
		if err := q.ring.Close(nc); err != nil {
			break
		}
		atomic.CompareAndSwapUint32(&q.nextCloseSegment, nc, nc+1)
	}
	return nil
}

// Pop returns a cursor over the oldest unconsumed block, or nil when
// nothing synced is currently available; the nil is the caller's retry
// signal. Each block is delivered to exactly one caller. The cursor
// must be released with FreeCursor.
func (q *Queue) Pop() (*Cursor, error) {
	if err := q.checkClosed(); err != nil {
		return nil, err
	}

	for {
		r := atomic.LoadUint32(&q.readSegment)
		n := atomic.LoadUint32(&q.nextCloseSegment)
		if r == n {
			return nil, nil
		}

		c, err := q.popSegment(r)
		if err != nil {
			return nil, err
		}
		if c != nil {
			q.metrics.blocksRead.Inc()
			q.metrics.bytesRead.Add(float64(len(c.Data())))
			return c, nil
		}

		// Segment drained; advance. CAS so two consumers cannot skip a
		// segment between them.
		atomic.CompareAndSwapUint32(&q.readSegment, r, r+1)
	}
}

func (q *Queue) popSegment(number uint32) (*Cursor, error) {
	seg, err := q.ring.GetForReading(number)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, nil
	}
	cur, err := seg.Store().PopCursor()
	if err != nil || cur == nil {
		q.ring.ReleaseForReading(number)
		if errors.Is(err, types.ErrUnsynced) {
			// Raced with a sync that has not published yet; nothing
			// available right now.
			return nil, nil
		}
		return nil, err
	}
	return &Cursor{inner: cur, segment: number}, nil
}

// FreeCursor releases a cursor obtained from Pop and opportunistically
// destroys segments that every consumer has moved past. Only the thread
// that wins the syncTail advance does the freeing; losers return and
// let the winner proceed.
func (q *Queue) FreeCursor(c *Cursor) error {
	_ = c.inner.Close()
	q.ring.ReleaseForReading(c.segment)

	for {
		r := atomic.LoadUint32(&q.readSegment)
		st := q.syncTail.Get()
		if r <= st {
			return nil
		}
		if err := q.syncTail.CompareAndSwap(st, st+1); err != nil {
			if errors.Is(err, types.ErrRaceLost) {
				return nil
			}
			return err
		}
		freed := q.ring.FreeUpTo(st)
		if freed > st {
			q.metrics.segmentsFreed.Add(float64(freed - st))
		}
		level.Debug(q.logger).Log("msg", "freed segments", "upTo", st, "newTail", freed)
	}
}

func (q *Queue) checkClosed() error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrClosed
	}
	return nil
}

// Close releases all in-memory resources. On-disk state is preserved
// and a later Open recovers everything synced. Callers are expected to
// quiesce producers and Sync first; blocks written but not synced are
// discarded by recovery.
func (q *Queue) Close() error {
	if old := atomic.SwapUint32(&q.closed, 1); old != 0 {
		return nil
	}
	if err := q.ring.CloseAll(); err != nil {
		return err
	}
	if err := q.syncHead.Close(); err != nil {
		return err
	}
	return q.syncTail.Close()
}

// Destroy closes the queue and removes every file it created: all
// segment files and both persistent counters.
func (q *Queue) Destroy() error {
	if old := atomic.SwapUint32(&q.closed, 1); old != 0 {
		return ErrClosed
	}
	if err := q.ring.Destroy(); err != nil {
		return err
	}
	if err := q.syncHead.Destroy(); err != nil {
		return err
	}
	return q.syncTail.Destroy()
}
