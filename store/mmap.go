// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/coreos/etcd/pkg/fileutil"
	"golang.org/x/sys/unix"

	"github.com/dreamsxin/mmq/types"
)

const (
	// magic marks the first four bytes of every store file.
	magic = 0xDEADBEEF

	// headerSize is magic plus the recorded file size. The first block
	// frame starts right after it.
	headerSize = 8

	// MinSize is the smallest legal store: header plus one minimum block
	// frame.
	MinSize = 16

	// asyncSyncThreshold is how far the write cursor may run ahead of the
	// last requested background msync before another one is issued.
	asyncSyncThreshold = 4 << 20

	// noReadCursor is the read cursor sentinel before the first pop.
	noReadCursor = ^uint32(0)

	// syncingBit and writerMask split the packed syncingAndWriters word:
	// top bit flags an in-progress sync, the low 31 bits count writers.
	syncingBit = uint32(1) << 31
	writerMask = syncingBit - 1
)

// MMap is a fixed-size memory-mapped block log. Appends reserve their
// byte range with a lock-free bump of writeCursor; mutual exclusion
// between writers and sync runs through the packed syncingAndWriters
// word: a writer registers itself only while the syncing bit is clear,
// and sync completes only once the writer count drains to zero.
type MMap struct {
	// Accessed atomically. Kept first in the struct for alignment.
	writeCursor       uint32
	readCursor        uint32
	lastSync          uint32
	syncingAndWriters uint32
	synced            uint32

	f        *os.File
	data     []byte
	capacity uint32
	path     string
}

// Create builds a new store file of exactly size bytes in dir. The file
// is preallocated, mapped shared, and stamped with the header. Creation
// fails if the file exists, unless DeleteIfExists requests truncation.
func Create(size uint32, dir, name string, flags types.Flags) (*MMap, error) {
	if size < MinSize {
		return nil, fmt.Errorf("store size %d below minimum %d", size, MinSize)
	}

	oflags := os.O_RDWR | os.O_CREATE | os.O_SYNC
	if flags&types.DeleteIfExists != 0 {
		oflags |= os.O_TRUNC
	} else {
		oflags |= os.O_EXCL
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, oflags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create store file: %w", err)
	}
	if err := fileutil.Preallocate(f, int64(size), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate store file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap store file: %w", err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	binary.LittleEndian.PutUint32(data[0:4], magic)
	binary.LittleEndian.PutUint32(data[4:8], size)

	s := &MMap{
		f:        f,
		data:     data,
		capacity: size,
		path:     path,
	}
	atomic.StoreUint32(&s.writeCursor, headerSize)
	atomic.StoreUint32(&s.readCursor, noReadCursor)

	if err := unix.Msync(data[:headerSize], unix.MS_SYNC); err != nil {
		s.Close()
		return nil, fmt.Errorf("sync store header: %w", err)
	}
	return s, nil
}

// Open maps an existing store file. The header magic and recorded size
// are verified; a mismatch is types.ErrBadFormat and must be treated as
// fatal. Opened stores come up in the synced state: reads are admitted,
// writes are not.
func Open(dir, name string) (*MMap, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open store file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat store file: %w", err)
	}
	size := uint32(fi.Size())
	if size < MinSize {
		f.Close()
		return nil, fmt.Errorf("store file of %d bytes: %w", size, types.ErrBadFormat)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap store file: %w", err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		_ = unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("magic 0x%08X does not match: %w", got, types.ErrBadFormat)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != size {
		_ = unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("recorded size %d does not match file size %d: %w", got, size, types.ErrBadFormat)
	}

	s := &MMap{
		f:        f,
		data:     data,
		capacity: size,
		path:     path,
	}
	atomic.StoreUint32(&s.writeCursor, headerSize)
	atomic.StoreUint32(&s.readCursor, noReadCursor)
	// Reopened stores were sealed before their resources were released;
	// only readers are admitted.
	atomic.StoreUint32(&s.syncingAndWriters, syncingBit)
	atomic.StoreUint32(&s.synced, 1)
	return s, nil
}

// Write appends one block. The returned offset is where the block's
// frame begins; it is never zero on success.
func (s *MMap) Write(p []byte) (uint32, error) {
	if len(p) == 0 {
		return 0, types.ErrEmptyWrite
	}

	// Register as a writer, or bail if a sync got there first. The
	// syncing bit and the writer count live in one word so both are
	// decided by a single CAS.
	for {
		sw := atomic.LoadUint32(&s.syncingAndWriters)
		if sw&syncingBit != 0 {
			return 0, types.ErrSealing
		}
		if sw&writerMask == writerMask {
			panic("mmq: store writer count overflow")
		}
		if atomic.CompareAndSwapUint32(&s.syncingAndWriters, sw, sw+1) {
			break
		}
	}

	required := uint32(4) + uint32(len(p))

	// A block that cannot fit even in an empty store can never be
	// written; die fast instead of rotating stores forever.
	if required > s.capacity-headerSize && atomic.LoadUint32(&s.writeCursor) == headerSize {
		s.decrementWriters()
		panic(fmt.Sprintf("mmq: block of %d bytes can never fit in a store of capacity %d", len(p), s.capacity))
	}

	var off uint32
	for {
		cur := atomic.LoadUint32(&s.writeCursor)
		if s.capacity-cur < required {
			s.decrementWriters()
			return 0, types.ErrStoreFull
		}
		if atomic.CompareAndSwapUint32(&s.writeCursor, cur, cur+required) {
			off = cur
			break
		}
	}

	binary.LittleEndian.PutUint32(s.data[off:], uint32(len(p)))
	copy(s.data[off+4:], p)

	s.maybeRequestSync(off + required)
	s.decrementWriters()
	return off, nil
}

func (s *MMap) decrementWriters() {
	for {
		sw := atomic.LoadUint32(&s.syncingAndWriters)
		if sw&writerMask == 0 {
			panic("mmq: store writer count underflow")
		}
		if atomic.CompareAndSwapUint32(&s.syncingAndWriters, sw, sw-1) {
			return
		}
	}
}

// maybeRequestSync issues a background msync once the write cursor has
// run asyncSyncThreshold bytes past the last requested position. The
// position advances in page-aligned steps so the msync address stays
// aligned.
func (s *MMap) maybeRequestSync(newPos uint32) {
	last := atomic.LoadUint32(&s.lastSync)
	if newPos < last+asyncSyncThreshold {
		return
	}
	page := uint32(os.Getpagesize())
	aligned := newPos - newPos%page
	if aligned <= last {
		return
	}
	if atomic.CompareAndSwapUint32(&s.lastSync, last, aligned) {
		if err := unix.Msync(s.data[last:aligned], unix.MS_ASYNC); err != nil {
			panic(fmt.Sprintf("mmq: async msync failed: %v", err))
		}
	}
}

// Sync seals the store and forces it to disk. It sets the syncing bit,
// spins until the active writers drain, then msyncs the written region
// and fsyncs the descriptor. Readers are admitted once the synced flag
// is published.
func (s *MMap) Sync() error {
	if atomic.LoadUint32(&s.writeCursor) == headerSize {
		return types.ErrEmptyStore
	}

	for {
		sw := atomic.LoadUint32(&s.syncingAndWriters)
		if sw&syncingBit == 0 {
			if !atomic.CompareAndSwapUint32(&s.syncingAndWriters, sw, sw|syncingBit) {
				continue
			}
			sw |= syncingBit
		}
		if sw&writerMask == 0 {
			break
		}
		// Writers release their seats promptly; this drain is short.
		runtime.Gosched()
	}

	wc := atomic.LoadUint32(&s.writeCursor)
	if err := unix.Msync(s.data[:wc], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync store: %w", err)
	}
	if err := fileutil.Fsync(s.f); err != nil {
		return fmt.Errorf("fsync store: %w", err)
	}

	atomic.StoreUint32(&s.synced, 1)
	return nil
}

// NewCursor returns an unpositioned sequential cursor.
func (s *MMap) NewCursor() Cursor {
	return &mmapCursor{s: s}
}

// PopCursor hands the next unconsumed block to the caller. Concurrent
// callers serialize through a CAS on the shared read cursor, so every
// block is returned exactly once. A nil cursor with nil error means the
// store is drained.
func (s *MMap) PopCursor() (Cursor, error) {
	sw := atomic.LoadUint32(&s.syncingAndWriters)
	if sw&syncingBit == 0 || sw&writerMask != 0 || atomic.LoadUint32(&s.synced) != 1 {
		return nil, types.ErrUnsynced
	}

	c := &mmapCursor{s: s}

	cur := atomic.LoadUint32(&s.readCursor)
	if cur == noReadCursor {
		// Nothing handed out yet: claim the first block.
		start := s.StartOffset()
		if err := c.position(start); err != nil {
			if errors.Is(err, types.ErrEnd) {
				return nil, nil
			}
			return nil, err
		}
		if atomic.CompareAndSwapUint32(&s.readCursor, cur, start) {
			return c, nil
		}
		cur = atomic.LoadUint32(&s.readCursor)
	}

	// The read cursor holds the offset of the last block handed out.
	// Advance past it and claim the successor.
	for {
		if err := c.position(cur); err != nil {
			return nil, err
		}
		next := c.next
		if err := c.Advance(); err != nil {
			if errors.Is(err, types.ErrEnd) {
				return nil, nil
			}
			return nil, err
		}
		if atomic.CompareAndSwapUint32(&s.readCursor, cur, next) {
			return c, nil
		}
		cur = atomic.LoadUint32(&s.readCursor)
	}
}

// StartOffset is the offset of the first block frame.
func (s *MMap) StartOffset() uint32 {
	return headerSize
}

// WriteOffset is the next append position.
func (s *MMap) WriteOffset() uint32 {
	return atomic.LoadUint32(&s.writeCursor)
}

func (s *MMap) Capacity() uint32 {
	return s.capacity
}

// Close unmaps and closes the store. The file stays on disk.
func (s *MMap) Close() error {
	if s.data == nil {
		return nil
	}
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("munmap store: %w", err)
	}
	s.data = nil
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close store file: %w", err)
	}
	return nil
}

// Destroy closes the store and unlinks the backing file.
func (s *MMap) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("unlink store file: %w", err)
	}
	return nil
}

// mmapCursor walks block frames directly in the mapping. Data returns a
// subslice of the mapping, valid until the store is closed.
type mmapCursor struct {
	s      *MMap
	offset uint32
	size   uint32
	data   []byte
	next   uint32
}

func (c *mmapCursor) position(off uint32) error {
	if atomic.LoadUint32(&c.s.synced) != 1 {
		return types.ErrUnsynced
	}
	if uint64(off)+4 > uint64(c.s.capacity) {
		return types.ErrOutOfBounds
	}
	size := binary.LittleEndian.Uint32(c.s.data[off:])
	if size == 0 {
		return types.ErrEnd
	}
	if uint64(off)+4+uint64(size) > uint64(c.s.capacity) {
		panic(fmt.Sprintf("mmq: block at offset %d runs past the end of the store", off))
	}
	next := off + 4 + size
	if next <= off {
		return types.ErrInvalidSeek
	}
	c.offset = off
	c.size = size
	c.data = c.s.data[off+4 : off+4+size]
	c.next = next
	return nil
}

func (c *mmapCursor) Seek(offset uint32) error {
	if c.next != 0 && offset <= c.offset {
		return types.ErrInvalidSeek
	}
	return c.position(offset)
}

func (c *mmapCursor) Advance() error {
	if c.next == 0 {
		return types.ErrUninitialised
	}
	err := c.position(c.next)
	if errors.Is(err, types.ErrOutOfBounds) {
		// The last block ended flush with capacity; there is no room for
		// an end-of-data prefix, so out of bounds here is the end.
		return types.ErrEnd
	}
	return err
}

func (c *mmapCursor) Offset() uint32 { return c.offset }
func (c *mmapCursor) Size() uint32   { return c.size }
func (c *mmapCursor) Data() []byte   { return c.data }
func (c *mmapCursor) Close() error   { return nil }
