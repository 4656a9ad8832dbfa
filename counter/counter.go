// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package counter implements a durable 32-bit value updated under
// compare-and-swap. The value is persisted with a crash-safe
// rename-through-hardlink protocol across two files, {name} and
// {name}.tmp, so that a reader after a crash at any point recovers
// either the old or the new value, never a torn one.
package counter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/coreos/etcd/pkg/fileutil"

	"github.com/dreamsxin/mmq/types"
)

var ErrRaceLost = types.ErrRaceLost

// Value is a persistent atomic 32-bit counter. Get returns the cached
// in-memory value without I/O; CompareAndSwap persists before returning.
// A Value whose persist protocol failed is unusable and returns the
// original failure from every subsequent mutation.
type Value struct {
	mu    sync.RWMutex
	value uint32

	dir     string
	path    string
	tmpPath string

	// failure sticks after the first persist error. The on-disk state is
	// unspecified at that point and the process is expected to shut down.
	failure error
}

func newValue(dir, name string) *Value {
	return &Value{
		dir:     dir,
		path:    filepath.Join(dir, name),
		tmpPath: filepath.Join(dir, name+".tmp"),
	}
}

// Create initializes a new counter at zero, failing if the backing file
// already exists unless DeleteIfExists is set.
func Create(dir, name string, flags types.Flags) (*Value, error) {
	v := newValue(dir, name)

	if flags&types.DeleteIfExists != 0 {
		_ = os.Remove(v.tmpPath)
		_ = os.Remove(v.path)
	}

	f, err := os.OpenFile(v.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create counter file: %w", err)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v.value)
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("initialize counter file: %w", err)
	}
	if err := fileutil.Fsync(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync counter file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := v.syncDir(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open loads an existing counter, completing a persist that was
// interrupted by a crash. If the primary file is missing but the
// staging file survived, the staging file holds the committed value and
// is linked into place. If both exist, the staging file is stale and is
// removed.
func Open(dir, name string) (*Value, error) {
	v := newValue(dir, name)

	f, err := os.OpenFile(v.path, os.O_RDWR, 0o600)
	switch {
	case err == nil:
		// Primary wins; a leftover tmp is from a crash after the link step.
		_ = os.Remove(v.tmpPath)
	case errors.Is(err, os.ErrNotExist):
		// Crashed between unlinking the primary and linking the tmp.
		if err := os.Link(v.tmpPath, v.path); err != nil {
			return nil, fmt.Errorf("recover counter from staging file: %w", err)
		}
		if err := os.Remove(v.tmpPath); err != nil {
			return nil, fmt.Errorf("remove staging file: %w", err)
		}
		if f, err = os.OpenFile(v.path, os.O_RDWR, 0o600); err != nil {
			return nil, fmt.Errorf("open recovered counter file: %w", err)
		}
	default:
		return nil, fmt.Errorf("open counter file: %w", err)
	}
	defer f.Close()

	var buf [4]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return nil, fmt.Errorf("read counter file: %w", err)
	}
	v.value = binary.LittleEndian.Uint32(buf[:])
	return v, nil
}

// Get returns the cached value. It performs no I/O.
func (v *Value) Get() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// CompareAndSwap atomically replaces old with new and persists the new
// value. ErrRaceLost means the current value no longer equals old. Any
// other error is fatal: the in-memory value is reverted and the counter
// refuses further mutations.
func (v *Value) CompareAndSwap(old, new uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failure != nil {
		return v.failure
	}
	if v.value != old {
		return ErrRaceLost
	}
	v.value = new

	if err := v.persistLocked(); err != nil {
		v.value = old
		v.failure = fmt.Errorf("counter persist failed: %w", err)
		return v.failure
	}
	return nil
}

// persistLocked runs the rename-through-hardlink sequence:
//  1. exclusively create the staging file and write the value
//  2. fsync the file and the directory
//  3. unlink the primary
//  4. link the staging file to the primary name
//  5. unlink the staging file
//
// A crash between 3 and 4 is recovered by Open (primary absent, staging
// present); a crash between 4 and 5 leaves a stale staging file that
// Open removes.
func (v *Value) persistLocked() error {
	f, err := os.OpenFile(v.tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v.value)
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		_ = os.Remove(v.tmpPath)
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := fileutil.Fsync(f); err != nil {
		f.Close()
		_ = os.Remove(v.tmpPath)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(v.tmpPath)
		return err
	}
	if err := v.syncDir(); err != nil {
		_ = os.Remove(v.tmpPath)
		return err
	}

	if err := os.Remove(v.path); err != nil {
		_ = os.Remove(v.tmpPath)
		return fmt.Errorf("unlink primary file: %w", err)
	}
	if err := os.Link(v.tmpPath, v.path); err != nil {
		_ = os.Remove(v.tmpPath)
		return fmt.Errorf("link staging file: %w", err)
	}
	if err := os.Remove(v.tmpPath); err != nil {
		return fmt.Errorf("unlink staging file: %w", err)
	}
	return nil
}

func (v *Value) syncDir() error {
	d, err := os.Open(v.dir)
	if err != nil {
		return fmt.Errorf("open counter directory: %w", err)
	}
	defer d.Close()
	if err := fileutil.Fsync(d); err != nil {
		return fmt.Errorf("sync counter directory: %w", err)
	}
	return nil
}

// Close releases the handle. The backing file remains on disk.
func (v *Value) Close() error {
	return nil
}

// Destroy removes the backing files.
func (v *Value) Destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = os.Remove(v.tmpPath)
	if err := os.Remove(v.path); err != nil {
		return fmt.Errorf("unlink counter file: %w", err)
	}
	return nil
}
