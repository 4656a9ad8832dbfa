// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package counter

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/mmq/types"
)

func TestCreateGet(t *testing.T) {
	dir := t.TempDir()

	v, err := Create(dir, "test.counter", 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), v.Get())

	// A second create of the same name must fail.
	_, err = Create(dir, "test.counter", 0)
	require.Error(t, err)

	// Unless asked to start over.
	v2, err := Create(dir, "test.counter", types.DeleteIfExists)
	require.NoError(t, err)
	require.Equal(t, uint32(0), v2.Get())
}

func TestCompareAndSwap(t *testing.T) {
	dir := t.TempDir()

	v, err := Create(dir, "test.counter", 0)
	require.NoError(t, err)

	for i := uint32(0); i < 100; i++ {
		require.NoError(t, v.CompareAndSwap(i, i+1))
		require.Equal(t, i+1, v.Get())
	}

	require.ErrorIs(t, v.CompareAndSwap(0, 1), ErrRaceLost)
	require.Equal(t, uint32(100), v.Get())
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	v, err := Create(dir, "test.counter", 0)
	require.NoError(t, err)
	for i := uint32(0); i < 100; i++ {
		require.NoError(t, v.CompareAndSwap(i, i+1))
	}
	require.NoError(t, v.Close())

	v, err = Open(dir, "test.counter")
	require.NoError(t, err)
	require.Equal(t, uint32(100), v.Get())

	require.ErrorIs(t, v.CompareAndSwap(0, 1), ErrRaceLost)
	require.Equal(t, uint32(100), v.Get())
}

// writeCounterFile plants a raw counter file, simulating on-disk state
// left behind by a crash.
func writeCounterFile(t *testing.T, path string, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	require.NoError(t, os.WriteFile(path, buf[:], 0o600))
}

func TestRecoverFromStagingOnly(t *testing.T) {
	// Crash between unlinking the primary and linking the staging file:
	// only {name}.tmp exists and holds the committed value.
	dir := t.TempDir()
	writeCounterFile(t, filepath.Join(dir, "test.counter.tmp"), 42)

	v, err := Open(dir, "test.counter")
	require.NoError(t, err)
	require.Equal(t, uint32(42), v.Get())

	_, err = os.Stat(filepath.Join(dir, "test.counter"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "test.counter.tmp"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecoverStaleStaging(t *testing.T) {
	// Crash between linking and unlinking the staging file: both files
	// exist, the primary wins and the staging file is discarded.
	dir := t.TempDir()
	writeCounterFile(t, filepath.Join(dir, "test.counter"), 7)
	writeCounterFile(t, filepath.Join(dir, "test.counter.tmp"), 7)

	v, err := Open(dir, "test.counter")
	require.NoError(t, err)
	require.Equal(t, uint32(7), v.Get())

	_, err = os.Stat(filepath.Join(dir, "test.counter.tmp"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// The recovered counter keeps working.
	require.NoError(t, v.CompareAndSwap(7, 8))
	require.Equal(t, uint32(8), v.Get())
}

func TestDestroyRemovesFiles(t *testing.T) {
	dir := t.TempDir()

	v, err := Create(dir, "test.counter", 0)
	require.NoError(t, err)
	require.NoError(t, v.CompareAndSwap(0, 1))
	require.NoError(t, v.Destroy())

	_, err = os.Stat(filepath.Join(dir, "test.counter"))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = Open(dir, "test.counter")
	require.Error(t, err)
}
