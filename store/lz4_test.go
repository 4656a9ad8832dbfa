// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/mmq/types"
)

func createTestLZ4(t *testing.T, size uint32) *LZ4 {
	t.Helper()
	inner, err := Create(size, t.TempDir(), "test.lz4", 0)
	require.NoError(t, err)
	return NewLZ4(inner)
}

func TestLZ4RoundTrip(t *testing.T) {
	s := createTestLZ4(t, 1024*1024)
	defer s.Close()

	// Highly compressible payload.
	payload := bytes.Repeat([]byte("abcd"), 4096)
	_, err := s.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	c, err := s.PopCursor()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, uint32(len(payload)), c.Size())
	require.Equal(t, payload, c.Data())

	c, err = s.PopCursor()
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestLZ4CompressesOnDisk(t *testing.T) {
	inner, err := Create(1024*1024, t.TempDir(), "test.lz4", 0)
	require.NoError(t, err)
	s := NewLZ4(inner)
	defer s.Close()

	payload := bytes.Repeat([]byte{0}, 64*1024)
	_, err = s.Write(payload)
	require.NoError(t, err)

	// The delegate holds far fewer bytes than the logical payload.
	require.Less(t, inner.WriteOffset(), uint32(len(payload)/2))
}

func TestLZ4IncompressibleStoredRaw(t *testing.T) {
	s := createTestLZ4(t, 1024*1024)
	defer s.Close()

	rng := rand.New(rand.NewSource(1))
	payload := make([]byte, 4096)
	_, _ = rng.Read(payload)

	_, err := s.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	c, err := s.PopCursor()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, payload, c.Data())
}

func TestLZ4SequentialCursor(t *testing.T) {
	s := createTestLZ4(t, 1024*1024)
	defer s.Close()

	payloads := [][]byte{
		bytes.Repeat([]byte{1}, 100),
		bytes.Repeat([]byte{2}, 2000),
		[]byte("three"),
	}
	var first uint32
	for i, p := range payloads {
		off, err := s.Write(p)
		require.NoError(t, err)
		if i == 0 {
			first = off
		}
	}
	require.NoError(t, s.Sync())

	c := s.NewCursor()
	require.NoError(t, c.Seek(first))
	require.Equal(t, payloads[0], c.Data())
	require.NoError(t, c.Advance())
	require.Equal(t, payloads[1], c.Data())
	require.NoError(t, c.Advance())
	require.Equal(t, payloads[2], c.Data())
	require.ErrorIs(t, c.Advance(), types.ErrEnd)
}

func TestLZ4RejectsZeroLength(t *testing.T) {
	s := createTestLZ4(t, 1024)
	defer s.Close()

	_, err := s.Write(nil)
	require.ErrorIs(t, err, types.ErrEmptyWrite)
}

func TestLZ4CorruptBlock(t *testing.T) {
	inner, err := Create(1024, t.TempDir(), "test.lz4", 0)
	require.NoError(t, err)
	s := NewLZ4(inner)
	defer s.Close()

	// Write a frame through the delegate that lies about its compressed
	// length.
	frame := []byte{0xFF, 0xFF, 0, 0, 16, 0, 0, 0, 1, 2, 3}
	_, err = inner.Write(frame)
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	_, err = s.PopCursor()
	require.ErrorIs(t, err, types.ErrDecompress)
}
