// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/dreamsxin/mmq/types"
)

// lz4FrameHeader is the per-block frame the LZ4 store writes into its
// delegate: compressed length, then original length, then the payload.
// A compressed length of zero marks a block stored raw because
// compression did not shrink it.
const lz4FrameHeader = 8

// LZ4 is a transparent decorator over another store. Each logical block
// is compressed into a frame inside a single delegate block, so the
// delegate's framing, lifecycle and pop hand-off all apply unchanged.
// Cursor reads decompress into a private buffer and may additionally
// report types.ErrDecompress.
type LZ4 struct {
	delegate Store
}

// NewLZ4 wraps delegate. The wrapper owns the delegate: Close and
// Destroy pass through.
func NewLZ4(delegate Store) *LZ4 {
	return &LZ4{delegate: delegate}
}

func (s *LZ4) Write(p []byte) (uint32, error) {
	if len(p) == 0 {
		return 0, types.ErrEmptyWrite
	}

	bound := lz4.CompressBlockBound(len(p))
	buf := make([]byte, lz4FrameHeader+bound)
	n, err := lz4.CompressBlock(p, buf[lz4FrameHeader:], nil)
	if err != nil {
		return 0, fmt.Errorf("compress block: %w", err)
	}
	if n == 0 || n >= len(p) {
		// Incompressible; store the original bytes.
		buf = append(buf[:lz4FrameHeader], p...)
		binary.LittleEndian.PutUint32(buf[0:4], 0)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p)))
		return s.delegate.Write(buf)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p)))
	return s.delegate.Write(buf[:lz4FrameHeader+n])
}

func (s *LZ4) Sync() error {
	return s.delegate.Sync()
}

func (s *LZ4) NewCursor() Cursor {
	return &lz4Cursor{inner: s.delegate.NewCursor()}
}

func (s *LZ4) PopCursor() (Cursor, error) {
	inner, err := s.delegate.PopCursor()
	if err != nil || inner == nil {
		return nil, err
	}
	c := &lz4Cursor{inner: inner}
	if err := c.decode(); err != nil {
		inner.Close()
		return nil, err
	}
	return c, nil
}

func (s *LZ4) StartOffset() uint32 { return s.delegate.StartOffset() }
func (s *LZ4) WriteOffset() uint32 { return s.delegate.WriteOffset() }
func (s *LZ4) Capacity() uint32    { return s.delegate.Capacity() }
func (s *LZ4) Close() error        { return s.delegate.Close() }
func (s *LZ4) Destroy() error      { return s.delegate.Destroy() }

// lz4Cursor positions through the delegate cursor and exposes the
// decompressed payload.
type lz4Cursor struct {
	inner Cursor
	size  uint32
	data  []byte
}

func (c *lz4Cursor) decode() error {
	raw := c.inner.Data()
	if len(raw) < lz4FrameHeader {
		return fmt.Errorf("block of %d bytes has no frame header: %w", len(raw), types.ErrDecompress)
	}
	compLen := binary.LittleEndian.Uint32(raw[0:4])
	origLen := binary.LittleEndian.Uint32(raw[4:8])

	if compLen == 0 {
		if uint32(len(raw)-lz4FrameHeader) != origLen {
			return fmt.Errorf("raw block length %d does not match recorded %d: %w",
				len(raw)-lz4FrameHeader, origLen, types.ErrDecompress)
		}
		c.size = origLen
		c.data = raw[lz4FrameHeader:]
		return nil
	}

	if uint64(lz4FrameHeader)+uint64(compLen) > uint64(len(raw)) {
		return fmt.Errorf("compressed length %d exceeds block: %w", compLen, types.ErrDecompress)
	}
	dst := make([]byte, origLen)
	n, err := lz4.UncompressBlock(raw[lz4FrameHeader:lz4FrameHeader+compLen], dst)
	if err != nil {
		return fmt.Errorf("uncompress block: %w (%v)", types.ErrDecompress, err)
	}
	if uint32(n) != origLen {
		return fmt.Errorf("uncompressed %d bytes, recorded %d: %w", n, origLen, types.ErrDecompress)
	}
	c.size = origLen
	c.data = dst
	return nil
}

func (c *lz4Cursor) Seek(offset uint32) error {
	if err := c.inner.Seek(offset); err != nil {
		return err
	}
	return c.decode()
}

func (c *lz4Cursor) Advance() error {
	if err := c.inner.Advance(); err != nil {
		return err
	}
	return c.decode()
}

func (c *lz4Cursor) Offset() uint32 { return c.inner.Offset() }
func (c *lz4Cursor) Size() uint32   { return c.size }
func (c *lz4Cursor) Data() []byte   { return c.data }
func (c *lz4Cursor) Close() error   { return c.inner.Close() }
