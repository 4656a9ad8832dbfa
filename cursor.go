// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package mmq

import "github.com/dreamsxin/mmq/store"

// Cursor is one popped block. It weakly references its segment by
// number; the segment's refcount is held until FreeCursor releases it,
// which keeps the underlying mapping alive while Data is in use.
type Cursor struct {
	inner   store.Cursor
	segment uint32
}

// Data returns the block payload. Valid until FreeCursor.
func (c *Cursor) Data() []byte {
	return c.inner.Data()
}

// Size returns the payload length in bytes.
func (c *Cursor) Size() uint32 {
	return c.inner.Size()
}

// Segment returns the segment number the block was read from.
func (c *Cursor) Segment() uint32 {
	return c.segment
}
