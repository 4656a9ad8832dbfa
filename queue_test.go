// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package mmq

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, dir string, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithDeleteIfExists()}, opts...)
	q, err := Open(dir, "test.queue", opts...)
	require.NoError(t, err)
	return q
}

func TestSingleThreadedRoundTrip(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithSegmentSize(1024*1024))

	payload := bytes.Repeat([]byte{0x41}, 250)
	require.NoError(t, q.Write(payload))
	require.NoError(t, q.Sync())

	c, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, uint32(250), c.Size())
	require.Equal(t, payload, c.Data())
	require.NoError(t, q.FreeCursor(c))

	c, err = q.Pop()
	require.NoError(t, err)
	require.Nil(t, c)

	require.NoError(t, q.Destroy())
}

func TestPopBeforeSync(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Destroy()

	require.NoError(t, q.Write([]byte("not yet visible")))

	c, err := q.Pop()
	require.NoError(t, err)
	require.Nil(t, c)

	require.NoError(t, q.Sync())
	c, err = q.Pop()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, q.FreeCursor(c))
}

func TestWriteRejectsZeroLength(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Destroy()

	require.ErrorIs(t, q.Write(nil), ErrEmptyWrite)
}

func TestMultiSegmentRoundTrip(t *testing.T) {
	// A tiny segment size forces a rotation every few blocks.
	q := openTestQueue(t, t.TempDir(), WithSegmentSize(100))

	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	const writes = 32
	for i := 0; i < writes; i++ {
		require.NoError(t, q.Write(payload))
	}
	require.NoError(t, q.Sync())

	for i := 0; i < writes; i++ {
		c, err := q.Pop()
		require.NoError(t, err)
		require.NotNil(t, c, "pop %d", i)
		require.Equal(t, payload, c.Data())
		require.NoError(t, q.FreeCursor(c))
	}

	c, err := q.Pop()
	require.NoError(t, err)
	require.Nil(t, c)

	require.NoError(t, q.Destroy())
}

func TestSyncIsIdempotent(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	defer q.Destroy()

	require.NoError(t, q.Write([]byte("once")))
	require.NoError(t, q.Sync())
	require.NoError(t, q.Sync())

	c, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, q.FreeCursor(c))

	c, err = q.Pop()
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestFuzzedPayloadsRoundTrip(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithSegmentSize(4096))
	defer q.Destroy()

	f := fuzz.New().NilChance(0).NumElements(1, 512)

	written := make(map[string]int)
	const writes = 200
	for i := 0; i < writes; i++ {
		var payload []byte
		f.Fuzz(&payload)
		written[string(payload)]++
		require.NoError(t, q.Write(payload))
	}
	require.NoError(t, q.Sync())

	read := make(map[string]int)
	for i := 0; i < writes; i++ {
		c, err := q.Pop()
		require.NoError(t, err)
		require.NotNil(t, c)
		read[string(c.Data())]++
		require.NoError(t, q.FreeCursor(c))
	}
	require.Equal(t, written, read)
}

func TestConcurrentProducers(t *testing.T) {
	// The original workload: four producers of 512 repetitive blocks
	// through compressed segments too small to hold one raw block.
	q := openTestQueue(t, t.TempDir(),
		WithSegmentSize(300), WithCompression())
	defer q.Destroy()

	const (
		producers   = 4
		perProducer = 128
		totalBlocks = producers * perProducer
	)
	payload := bytes.Repeat([]byte{'B'}, 300)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Write(payload); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, q.Sync())

	var read int
	var consumers sync.WaitGroup
	var total int64
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				cur, err := q.Pop()
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				if cur == nil {
					return
				}
				if !bytes.Equal(payload, cur.Data()) {
					t.Errorf("corrupt block of %d bytes", cur.Size())
				}
				if err := q.FreeCursor(cur); err != nil {
					t.Errorf("free cursor: %v", err)
				}
				atomic.AddInt64(&total, 1)
			}
		}()
	}
	consumers.Wait()
	read = int(atomic.LoadInt64(&total))
	require.Equal(t, totalBlocks, read)
}

func TestSimultaneousProduceConsume(t *testing.T) {
	q := openTestQueue(t, t.TempDir(),
		WithSegmentSize(300), WithCompression())
	defer q.Destroy()

	const (
		producers   = 4
		consumers   = 4
		perProducer = 128
		perConsumer = producers * perProducer / consumers
	)
	payload := bytes.Repeat([]byte{'B'}, 300)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Write(payload); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}

	var delivered int64
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := 0
			for got < perConsumer {
				cur, err := q.Pop()
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				if cur == nil {
					// Nothing published yet; push the frontier and retry.
					if err := q.Sync(); err != nil {
						t.Errorf("sync: %v", err)
						return
					}
					continue
				}
				if !bytes.Equal(payload, cur.Data()) {
					t.Errorf("corrupt block of %d bytes", cur.Size())
				}
				if err := q.FreeCursor(cur); err != nil {
					t.Errorf("free cursor: %v", err)
				}
				got++
				atomic.AddInt64(&delivered, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(producers*perProducer), atomic.LoadInt64(&delivered))
}

func TestDestroyRemovesAllFiles(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, WithSegmentSize(100))

	for i := 0; i < 16; i++ {
		require.NoError(t, q.Write([]byte("some queue payload")))
	}
	require.NoError(t, q.Sync())

	// Consume a few so freed, closed and writable segments all exist: the
	// fifth pop moves past segment 0, which frees it.
	for i := 0; i < 5; i++ {
		c, err := q.Pop()
		require.NoError(t, err)
		require.NotNil(t, c)
		require.NoError(t, q.FreeCursor(c))
	}

	require.NoError(t, q.Destroy())

	matches, err := filepath.Glob(filepath.Join(dir, "test.queue*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestClosedQueueRefusesCalls(t *testing.T) {
	q := openTestQueue(t, t.TempDir())
	require.NoError(t, q.Write([]byte("x")))
	require.NoError(t, q.Sync())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Write([]byte("y")), ErrClosed)
	require.ErrorIs(t, q.Sync(), ErrClosed)
	_, err := q.Pop()
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueFilesOnDisk(t *testing.T) {
	dir := t.TempDir()
	q := openTestQueue(t, dir, WithSegmentSize(100))

	require.NoError(t, q.Write(bytes.Repeat([]byte{1}, 80)))
	require.NoError(t, q.Sync())

	for _, name := range []string{
		"test.queue.sync_head",
		"test.queue.sync_tail",
		"test.queue0",
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
	require.NoError(t, q.Destroy())
}

func TestManySegmentsSequential(t *testing.T) {
	q := openTestQueue(t, t.TempDir(), WithSegmentSize(64))
	defer q.Destroy()

	const writes = 100
	for i := 0; i < writes; i++ {
		require.NoError(t, q.Write([]byte(fmt.Sprintf("block-%03d", i))))
	}
	require.NoError(t, q.Sync())

	// One consumer drains in order: single-producer order is preserved.
	for i := 0; i < writes; i++ {
		c, err := q.Pop()
		require.NoError(t, err)
		require.NotNil(t, c)
		require.Equal(t, fmt.Sprintf("block-%03d", i), string(c.Data()))
		require.NoError(t, q.FreeCursor(c))
	}
}
