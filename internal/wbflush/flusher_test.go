package wbflush

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonybrook/tgt-numacache/internal/backingstore"
	"github.com/stonybrook/tgt-numacache/internal/cache"
	"github.com/stonybrook/tgt-numacache/internal/numapin"
)

func newTestHostCache(t *testing.T, cbs uint32, nb int) *cache.HostCache {
	t.Helper()

	topo, err := numapin.Discover()
	require.NoError(t, err)

	pinner := numapin.NewPinner(topo, nil)

	hc, err := cache.NewHostCache(pinner, cache.HostCacheConfig{
		BufferSize:     int(cbs) * nb * pinner.NodeCount(),
		CacheBlockSize: cbs,
		Way:            1,
		Group:          1,
	}, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = hc.Close() })

	return hc
}

func newTestLUNFile(t *testing.T, size int) (LUN, *backingstore.FileStore) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lun.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	fs := backingstore.NewFileStore(nil)

	res, err := fs.Open(path, 0)
	require.NoError(t, err)

	t.Cleanup(func() { _ = fs.Close(res.FD) })

	return LUN{ID: 1, Store: fs, FD: res.FD}, fs
}

func Test_Flusher_Flush_Writes_Dirty_Slot_Then_Clears_It(t *testing.T) {
	t.Parallel()

	const cbs = 4096

	hc := newTestHostCache(t, cbs, 4)
	lun, fs := newTestLUNFile(t, cbs*4)

	p := hc.Partition(0)
	id := cache.BlockID{Target: 0, LUN: 1, CacheBlock: 0}

	p.Lock()
	idx := p.Admit()
	p.Publish(idx, id)

	payload := bytes.Repeat([]byte{0x7E}, cbs)
	copy(p.BufferOf(idx), payload)
	p.MarkDirty(idx, 1)
	p.Unlock()

	f := New(hc, lun, time.Hour, nil)

	f.Flush(context.Background())

	onDisk := make([]byte, cbs)
	_, err := fs.ReadAt(context.Background(), lun.FD, onDisk, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	p.Lock()
	depth := p.DirtyDepth(1)
	p.Unlock()
	assert.Equal(t, 0, depth)
}

func Test_Flusher_Run_Drains_On_Stop(t *testing.T) {
	t.Parallel()

	const cbs = 4096

	hc := newTestHostCache(t, cbs, 4)
	lun, fs := newTestLUNFile(t, cbs*4)

	p := hc.Partition(0)
	id := cache.BlockID{Target: 0, LUN: 1, CacheBlock: 0}

	p.Lock()
	idx := p.Admit()
	p.Publish(idx, id)

	payload := bytes.Repeat([]byte{0x11}, cbs)
	copy(p.BufferOf(idx), payload)
	p.MarkDirty(idx, 1)
	p.Unlock()

	f := New(hc, lun, time.Hour, nil)

	go f.Run(context.Background())
	f.Stop()

	onDisk := make([]byte, cbs)
	_, err := fs.ReadAt(context.Background(), lun.FD, onDisk, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func Test_Flusher_Finds_Nothing_When_No_Dirty_Slots(t *testing.T) {
	t.Parallel()

	const cbs = 4096

	hc := newTestHostCache(t, cbs, 4)
	lun, _ := newTestLUNFile(t, cbs*4)

	f := New(hc, lun, time.Hour, nil)
	f.Flush(context.Background())

	p := hc.Partition(0)
	p.Lock()
	depth := p.DirtyDepth(1)
	p.Unlock()
	assert.Equal(t, 0, depth)
}
