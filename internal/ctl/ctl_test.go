package ctl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonybrook/tgt-numacache/internal/cache"
	"github.com/stonybrook/tgt-numacache/internal/numapin"
	"github.com/stonybrook/tgt-numacache/internal/splitter"
)

func newTestServer(t *testing.T) (*cache.HostCache, *splitter.Splitter) {
	t.Helper()

	topo, err := numapin.Discover()
	require.NoError(t, err)

	pinner := numapin.NewPinner(topo, nil)

	hc, err := cache.NewHostCache(pinner, cache.HostCacheConfig{
		BufferSize:     4096 * 4 * pinner.NodeCount(),
		CacheBlockSize: 4096,
		Way:            1,
		Group:          1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hc.Close() })

	return hc, splitter.New(4096, hc)
}

func startTestServer(t *testing.T, flush FlushFunc) (string, *cache.HostCache) {
	t.Helper()

	hc, sp := newTestServer(t)
	srv := NewServer(hc, sp, flush, nil)

	socketPath := filepath.Join(t.TempDir(), "ctl.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})

	go func() {
		close(ready)
		_ = srv.Serve(ctx, socketPath)
	}()

	<-ready
	require.Eventually(t, func() bool {
		c, err := Dial(socketPath)
		if err != nil {
			return false
		}

		_ = c.Close()

		return true
	}, time.Second, 5*time.Millisecond)

	return socketPath, hc
}

func Test_Server_Stats_Reports_Partition_Snapshot(t *testing.T) {
	t.Parallel()

	socketPath, hc := startTestServer(t, nil)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(Request{Op: "stats"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.NotNil(t, resp.Stats)
	assert.Len(t, resp.Stats.Partitions, hc.NumPartitions())
}

func Test_Server_Flush_Without_Configured_FlushFunc_Reports_Error(t *testing.T) {
	t.Parallel()

	socketPath, _ := startTestServer(t, nil)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(Request{Op: "flush", LUN: 0})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func Test_Server_Flush_Delegates_To_FlushFunc(t *testing.T) {
	t.Parallel()

	var gotLUN uint32

	flush := func(_ context.Context, lun uint32) error {
		gotLUN = lun
		return nil
	}

	socketPath, _ := startTestServer(t, flush)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(Request{Op: "flush", LUN: 7})
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.EqualValues(t, 7, gotLUN)
}

func Test_Server_Split_Returns_SubRequests(t *testing.T) {
	t.Parallel()

	socketPath, _ := startTestServer(t, nil)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(Request{Op: "split", Opcode: 0x28, LBA: 0, Length: 8192, BlockShift: 12})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.NotNil(t, resp.Split)
	assert.Len(t, resp.Split.SubRequests, 2)
}

func Test_Server_Split_Unsplittable_Opcode_Reports_Error(t *testing.T) {
	t.Parallel()

	socketPath, _ := startTestServer(t, nil)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(Request{Op: "split", Opcode: 0x42, LBA: 0, Length: 4096, BlockShift: 12})
	require.NoError(t, err)
	assert.False(t, resp.OK)
}

func Test_Server_Unknown_Op_Reports_Error(t *testing.T) {
	t.Parallel()

	socketPath, _ := startTestServer(t, nil)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(Request{Op: "bogus"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
}
