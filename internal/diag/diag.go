// Package diag periodically snapshots host-cache occupancy and counters
// to a file for monitoring scrape, writing it atomically with
// github.com/natefinch/atomic so a scraper never observes a half-written
// file. This is an operational diagnostic, not persisted cache state: it
// is never read back by the cache itself, so it does not conflict with
// spec.md's "no persistence of cache state across restarts" non-goal.
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/cache"
)

// PartitionSnapshot is one partition's occupancy and counters at the
// moment of sampling.
type PartitionSnapshot struct {
	PartitionID int    `json:"partition_id"` //nolint:tagliatelle
	Node        int    `json:"node"`
	ValidSlots  int    `json:"valid_slots"`  //nolint:tagliatelle
	TotalSlots  int    `json:"total_slots"`  //nolint:tagliatelle
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
}

// Snapshot is the full host-cache diagnostic dump written to disk.
type Snapshot struct {
	Timestamp  time.Time           `json:"timestamp"`
	Partitions []PartitionSnapshot `json:"partitions"`
}

// Collect samples every partition of hc under its own mutex, one at a
// time, and returns the resulting Snapshot. now is passed in rather than
// taken internally so callers control timestamping.
func Collect(hc *cache.HostCache, now time.Time) Snapshot {
	snap := Snapshot{Timestamp: now, Partitions: make([]PartitionSnapshot, 0, hc.NumPartitions())}

	for pid := 0; pid < hc.NumPartitions(); pid++ {
		p := hc.PartitionByID(pid)

		p.Lock()
		valid, total := p.Occupancy()
		hits, misses := p.HitMissCounts()
		p.Unlock()

		snap.Partitions = append(snap.Partitions, PartitionSnapshot{
			PartitionID: pid,
			Node:        hc.NodeOf(pid),
			ValidSlots:  valid,
			TotalSlots:  total,
			Hits:        hits,
			Misses:      misses,
		})
	}

	return snap
}

// Writer periodically collects a Snapshot and writes it atomically to a
// fixed path, until stopped.
type Writer struct {
	hc       *cache.HostCache
	path     string
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewWriter builds a Writer that samples hc every interval and writes
// the result to path.
func NewWriter(hc *cache.HostCache, path string, interval time.Duration, log *zap.Logger) *Writer {
	return &Writer{
		hc:       hc,
		path:     path,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run samples and writes a snapshot every interval until Stop is called
// or ctx is canceled. Meant to be launched with `go`.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := w.writeOnce(now); err != nil && w.log != nil {
				w.log.Warn("diagnostics snapshot write failed", zap.Error(err))
			}
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Writer) writeOnce(now time.Time) error {
	snap := Collect(w.hc, now)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(w.path, bytes.NewReader(data))
}
