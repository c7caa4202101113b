// Package wbflush implements the write-back flusher: one dedicated
// goroutine per LUN that repeatedly drains the oldest dirty slot it can
// find (scattered across every partition of the host cache) back to the
// backing file, honoring a shutdown signal that drains the queue before
// returning.
package wbflush

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/backingstore"
	"github.com/stonybrook/tgt-numacache/internal/cache"
)

// LUN is the subset of a logical unit's state the flusher needs to issue
// its own pwrites, independent of the I/O engine.
type LUN struct {
	ID    uint32
	Store backingstore.Store
	FD    uintptr
}

// Flusher drains one LUN's dirty slots across every partition of a host
// cache. Write-back is only meaningful when the cache is configured for
// it; write-through callers never mark a slot dirty, so a Flusher simply
// finds nothing to do and idles.
type Flusher struct {
	hc   *cache.HostCache
	lun  LUN
	log  *zap.Logger
	tick time.Duration

	stop chan struct{}
	done chan struct{}
}

// New builds a Flusher for lun over hc, polling for dirty work every
// tick (the flusher also wakes immediately on Stop for its final drain).
func New(hc *cache.HostCache, lun LUN, tick time.Duration, log *zap.Logger) *Flusher {
	return &Flusher{
		hc:   hc,
		lun:  lun,
		log:  log,
		tick: tick,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run loops until Stop is called, sweeping every partition for dirty
// slots belonging to this LUN on each tick, then performs one final
// drain pass before returning. Run is meant to be launched with `go`.
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			f.drainOnce(ctx)
			return
		case <-ctx.Done():
			f.drainOnce(ctx)
			return
		case <-ticker.C:
			f.drainOnce(ctx)
		}
	}
}

// Stop signals the flusher to perform its final drain and exit, and
// blocks until it has.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

// Flush forces one immediate drain pass outside the regular tick,
// without stopping the flusher's background loop. Used by the control
// plane's "flush" command.
func (f *Flusher) Flush(ctx context.Context) {
	f.drainOnce(ctx)
}

// drainOnce sweeps every partition once, flushing dirty slots for this
// LUN until each partition reports nothing left or a flush fails (a
// failed flush leaves the slot queued for the next sweep, so this never
// spins on a persistently failing backing store).
func (f *Flusher) drainOnce(ctx context.Context) {
	for pid := 0; pid < f.hc.NumPartitions(); pid++ {
		p := f.hc.PartitionByID(pid)

		for {
			found, ok := f.flushOne(ctx, p)
			if !found || !ok {
				break
			}
		}
	}
}

// flushOne flushes at most one dirty slot from p for this LUN. found
// reports whether a dirty slot was present; ok reports whether the flush
// succeeded (meaningless when found is false).
func (f *Flusher) flushOne(ctx context.Context, p *cache.Partition) (found, ok bool) {
	p.Lock()

	idx, hasDirty := p.OldestDirty(f.lun.ID)
	if !hasDirty {
		p.Unlock()
		return false, false
	}

	id := p.BlockIDOf(idx)
	buf := p.BufferOf(idx)

	p.Unlock()

	offset := int64(id.CacheBlock) * int64(f.hc.CacheBlockSize())
	_, err := f.lun.Store.WriteAt(ctx, f.lun.FD, buf, offset)

	p.Lock()
	defer p.Unlock()

	if err != nil {
		p.Requeue(idx)

		if f.log != nil {
			f.log.Error("write-back flush failed, will retry",
				zap.Uint32("lun", f.lun.ID), zap.Uint64("cb_id", id.CacheBlock), zap.Error(err))
		}

		return true, false
	}

	p.ClearDirty(idx, f.lun.ID)

	return true, true
}
