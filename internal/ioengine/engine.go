// Package ioengine implements the per-sub-request hit/miss/fill/write-through
// protocol against a partitioned cache, plus the whole-range special
// opcodes that bypass the cache and splitter entirely.
package ioengine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/backingstore"
	"github.com/stonybrook/tgt-numacache/internal/cache"
	"github.com/stonybrook/tgt-numacache/internal/scsi"
)

// LUN binds a logical unit's backing store handle to the metadata the
// engine needs to serve it: its backing store, the open file descriptor,
// device size (for fill-tail zero-padding and UNMAP range checks), and
// whether it is thin-provisioned (required for UNMAP).
type LUN struct {
	Store      backingstore.Store
	FD         uintptr
	DeviceSize int64
	Thin       bool
}

// Engine serves sub-requests against a host cache. It holds no LUN state
// itself; every call receives the LUN it is operating on, since a single
// engine instance is shared across every LUN and every worker.
type Engine struct {
	hc        *cache.HostCache
	writeback bool
	log       *zap.Logger
}

// New builds an Engine over hc. writeback selects which of the two
// WRITE-hit/miss modes spec.md §4.7 and §9 document: false is
// write-through (the source's actual behavior - every write reaches the
// backing file before the command completes); true defers the backing
// write to the write-back flusher and only marks the slot dirty here.
func New(hc *cache.HostCache, writeback bool, log *zap.Logger) *Engine {
	return &Engine{hc: hc, writeback: writeback, log: log}
}

// Serve executes every sub-request of cmd in order, under the owning
// partition's mutex, stopping at the first failure: later sub-requests'
// results are discarded per the "first failure per command" rule.
func (e *Engine) Serve(ctx context.Context, cmd *scsi.Command, lun *LUN) error {
	for _, sub := range cmd.Sub {
		var err error

		switch {
		case cmd.Opcode.IsRead():
			err = e.serveRead(ctx, cmd, sub, lun)
		case cmd.Opcode.IsWrite():
			err = e.serveWrite(ctx, cmd, sub, lun)
		default:
			err = fmt.Errorf("%w: opcode %#x is not a per-block READ/WRITE", scsi.ErrInvalidField, cmd.Opcode)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) serveRead(ctx context.Context, cmd *scsi.Command, sub scsi.SubRequest, lun *LUN) error {
	p := e.hc.Partition(sub.CacheBlockID)
	id := cache.BlockID{Target: sub.Target, LUN: sub.LUN, CacheBlock: sub.CacheBlockID}

	p.Lock()
	defer p.Unlock()

	if idx, hit := p.Lookup(id); hit {
		buf := p.BufferOf(idx)
		copy(cmd.Buffer[sub.BufOffset:sub.BufOffset+sub.Length], buf[sub.InBlockOffset:sub.InBlockOffset+sub.Length])
		p.Touch(idx)
		p.IncHit()

		return nil
	}

	p.IncMiss()

	idx := p.Admit()
	buf := p.BufferOf(idx)

	if err := e.fill(ctx, buf, sub.FileOffset, lun); err != nil {
		return err
	}

	copy(cmd.Buffer[sub.BufOffset:sub.BufOffset+sub.Length], buf[sub.InBlockOffset:sub.InBlockOffset+sub.Length])
	p.Publish(idx, id)

	if e.log != nil {
		e.log.Debug("read miss filled", zap.Uint64("cb_id", sub.CacheBlockID))
	}

	return nil
}

func (e *Engine) serveWrite(ctx context.Context, cmd *scsi.Command, sub scsi.SubRequest, lun *LUN) error {
	p := e.hc.Partition(sub.CacheBlockID)
	id := cache.BlockID{Target: sub.Target, LUN: sub.LUN, CacheBlock: sub.CacheBlockID}

	p.Lock()
	defer p.Unlock()

	if idx, hit := p.Lookup(id); hit {
		buf := p.BufferOf(idx)
		copy(buf[sub.InBlockOffset:sub.InBlockOffset+sub.Length], cmd.Buffer[sub.BufOffset:sub.BufOffset+sub.Length])

		if err := e.commitWrite(ctx, p, idx, buf, sub.FileOffset, sub.LUN, lun); err != nil {
			return err
		}

		p.Touch(idx)
		p.IncHit()

		return nil
	}

	p.IncMiss()

	idx := p.Admit()
	buf := p.BufferOf(idx)

	if err := e.fill(ctx, buf, sub.FileOffset, lun); err != nil {
		return err
	}

	copy(buf[sub.InBlockOffset:sub.InBlockOffset+sub.Length], cmd.Buffer[sub.BufOffset:sub.BufOffset+sub.Length])

	if err := e.commitWrite(ctx, p, idx, buf, sub.FileOffset, sub.LUN, lun); err != nil {
		return err
	}

	p.Publish(idx, id)

	return nil
}

// commitWrite either pushes the slot's full block straight to the
// backing file (write-through) or hands it to the write-back flusher by
// marking it dirty, per the engine's configured mode. Caller must hold
// the partition lock.
func (e *Engine) commitWrite(
	ctx context.Context, p *cache.Partition, idx int32, buf []byte, fileOffset int64, lun uint32, l *LUN,
) error {
	if e.writeback {
		p.MarkDirty(idx, lun)
		return nil
	}

	return e.writeThrough(ctx, buf, fileOffset, l)
}

// fill reads a full cache block from the backing file into buf. If the
// block's range overshoots device size, it reads only the in-range
// prefix and zero-fills the remainder; this is not an error.
func (e *Engine) fill(ctx context.Context, buf []byte, fileOffset int64, lun *LUN) error {
	avail := lun.DeviceSize - fileOffset
	if avail <= 0 {
		for i := range buf {
			buf[i] = 0
		}

		return nil
	}

	readLen := int64(len(buf))
	if avail < readLen {
		readLen = avail
	}

	n, err := lun.Store.ReadAt(ctx, lun.FD, buf[:readLen], fileOffset)
	if err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	return nil
}

// writeThrough writes the full cache block back to the backing file.
func (e *Engine) writeThrough(ctx context.Context, buf []byte, fileOffset int64, lun *LUN) error {
	n, err := lun.Store.WriteAt(ctx, lun.FD, buf, fileOffset)
	if err != nil {
		return fmt.Errorf("%w: %w", scsi.ErrReadWriteFailed, err)
	}

	if n != len(buf) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", scsi.ErrReadWriteFailed, n, len(buf))
	}

	return nil
}
