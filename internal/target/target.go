// Package target is the cache's external-interface layer: it registers
// LUNs with a backing store, receives already-decoded scsi.Commands from
// the dispatcher, routes them through the request splitter and I/O
// engine (or the whole-range special-opcode handlers), and turns the
// result into a SAM status plus, on error, a sense value built by
// scsi.SenseBuilder. It implements no SCSI wire protocol itself.
package target

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/backingstore"
	"github.com/stonybrook/tgt-numacache/internal/cache"
	"github.com/stonybrook/tgt-numacache/internal/ioengine"
	"github.com/stonybrook/tgt-numacache/internal/scsi"
	"github.com/stonybrook/tgt-numacache/internal/splitter"
)

// LUN is one logical unit registered with a Target: its backing store
// handle plus the metadata the I/O engine and splitter need to serve it.
type LUN struct {
	Target uint32
	ID     uint32
	Store  backingstore.Store
	FD     uintptr
	Size   int64
	Thin   bool
}

// key identifies a LUN within a Target by its (target, lun) pair, the
// same granularity commands arrive at.
type key struct {
	target uint32
	lun    uint32
}

// Target is the registration point a backing-store dispatcher hands
// commands to, one at a time per worker, per spec.md §5. It owns no
// threads of its own; Submit is safe to call concurrently from multiple
// worker goroutines, one per NUMA node, as the dispatcher's pool does.
type Target struct {
	hc       *cache.HostCache
	splitter *splitter.Splitter
	engine   *ioengine.Engine
	sense    scsi.SenseBuilder
	log      *zap.Logger

	luns map[key]*LUN
}

// New builds a Target over hc. writeback selects write-through vs
// write-back for every LUN registered with it, matching the engine's
// single process-wide mode (spec.md does not scope write-back per LUN).
//
// In write-back mode, every partition gets a flush callback wired to
// flushDirtyVictim, so Admit can persist a dirty LRU victim synchronously
// instead of discarding an acknowledged write out from under it.
func New(hc *cache.HostCache, writeback bool, log *zap.Logger) *Target {
	t := &Target{
		hc:       hc,
		splitter: splitter.New(int64(hc.CacheBlockSize()), hc),
		engine:   ioengine.New(hc, writeback, log),
		log:      log,
		luns:     make(map[key]*LUN),
	}

	if writeback {
		for pid := 0; pid < hc.NumPartitions(); pid++ {
			hc.PartitionByID(pid).SetFlushFunc(t.flushDirtyVictim)
		}
	}

	return t
}

// flushDirtyVictim synchronously writes a dirty slot's contents to its
// backing file, by resolving id's (target, lun) pair against the LUNs
// registered so far. It is installed as every write-back partition's
// FlushFunc, called from Admit while the partition lock is held, so it
// must not itself touch partition state.
func (t *Target) flushDirtyVictim(id cache.BlockID, buf []byte) error {
	l, found := t.luns[key{target: id.Target, lun: id.LUN}]
	if !found {
		return fmt.Errorf("%w: flush of unknown target/lun %d/%d", scsi.ErrAllocationFailed, id.Target, id.LUN)
	}

	fileOffset := int64(id.CacheBlock) * int64(t.hc.CacheBlockSize())

	if _, err := l.Store.WriteAt(context.Background(), l.FD, buf, fileOffset); err != nil {
		return fmt.Errorf("%w: flush dirty victim at offset %d: %w", scsi.ErrReadWriteFailed, fileOffset, err)
	}

	return nil
}

// AddLUN registers l with the target. Submit rejects commands for any
// (target, lun) pair not registered this way.
func (t *Target) AddLUN(l *LUN) {
	t.luns[key{target: l.Target, lun: l.ID}] = l
}

// RemoveLUN unregisters a previously-added LUN.
func (t *Target) RemoveLUN(targetID, lunID uint32) {
	delete(t.luns, key{target: targetID, lun: lunID})
}

// Result is what Submit reports back to the dispatcher: a SAM status and,
// for CHECK_CONDITION, the sense value to attach to the response.
type Result struct {
	Status scsi.SAMStatus
	Sense  scsi.Sense
}

// Submit serves one command end to end: it looks up the target LUN,
// splits the command if its opcode is splittable and drives the I/O
// engine's hit/miss protocol over the resulting sub-requests, or
// dispatches directly to a whole-range special-opcode handler. The first
// sub-request failure short-circuits the rest per spec.md §7; the
// resulting error is translated into a SAM status and sense value.
func (t *Target) Submit(ctx context.Context, cmd *scsi.Command) Result {
	l, found := t.luns[key{target: cmd.Target, lun: cmd.LUN}]
	if !found {
		return t.fail(scsi.KindInvalidField, fmt.Errorf("%w: unknown target/lun %d/%d",
			scsi.ErrInvalidField, cmd.Target, cmd.LUN))
	}

	engineLUN := &ioengine.LUN{Store: l.Store, FD: l.FD, DeviceSize: l.Size, Thin: l.Thin}

	if err := t.dispatch(ctx, cmd, engineLUN); err != nil {
		return t.fail(kindOf(err), err)
	}

	return Result{}
}

// dispatch routes cmd to the splitter-driven hit/miss path for
// READ/WRITE opcodes, or to the matching whole-range special-opcode
// handler. Opcodes neither splittable nor special are rejected.
func (t *Target) dispatch(ctx context.Context, cmd *scsi.Command, l *ioengine.LUN) error {
	if cmd.Opcode.Splittable() {
		preferredNode, err := t.splitter.Split(cmd)
		if err != nil {
			return err
		}

		if t.log != nil {
			t.log.Debug("command split",
				zap.Uint8("opcode", byte(cmd.Opcode)), zap.Int("sub_requests", len(cmd.Sub)),
				zap.Int("preferred_node", preferredNode))
		}

		return t.engine.Serve(ctx, cmd, l)
	}

	switch cmd.Opcode {
	case scsi.OpSynchronizeCache, scsi.OpSynchronizeCache16:
		return t.engine.SyncCache(ctx, cmd, l)
	case scsi.OpWriteSame10, scsi.OpWriteSame16:
		return t.engine.WriteSame(ctx, cmd, l)
	case scsi.OpCompareAndWrite:
		return t.engine.CompareAndWrite(ctx, cmd, l)
	case scsi.OpOrWrite16:
		return t.engine.OrWrite(ctx, cmd, l)
	case scsi.OpVerify10:
		return t.engine.Verify(ctx, cmd, l)
	case scsi.OpPreFetch10, scsi.OpPreFetch16:
		return t.engine.PreFetch(ctx, cmd, l)
	case scsi.OpUnmap:
		return t.engine.Unmap(ctx, cmd, l)
	default:
		return fmt.Errorf("%w: opcode %#x is not supported", scsi.ErrInvalidField, cmd.Opcode)
	}
}

// fail builds the CHECK_CONDITION Result for err, logging it at the
// granularity a dispatcher would want for a failed command.
func (t *Target) fail(kind scsi.ErrorKind, err error) Result {
	info := uint64(0)

	var mc *scsi.MiscompareError
	if errors.As(err, &mc) {
		info = uint64(mc.Offset)
	}

	sense := t.sense.Build(kind, info)

	if t.log != nil {
		t.log.Warn("command failed", zap.Error(err), zap.Uint8("sense_key", byte(sense.Key)))
	}

	return Result{Status: sense.Status, Sense: sense}
}

// kindOf classifies err into the ErrorKind Submit reports, per the
// mapping in spec.md §6.
func kindOf(err error) scsi.ErrorKind {
	switch {
	case errors.Is(err, scsi.ErrMiscompare):
		return scsi.KindMiscompare
	case errors.Is(err, scsi.ErrUnmapOutOfRange):
		return scsi.KindUnmapOutOfRange
	case errors.Is(err, scsi.ErrInvalidField), errors.Is(err, scsi.ErrNotSplittable):
		return scsi.KindInvalidField
	case errors.Is(err, scsi.ErrReadWriteFailed):
		return scsi.KindReadWriteFailed
	default:
		return scsi.KindAllocationFailed
	}
}
