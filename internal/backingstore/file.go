package backingstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FileStore is the production Store: plain positional pread/pwrite
// against regular files, using golang.org/x/sys/unix directly so flags
// like O_DIRECT and fallocate/fadvise/fdatasync are reachable.
type FileStore struct {
	mu    sync.RWMutex
	files map[uintptr]*os.File
	log   *zap.Logger
}

// NewFileStore returns an empty FileStore.
func NewFileStore(log *zap.Logger) *FileStore {
	return &FileStore{files: make(map[uintptr]*os.File), log: log}
}

// Open opens path read-write; if that is denied (e.g. permissions), it
// retries read-only and reports ReadOnly=true, per the backing-store
// plug-in contract.
func (fs *FileStore) Open(path string, flags OpenFlags) (OpenResult, error) {
	sysFlags := os.O_RDWR

	if flags&OpenSync != 0 {
		sysFlags |= unix.O_DSYNC
	}

	if flags&OpenDirect != 0 {
		sysFlags |= unix.O_DIRECT
	}

	f, err := os.OpenFile(path, sysFlags, 0o644) //nolint:gosec // path comes from LUN config

	readOnly := false

	if err != nil {
		f, err = os.OpenFile(path, (sysFlags&^os.O_RDWR)|os.O_RDONLY, 0o644) //nolint:gosec
		if err != nil {
			return OpenResult{}, fmt.Errorf("backingstore: open %q: %w", path, err)
		}

		readOnly = true
	}

	info, statErr := f.Stat()
	if statErr != nil {
		_ = f.Close()
		return OpenResult{}, fmt.Errorf("backingstore: stat %q: %w", path, statErr)
	}

	var stat unix.Stat_t

	optimal := int64(0)

	if err := unix.Fstat(int(f.Fd()), &stat); err == nil {
		optimal = int64(stat.Blksize)
	}

	fd := f.Fd()

	fs.mu.Lock()
	fs.files[fd] = f
	fs.mu.Unlock()

	if fs.log != nil {
		fs.log.Info("backing store opened", zap.String("path", path), zap.Bool("read_only", readOnly))
	}

	return OpenResult{
		FD:               fd,
		Size:             info.Size(),
		ReadOnly:         readOnly,
		OptimalBlockSize: optimal,
	}, nil
}

// Close closes the file backing fd.
func (fs *FileStore) Close(fd uintptr) error {
	fs.mu.Lock()
	f, ok := fs.files[fd]
	delete(fs.files, fd)
	fs.mu.Unlock()

	if !ok {
		return fmt.Errorf("backingstore: close: unknown fd %d", fd)
	}

	return f.Close()
}

// Init is a no-op for FileStore: a plain file needs no per-LUN setup
// beyond the open already performed.
func (fs *FileStore) Init(lun uint32, nrThreads int) error { return nil }

// Exit is a no-op for FileStore.
func (fs *FileStore) Exit(lun uint32) error { return nil }

func (fs *FileStore) lookup(fd uintptr) (*os.File, error) {
	fs.mu.RLock()
	f, ok := fs.files[fd]
	fs.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backingstore: unknown fd %d", fd)
	}

	return f, nil
}

// ReadAt performs a positional read. Short reads are returned as-is; the
// caller (the I/O engine) is responsible for zero-filling any range past
// device size.
func (fs *FileStore) ReadAt(_ context.Context, fd uintptr, buf []byte, off int64) (int, error) {
	f, err := fs.lookup(fd)
	if err != nil {
		return 0, err
	}

	n, err := unix.Pread(int(f.Fd()), buf, off)
	if err != nil {
		return n, fmt.Errorf("backingstore: pread at %d: %w", off, err)
	}

	return n, nil
}

// WriteAt performs a positional write.
func (fs *FileStore) WriteAt(_ context.Context, fd uintptr, buf []byte, off int64) (int, error) {
	f, err := fs.lookup(fd)
	if err != nil {
		return 0, err
	}

	n, err := unix.Pwrite(int(f.Fd()), buf, off)
	if err != nil {
		return n, fmt.Errorf("backingstore: pwrite at %d: %w", off, err)
	}

	return n, nil
}

// Sync issues a data-sync on fd, for SYNCHRONIZE_CACHE.
func (fs *FileStore) Sync(_ context.Context, fd uintptr) error {
	f, err := fs.lookup(fd)
	if err != nil {
		return err
	}

	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("backingstore: fdatasync: %w", err)
	}

	return nil
}

// PunchHole deallocates [off, off+length) without changing file size, for
// WRITE_SAME's unmap path and for UNMAP.
func (fs *FileStore) PunchHole(_ context.Context, fd uintptr, off, length int64) error {
	f, err := fs.lookup(fd)
	if err != nil {
		return err
	}

	mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE

	if err := unix.Fallocate(int(f.Fd()), uint32(mode), off, length); err != nil {
		return fmt.Errorf("backingstore: fallocate punch hole at %d len %d: %w", off, length, err)
	}

	return nil
}

// Advise tells the kernel that [off, off+length) will be needed soon, for
// PRE_FETCH.
func (fs *FileStore) Advise(_ context.Context, fd uintptr, off, length int64) error {
	f, err := fs.lookup(fd)
	if err != nil {
		return err
	}

	if err := unix.Fadvise(int(f.Fd()), off, length, unix.FADV_WILLNEED); err != nil {
		return fmt.Errorf("backingstore: fadvise at %d len %d: %w", off, length, err)
	}

	return nil
}
