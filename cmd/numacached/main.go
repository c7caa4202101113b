// Command numacached is the NUMA-aware block cache daemon: it loads a
// config, builds the host cache and pins its partitions across the
// discovered NUMA nodes, opens every configured LUN against a backing
// store, and serves control-plane requests until signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/backingstore"
	"github.com/stonybrook/tgt-numacache/internal/cache"
	"github.com/stonybrook/tgt-numacache/internal/config"
	"github.com/stonybrook/tgt-numacache/internal/ctl"
	"github.com/stonybrook/tgt-numacache/internal/diag"
	"github.com/stonybrook/tgt-numacache/internal/numapin"
	"github.com/stonybrook/tgt-numacache/internal/splitter"
	"github.com/stonybrook/tgt-numacache/internal/target"
	"github.com/stonybrook/tgt-numacache/internal/wbflush"
)

const diagPath = "/var/run/numacached.diag.json"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "numacached: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", "", "path to JSONC config file")
	socketOverride := flag.StringP("socket", "s", "", "control socket path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *socketOverride != "" {
		cfg.ControlSocket = *socketOverride
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	topo, err := numapin.Discover()
	if err != nil {
		return fmt.Errorf("discovering NUMA topology: %w", err)
	}

	pinner := numapin.NewPinner(topo, log)

	hc, err := cache.NewHostCache(pinner, cache.HostCacheConfig{
		BufferSize:     cfg.BufferSize,
		CacheBlockSize: cfg.CacheBlockSize,
		Way:            cfg.CacheWay,
		Group:          cfg.CBGroup,
	}, log)
	if err != nil {
		return fmt.Errorf("building host cache: %w", err)
	}
	defer hc.Close() //nolint:errcheck

	store := backingstore.NewFileStore(log)
	registry := backingstore.NewRegistry()

	if err := registry.Register("file", store); err != nil {
		return fmt.Errorf("registering backing store: %w", err)
	}

	tgt := target.New(hc, cfg.WritebackEnabled, log)

	flushByLUN, err := openLUNs(cfg, hc, store, tgt, log)
	if err != nil {
		return fmt.Errorf("opening LUNs: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, f := range flushByLUN {
		go f.Run(ctx)
	}

	diagWriter := diag.NewWriter(hc, diagPath, 5*time.Second, log)
	go diagWriter.Run(ctx)

	sp := splitter.New(int64(hc.CacheBlockSize()), hc)

	ctlSrv := ctl.NewServer(hc, sp, flushFunc(flushByLUN), log)

	log.Info("numacached starting",
		zap.String("control_socket", cfg.ControlSocket), zap.Bool("writeback", cfg.WritebackEnabled))

	serveErr := ctlSrv.Serve(ctx, cfg.ControlSocket)

	log.Info("numacached shutting down")

	diagWriter.Stop()

	for _, f := range flushByLUN {
		f.Stop()
	}

	return serveErr
}

// openLUNs opens every configured LUN against store, registers it with
// tgt, and returns one Flusher per LUN, keyed by LUN id, when write-back
// is enabled.
func openLUNs(
	cfg config.Config, hc *cache.HostCache, store backingstore.Store, tgt *target.Target, log *zap.Logger,
) (map[uint32]*wbflush.Flusher, error) {
	flushers := make(map[uint32]*wbflush.Flusher)

	for _, l := range cfg.Luns {
		res, err := store.Open(l.Path, backingstore.OpenFlags(0))
		if err != nil {
			return nil, fmt.Errorf("lun %d/%d: %w", l.Target, l.LUN, err)
		}

		tgt.AddLUN(&target.LUN{
			Target: l.Target,
			ID:     l.LUN,
			Store:  store,
			FD:     res.FD,
			Size:   res.Size,
			Thin:   l.ThinProvisioned,
		})

		if cfg.WritebackEnabled {
			flushers[l.LUN] = wbflush.New(hc, wbflush.LUN{ID: l.LUN, Store: store, FD: res.FD}, time.Second, log)
		}

		log.Info("lun registered",
			zap.Uint32("target", l.Target), zap.Uint32("lun", l.LUN), zap.String("path", l.Path), zap.Bool("read_only", res.ReadOnly))
	}

	return flushers, nil
}

func flushFunc(byLUN map[uint32]*wbflush.Flusher) ctl.FlushFunc {
	return func(ctx context.Context, lun uint32) error {
		f, ok := byLUN[lun]
		if !ok {
			return fmt.Errorf("no write-back flusher registered for lun %d", lun)
		}

		f.Flush(ctx)

		return nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug":
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	default:
		cfg := zap.NewProductionConfig()

		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}

		return cfg.Build()
	}
}
