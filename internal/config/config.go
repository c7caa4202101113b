// Package config loads the cache daemon's configuration: a JSONC file
// (github.com/tailscale/hujson), parsed into defaults and overridden by
// CLI flags, the way the teacher's ticket-tool config.go layers a project
// config file over its own defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// LunConfig is one backing-file LUN the daemon should open and register
// with the target at startup.
type LunConfig struct {
	Path            string `json:"path"`
	Target          uint32 `json:"target"`
	LUN             uint32 `json:"lun"`
	ReadOnly        bool   `json:"read_only,omitempty"`        //nolint:tagliatelle
	ThinProvisioned bool   `json:"thin_provisioned,omitempty"` //nolint:tagliatelle
}

// Config is the cache daemon's full configuration surface, per
// SPEC_FULL.md §6: the scalar parameters spec.md names, plus the
// operational fields a deployable daemon needs that the distilled spec
// is silent on.
type Config struct {
	BufferSize       int         `json:"buffer_size"` //nolint:tagliatelle
	CacheBlockSize   uint32      `json:"cbs"`
	CacheWay         int         `json:"cache_way"`  //nolint:tagliatelle
	CBGroup          uint64      `json:"cb_group"`   //nolint:tagliatelle
	DIOAlign         int         `json:"dio_align"`  //nolint:tagliatelle
	Luns             []LunConfig `json:"luns"`
	WritebackEnabled bool        `json:"writeback_enabled"` //nolint:tagliatelle
	LogLevel         string      `json:"log_level"`         //nolint:tagliatelle
	ControlSocket    string      `json:"control_socket"`    //nolint:tagliatelle
}

var (
	errBufferSizeInvalid = errors.New("buffer_size must be > 0")
	errCBSInvalid        = errors.New("cbs must be a power of two, non-zero")
	errCacheWayInvalid   = errors.New("cache_way must be >= 1")
	errCBGroupInvalid    = errors.New("cb_group must be >= 1")
	errLunPathEmpty      = errors.New("lun path must not be empty")
	errBufferNotMultiple = errors.New("buffer_size must divide evenly into cbs-sized blocks")
)

// Default returns the baseline configuration: a single 64MiB buffer
// split into one partition per node, 4KiB cache blocks, write-through.
func Default() Config {
	return Config{
		BufferSize:     64 << 20,
		CacheBlockSize: 4096,
		CacheWay:       1,
		CBGroup:        1,
		DIOAlign:       4096,
		LogLevel:       "info",
		ControlSocket:  "/run/numacached.sock",
	}
}

// Load reads a JSONC config file at path (if non-empty and present),
// merges it over Default, and validates the result. A missing path is
// not an error: the caller gets Default back unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, validate(cfg)
	}

	raw, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, validate(cfg)
		}

		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s is not valid JSONC: %w", path, err)
	}

	var fromFile Config

	if err := json.Unmarshal(standardized, &fromFile); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	merged := merge(cfg, fromFile)

	return merged, validate(merged)
}

// merge overlays any field overlay sets to a non-zero value onto base.
// Luns, when present in overlay, replace base's list wholesale - there is
// no meaningful per-element merge for a LUN table.
func merge(base, overlay Config) Config {
	if overlay.BufferSize != 0 {
		base.BufferSize = overlay.BufferSize
	}

	if overlay.CacheBlockSize != 0 {
		base.CacheBlockSize = overlay.CacheBlockSize
	}

	if overlay.CacheWay != 0 {
		base.CacheWay = overlay.CacheWay
	}

	if overlay.CBGroup != 0 {
		base.CBGroup = overlay.CBGroup
	}

	if overlay.DIOAlign != 0 {
		base.DIOAlign = overlay.DIOAlign
	}

	if len(overlay.Luns) > 0 {
		base.Luns = overlay.Luns
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.ControlSocket != "" {
		base.ControlSocket = overlay.ControlSocket
	}

	base.WritebackEnabled = base.WritebackEnabled || overlay.WritebackEnabled

	return base
}

func validate(cfg Config) error {
	if cfg.BufferSize <= 0 {
		return errBufferSizeInvalid
	}

	if cfg.CacheBlockSize == 0 || cfg.CacheBlockSize&(cfg.CacheBlockSize-1) != 0 {
		return errCBSInvalid
	}

	if cfg.CacheWay < 1 {
		return errCacheWayInvalid
	}

	if cfg.CBGroup < 1 {
		return errCBGroupInvalid
	}

	if cfg.BufferSize%int(cfg.CacheBlockSize) != 0 {
		return errBufferNotMultiple
	}

	for i, l := range cfg.Luns {
		if l.Path == "" {
			return fmt.Errorf("luns[%d]: %w", i, errLunPathEmpty)
		}
	}

	return nil
}
