// Package persist hands full index snapshots to a durable store.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/agentic-research/reseller/api"
	"github.com/agentic-research/reseller/internal/control"
)

var (
	ErrPersistence = errors.New("persistence failed")
	ErrNoSnapshot  = errors.New("no snapshot stored")
)

// Store keeps the latest snapshot blob. Every Save replaces the previous
// blob; Load returns ErrNoSnapshot if nothing was ever saved.
type Store interface {
	Save(ctx context.Context, blob []byte) error
	Load(ctx context.Context) ([]byte, error)
	Close() error
}

// Open builds the store described by cfg.
func Open(cfg api.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Kind {
	case api.StoreMemory:
		return NewMemoryStore(), nil
	case api.StoreFile:
		return NewFileStore(cfg.Path), nil
	case api.StoreSQLite:
		s, err := OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case api.StoreBadger:
		opts := DefaultBadgerOptions()
		opts.Path = cfg.Path
		opts.Logger = logger
		s, err := OpenBadgerStore(opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case api.StoreArena:
		var ctrl *control.Controller
		if cfg.ControlPath != "" {
			var err error
			ctrl, err = control.OpenOrCreate(cfg.ControlPath)
			if err != nil {
				return nil, fmt.Errorf("open control block: %w", err)
			}
		}
		path, err := filepath.Abs(cfg.Path)
		if err != nil {
			path = cfg.Path
		}
		s, err := OpenArenaStore(path, cfg.ArenaSize, ctrl)
		if err != nil {
			if ctrl != nil {
				_ = ctrl.Close()
			}
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}
