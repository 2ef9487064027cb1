package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ponyo877/chatrelay/server/config"
	"github.com/ponyo877/chatrelay/server/usecase"
)

type Store interface {
	usecase.HistoryStore
	Close() error
}

// Open returns the history store the config names.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case config.DriverBadger:
		return OpenBadger(cfg.Path, log)
	case config.DriverMemory:
		return NewMemoryRepository(cfg.Retain), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
