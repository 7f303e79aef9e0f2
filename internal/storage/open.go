package storage

import (
	"context"
	"errors"
	"strings"

	"nprelay/pkg/logx"
)

// Store is the delivery journal used by the notifier.
type Store interface {
	AppendDelivery(ctx context.Context, d Delivery) error
	// Recent returns up to n deliveries, oldest first.
	Recent(ctx context.Context, n int) ([]Delivery, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when
// storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
