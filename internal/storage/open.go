package storage

import (
	"context"
	"strings"
	"time"

	logx "avisobot/pkg/logx"
)

// Store is the minimal persistence API used by the services.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	AppendAutoReply(ctx context.Context, e AutoReplyEntry) error
	AppendConn(ctx context.Context, e ConnEntry) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errUnknownDriver(driver)
	}
}

type errUnknownDriver string

func (e errUnknownDriver) Error() string { return "unknown storage driver: " + string(e) }
