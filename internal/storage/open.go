package storage

import (
	"errors"
	"strings"

	logx "patchwatch/pkg/logx"
)

// Open initializes the configured store. An empty driver or "none" gives
// an in-memory store so the bot still runs without persistence.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		log.Warn("storage disabled; recipients are kept in memory only")
		return newMemStore(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
