package storage

import (
	"errors"
	"strings"

	logx "bilisub/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file", "json":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func addOwner(owners []string, owner string) ([]string, bool) {
	for _, o := range owners {
		if o == owner {
			return owners, false
		}
	}
	return append(owners, owner), true
}

func removeOwner(owners []string, owner string) ([]string, bool) {
	for i, o := range owners {
		if o == owner {
			out := make([]string, 0, len(owners)-1)
			out = append(out, owners[:i]...)
			return append(out, owners[i+1:]...), true
		}
	}
	return owners, false
}
