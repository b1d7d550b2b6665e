package database

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/viewledger/platform/pkg/common/logger"
)

// OpenBadger opens the local cache at path, creating the directory if needed. An
// empty path opens an in-memory database.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir: %w", err)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	logger.WithField("path", path).Info("Opened local cache")
	return db, nil
}
