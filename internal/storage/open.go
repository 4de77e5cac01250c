package storage

import (
	"go.uber.org/zap"
)

// Open builds the Store for the configured driver. SQL drivers are migrated
// to the latest schema before returning.
func Open(log *zap.Logger, driver, url string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgresStore(log, url)
	case "sqlite":
		return NewSQLStore(log, url)
	case "bolt":
		return NewBoltStore(log, url)
	default:
		return nil, Error.New("unsupported database driver: %s", driver)
	}
}
