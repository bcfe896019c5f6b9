// Package storage defines the Store interface behind the repositories code
// bodies reach as $repos. Backends: memory (default, zero-config), SQLite and
// PostgreSQL through GORM, and Redis.
package storage

import (
	"context"

	"github.com/jkaninda/hookd/internal/sandbox"
)

// Store hands out repositories by collection name. Every backend stores
// schemaless documents: a JSON object with a string "id".
type Store interface {
	// Repository returns the handle for one collection. Handles are cheap
	// and safe for concurrent use.
	Repository(name string) sandbox.Repository

	// Ping checks the backend for readiness probes.
	Ping(ctx context.Context) error

	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverMemory

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)
