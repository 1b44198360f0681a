// Package store defines the aggregate persistence interface. The job store
// contract lives in package job; Store adds the lifecycle methods every
// backend provides. Backends: PostgreSQL, Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/imgdispatch/job"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store

	// Migrate prepares the backend schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
