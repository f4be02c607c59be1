// Package statestore persists experiment snapshots. The file backend is
// the default; Redis and Postgres backends share the same contract for
// deployments that already run those services. Per-id operations are
// sequentially consistent; there is no ordering across ids.
package statestore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrClosed is returned once a store has been closed.
var ErrClosed = errors.New("state store is closed")

// Store is the snapshot cache consumed by experiment actors and the
// repository. Get returns (nil, nil) when no snapshot exists for the id.
type Store interface {
	// Put replaces the snapshot for an experiment.
	Put(ctx context.Context, id uuid.UUID, blob []byte) error

	// Get retrieves the last stored snapshot, or nil if absent.
	Get(ctx context.Context, id uuid.UUID) ([]byte, error)

	// Delete removes an experiment's snapshot. Missing is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListIDs returns the ids with a stored snapshot.
	ListIDs(ctx context.Context) ([]uuid.UUID, error)

	// Clear removes every snapshot.
	Clear(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}
