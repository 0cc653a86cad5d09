// Package sink defines the destination collaborator and provides the
// PostgreSQL implementation.
package sink

import (
	"context"

	"github.com/sqlpull/sqlpull/internal/extract"
)

// Destination receives extracted records and sync-state checkpoints.
// Operations are assumed idempotent on retry; delivery is
// at-least-once.
type Destination interface {
	// Upsert writes one record into the named table.
	Upsert(ctx context.Context, table string, rec extract.Record) error

	// Delete removes the row matching the key columns.
	Delete(ctx context.Context, table string, key map[string]any) error

	// Checkpoint durably stores the sync state (table name to
	// ISO-8601 high-water mark; absent key means full load).
	Checkpoint(ctx context.Context, state map[string]string) error
}
