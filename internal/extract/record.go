package extract

import (
	"context"
	"fmt"
)

// Record is one extracted row: column names and values in source
// ordinal order, so flattening downstream is deterministic.
type Record struct {
	Columns []string
	Values  []any
}

// Consumer receives extracted records. Only the extractor's single
// consumer goroutine calls these, so implementations need no internal
// synchronization for delivery ordering.
type Consumer interface {
	// Deliver hands one record downstream.
	Deliver(ctx context.Context, rec Record) error

	// Checkpoint persists sync progress. Called every checkpoint
	// interval of delivered records.
	Checkpoint(ctx context.Context) error
}

// PartitionError reports a partition that failed after its in-partition
// retry. Sibling partitions are unaffected. It unwraps to the
// underlying (possibly classified) error so table-level retry can see
// retryable causes.
type PartitionError struct {
	Partition int
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %d: %v", e.Partition, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }
