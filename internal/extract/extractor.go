// Package extract runs the partitioned producer/consumer extraction
// pipeline: a bounded worker pool streams row ranges into a bounded
// record queue drained by a single consumer.
package extract

import (
	"context"
	"fmt"
	"sync"

	"github.com/sqlpull/sqlpull/internal/db"
	"github.com/sqlpull/sqlpull/internal/logging"
	"github.com/sqlpull/sqlpull/internal/params"
	"github.com/sqlpull/sqlpull/internal/source"
)

// Extractor performs one full-load attempt for one table.
type Extractor struct {
	table    source.Table
	indexCol string
	params   params.Processing
	dial     db.Dialer
	consumer Consumer
}

// New builds an Extractor. The index column is the table's first
// ordinal column (or first PK column) discovered by the catalog.
func New(table source.Table, indexCol string, p params.Processing, dial db.Dialer, consumer Consumer) *Extractor {
	return &Extractor{
		table:    table,
		indexCol: indexCol,
		params:   p,
		dial:     dial,
		consumer: consumer,
	}
}

// partitionResult is one partition's completion notice; exactly one is
// emitted per dispatched partition, success or not, so the accounting
// loop can never block on an abandoned partition.
type partitionResult struct {
	partition int
	err       error
}

// Run extracts the whole table and returns the number of records
// delivered downstream. Partition failures beyond the one in-partition
// retry abandon only that partition; the first such failure is
// returned after the queue drains so the caller can decide whether the
// table attempt is retryable.
func (e *Extractor) Run(ctx context.Context) (int64, error) {
	numPartitions := int((e.table.RowCount + int64(e.params.PartitionSize) - 1) / int64(e.params.PartitionSize))
	if numPartitions < 1 {
		numPartitions = 1
	}

	bounds, err := e.queryBounds(ctx, numPartitions)
	if err != nil {
		return 0, fmt.Errorf("partitioning %s: %w", e.table.FullName(), err)
	}
	if len(bounds) == 0 {
		logging.Info("Table %s is empty, nothing to extract", e.table.FullName())
		return 0, nil
	}

	workers := e.params.Workers
	if workers > len(bounds) {
		workers = len(bounds)
	}

	logging.Info("Extracting %s: %d partitions, %d workers, queue capacity %d",
		e.table.FullName(), len(bounds), workers, e.params.QueueCapacity)

	records := make(chan Record, e.params.QueueCapacity)
	results := make(chan partitionResult, len(bounds))
	tasks := make(chan Bound)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for b := range tasks {
				results <- partitionResult{
					partition: b.Group,
					err:       e.extractPartition(ctx, workerID, b, records),
				}
			}
		}(w)
	}

	go func() {
		for _, b := range bounds {
			select {
			case tasks <- b:
			case <-ctx.Done():
				close(tasks)
				return
			}
		}
		close(tasks)
	}()

	// Close the record queue once every producer has finished, the
	// channel-native replacement for per-worker sentinel values.
	go func() {
		wg.Wait()
		close(records)
	}()

	delivered := e.consume(ctx, records)

	close(results)
	var firstErr error
	for res := range results {
		if res.err == nil {
			continue
		}
		perr := &PartitionError{Partition: res.partition, Err: res.err}
		logging.Error("Partition %d of %s abandoned: %v", res.partition, e.table.FullName(), res.err)
		if firstErr == nil {
			firstErr = perr
		}
	}

	if firstErr != nil {
		return delivered, firstErr
	}
	if err := ctx.Err(); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// consume drains the record queue, delivering downstream and
// checkpointing every CheckpointInterval records. Per-row delivery
// errors are logged and the row is dropped.
func (e *Extractor) consume(ctx context.Context, records <-chan Record) int64 {
	var delivered int64
	for rec := range records {
		if err := e.consumer.Deliver(ctx, rec); err != nil {
			logging.Warn("Dropping row from %s: %v", e.table.FullName(), err)
			continue
		}
		delivered++
		if e.params.CheckpointInterval > 0 && delivered%int64(e.params.CheckpointInterval) == 0 {
			if err := e.consumer.Checkpoint(ctx); err != nil {
				logging.Warn("Checkpoint failed for %s at %d records: %v", e.table.FullName(), delivered, err)
			} else {
				logging.Debug("Checkpoint for %s at %d records", e.table.FullName(), delivered)
			}
		}
	}
	return delivered
}

// extractPartition streams one partition's rows into the queue. A
// failed attempt is retried once on a fresh connection before the
// partition is abandoned.
func (e *Extractor) extractPartition(ctx context.Context, workerID int, b Bound, records chan<- Record) error {
	err := e.extractRange(ctx, b, records)
	if err == nil {
		return nil
	}

	logging.Warn("Worker %d: partition %d of %s failed, retrying with fresh connection: %v",
		workerID, b.Group, e.table.FullName(), err)

	if retryErr := e.extractRange(ctx, b, records); retryErr != nil {
		return retryErr
	}
	return nil
}

func (e *Extractor) extractRange(ctx context.Context, b Bound, records chan<- Record) error {
	manager := db.NewManager(e.dial, e.params.ConnTimeout)
	defer manager.Close()

	cols := e.table.ColumnNames()
	query := fmt.Sprintf("SELECT %s FROM [%s].[%s] WHERE [%s] BETWEEN %s AND %s ORDER BY [%s]",
		bracketedList(cols), e.table.Schema, e.table.Name,
		e.indexCol, formatSQLValue(b.Lower), formatSQLValue(b.Upper), e.indexCol)

	return manager.WithConn(ctx, func(conn db.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("querying partition %d: %w", b.Group, err)
		}
		defer rows.Close()

		batched := 0
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return fmt.Errorf("scanning partition %d: %w", b.Group, err)
			}

			select {
			case records <- Record{Columns: cols, Values: values}:
			case <-ctx.Done():
				return ctx.Err()
			}

			batched++
			if batched%e.params.BatchSize == 0 {
				logging.Debug("Partition %d of %s: %d rows streamed", b.Group, e.table.FullName(), batched)
			}
		}
		return rows.Err()
	})
}
