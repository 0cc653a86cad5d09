package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/sqlpull/sqlpull/internal/db"
	"github.com/sqlpull/sqlpull/internal/logging"
	"github.com/sqlpull/sqlpull/internal/params"
	"github.com/sqlpull/sqlpull/internal/source"
)

// IncrementalScan streams rows whose cursor column is past the
// high-water mark, in cursor order, on a single connection. Changed
// row volume is small relative to full loads, so there is no
// partitioning; the adaptive connection timeout and checkpoint
// interval still apply.
func IncrementalScan(
	ctx context.Context,
	table source.Table,
	cursorCol string,
	since time.Time,
	p params.Processing,
	dial db.Dialer,
	consumer Consumer,
) (int64, error) {
	manager := db.NewManager(dial, p.ConnTimeout)
	defer manager.Close()

	cols := table.ColumnNames()
	query := fmt.Sprintf("SELECT %s FROM [%s].[%s] WHERE [%s] > %s ORDER BY [%s]",
		bracketedList(cols), table.Schema, table.Name,
		cursorCol, formatSQLValue(since), cursorCol)

	var delivered int64
	err := manager.WithConn(ctx, func(conn db.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("querying incremental rows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return fmt.Errorf("scanning incremental row: %w", err)
			}

			if err := consumer.Deliver(ctx, Record{Columns: cols, Values: values}); err != nil {
				logging.Warn("Dropping row from %s: %v", table.FullName(), err)
				continue
			}
			delivered++
			if p.CheckpointInterval > 0 && delivered%int64(p.CheckpointInterval) == 0 {
				if err := consumer.Checkpoint(ctx); err != nil {
					logging.Warn("Checkpoint failed for %s at %d records: %v", table.FullName(), delivered, err)
				}
			}
		}
		return rows.Err()
	})

	return delivered, err
}
