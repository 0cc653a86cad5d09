package extract

import (
	"context"
	"fmt"

	"github.com/sqlpull/sqlpull/internal/db"
)

// Bound is one partition's inclusive range over the index column.
// Bounds are monotonically non-decreasing and together cover the full
// domain exactly once.
type Bound struct {
	Group int
	Lower any
	Upper any
}

// group is one distinct index value and its row count, in index order.
type group struct {
	value any
	count int64
}

// ComputeBounds splits ordered per-value counts into at most
// numPartitions contiguous buckets of balanced cumulative row mass.
// Fewer buckets come back when there are fewer distinct values than
// partitions.
func computeBounds(groups []group, numPartitions int) []Bound {
	if len(groups) == 0 || numPartitions <= 0 {
		return nil
	}

	var total int64
	for _, g := range groups {
		total += g.count
	}
	if total == 0 {
		return nil
	}

	var bounds []Bound
	var cum int64
	current := -1
	for _, g := range groups {
		cum += g.count
		// Bucket by cumulative mass: the last row of this value group
		// lands in bucket (cum-1)*P/total, which is non-decreasing.
		bucket := int((cum - 1) * int64(numPartitions) / total)
		if bucket != current {
			bounds = append(bounds, Bound{Group: len(bounds), Lower: g.value, Upper: g.value})
			current = bucket
		} else {
			bounds[len(bounds)-1].Upper = g.value
		}
	}

	return bounds
}

// queryBounds runs the single aggregate query that groups by the index
// column with per-group counts, then derives balanced bounds in
// memory.
func (e *Extractor) queryBounds(ctx context.Context, numPartitions int) ([]Bound, error) {
	manager := db.NewManager(e.dial, e.params.ConnTimeout)
	defer manager.Close()

	query := fmt.Sprintf(
		"SELECT [%s], COUNT_BIG(*) AS cnt FROM [%s].[%s] GROUP BY [%s] ORDER BY [%s]",
		e.indexCol, e.table.Schema, e.table.Name, e.indexCol, e.indexCol)

	var groups []group
	err := manager.WithConn(ctx, func(conn db.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("querying partition bounds: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var g group
			if err := rows.Scan(&g.value, &g.count); err != nil {
				return fmt.Errorf("scanning partition bounds: %w", err)
			}
			groups = append(groups, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return computeBounds(groups, numPartitions), nil
}
