package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sqlpull/sqlpull/internal/db"
	"github.com/sqlpull/sqlpull/internal/params"
	"github.com/sqlpull/sqlpull/internal/source"
)

// fakeRows serves canned rows through the db.Rows interface.
type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Columns() ([]string, error) { return nil, nil }
func (r *fakeRows) Next() bool                 { r.idx++; return r.idx <= len(r.rows) }
func (r *fakeRows) Err() error                 { return nil }
func (r *fakeRows) Close() error               { return nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *any:
			*p = row[i]
		case *int64:
			*p = row[i].(int64)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

// fakeSource answers the bounds aggregate and range queries for a
// table with one row per integer id in [1, rowCount]. Ranges listed in
// failRanges fail every attempt.
type fakeSource struct {
	rowCount   int
	failRanges map[string]error

	mu      sync.Mutex
	queries []string
	dials   int
}

func (s *fakeSource) dial(ctx context.Context) (db.Conn, error) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	return &fakeSourceConn{src: s}, nil
}

type fakeSourceConn struct {
	src *fakeSource
}

func (c *fakeSourceConn) Close() error { return nil }

func (c *fakeSourceConn) Query(ctx context.Context, query string) (db.Rows, error) {
	c.src.mu.Lock()
	c.src.queries = append(c.src.queries, query)
	c.src.mu.Unlock()

	if strings.Contains(query, "COUNT_BIG(*)") {
		rows := make([][]any, c.src.rowCount)
		for i := range rows {
			rows[i] = []any{i + 1, int64(1)}
		}
		return &fakeRows{rows: rows}, nil
	}

	var lo, hi int
	pos := strings.Index(query, "BETWEEN")
	if pos < 0 {
		return nil, fmt.Errorf("unexpected query: %s", query)
	}
	if _, err := fmt.Sscanf(query[pos:], "BETWEEN %d AND %d", &lo, &hi); err != nil {
		return nil, fmt.Errorf("unparseable range in %q: %v", query, err)
	}

	if err := c.src.failRanges[fmt.Sprintf("%d-%d", lo, hi)]; err != nil {
		return nil, err
	}

	var rows [][]any
	for id := lo; id <= hi; id++ {
		rows = append(rows, []any{id, fmt.Sprintf("name-%d", id)})
	}
	return &fakeRows{rows: rows}, nil
}

// collector records delivered rows and checkpoint calls.
type collector struct {
	mu          sync.Mutex
	ids         []int
	checkpoints int
	deliverErr  error
}

func (c *collector) Deliver(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliverErr != nil {
		return c.deliverErr
	}
	c.ids = append(c.ids, rec.Values[0].(int))
	return nil
}

func (c *collector) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints++
	return nil
}

func testTable(rowCount int64) source.Table {
	return source.Table{
		Schema:   "dbo",
		Name:     "orders",
		RowCount: rowCount,
		Columns: []source.Column{
			{Name: "id", DataType: "int", OrdinalPos: 1},
			{Name: "name", DataType: "varchar", OrdinalPos: 2},
		},
		PrimaryKey: []string{"id"},
	}
}

func testParams() params.Processing {
	return params.Processing{
		PartitionSize:      25,
		BatchSize:          10,
		Workers:            3,
		QueueCapacity:      1, // smallest legal queue, exercises backpressure
		CheckpointInterval: 20,
		ConnTimeout:        time.Hour,
	}
}

func TestExtractorDeliversEveryRowExactlyOnce(t *testing.T) {
	const n = 100
	src := &fakeSource{rowCount: n}
	sink := &collector{}

	got, err := New(testTable(n), "id", testParams(), src.dial, sink).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != n {
		t.Errorf("delivered = %d, want %d", got, n)
	}

	seen := make(map[int]bool, n)
	for _, id := range sink.ids {
		if seen[id] {
			t.Errorf("row %d delivered twice", id)
		}
		seen[id] = true
	}
	for id := 1; id <= n; id++ {
		if !seen[id] {
			t.Errorf("row %d missing", id)
		}
	}

	if want := n / 20; sink.checkpoints != want {
		t.Errorf("checkpoints = %d, want %d", sink.checkpoints, want)
	}
}

func TestExtractorEmptyTable(t *testing.T) {
	src := &fakeSource{rowCount: 0}
	sink := &collector{}

	got, err := New(testTable(0), "id", testParams(), src.dial, sink).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
}

func TestExtractorPartitionFailureAbandonsOnlyThatPartition(t *testing.T) {
	// 100 rows at partition size 25 gives ranges 1-25, 26-50, 51-75,
	// 76-100; the second fails permanently.
	src := &fakeSource{
		rowCount:   100,
		failRanges: map[string]error{"26-50": errors.New("deadlock victim")},
	}
	sink := &collector{}

	got, err := New(testTable(100), "id", testParams(), src.dial, sink).Run(context.Background())

	var perr *PartitionError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v (%T), want *PartitionError", err, err)
	}
	if perr.Partition != 1 {
		t.Errorf("failed partition = %d, want 1", perr.Partition)
	}
	var de *db.DeadlockError
	if !errors.As(err, &de) {
		t.Error("classified cause not reachable through PartitionError")
	}

	if got != 75 {
		t.Errorf("delivered = %d, want 75 from surviving partitions", got)
	}
	for _, id := range sink.ids {
		if id >= 26 && id <= 50 {
			t.Errorf("row %d from abandoned partition was delivered", id)
		}
	}

	// The failed range is attempted twice: once plus the in-partition
	// retry on a fresh connection.
	src.mu.Lock()
	attempts := 0
	for _, q := range src.queries {
		if strings.Contains(q, "BETWEEN 26 AND 50") {
			attempts++
		}
	}
	src.mu.Unlock()
	if attempts != 2 {
		t.Errorf("failed range attempted %d times, want 2", attempts)
	}
}

func TestExtractorTransientPartitionFailureRecovers(t *testing.T) {
	// Range 1-25 fails once; the in-partition retry on a fresh
	// connection must pick it up without losing rows.
	src := &fakeSource{rowCount: 50}
	flaky := &flakyConn{src: src, failKey: "1-25"}
	sink := &collector{}

	got, err := New(testTable(50), "id", testParams(), flaky.dial, sink).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 50 {
		t.Errorf("delivered = %d, want 50", got)
	}
}

// flakyConn fails the named range once, then serves normally.
type flakyConn struct {
	src     *fakeSource
	failKey string
	mu      sync.Mutex
	tripped bool
}

func (f *flakyConn) dial(ctx context.Context) (db.Conn, error) {
	return &flakyQueryConn{f: f}, nil
}

type flakyQueryConn struct {
	f *flakyConn
}

func (c *flakyQueryConn) Close() error { return nil }

func (c *flakyQueryConn) Query(ctx context.Context, query string) (db.Rows, error) {
	key := "BETWEEN " + strings.Replace(c.f.failKey, "-", " AND ", 1)
	c.f.mu.Lock()
	if !c.f.tripped && strings.Contains(query, key) {
		c.f.tripped = true
		c.f.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	c.f.mu.Unlock()
	return (&fakeSourceConn{src: c.f.src}).Query(ctx, query)
}

func TestExtractorCancellation(t *testing.T) {
	src := &fakeSource{rowCount: 100}
	sink := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testTable(100), "id", testParams(), src.dial, sink).Run(ctx)
	if err == nil {
		t.Fatal("Run succeeded with cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
}

func TestExtractorDeliveryErrorDropsRow(t *testing.T) {
	src := &fakeSource{rowCount: 10}
	sink := &collector{deliverErr: errors.New("destination full")}

	got, err := New(testTable(10), "id", testParams(), src.dial, sink).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 0 {
		t.Errorf("delivered = %d, want 0 when every delivery fails", got)
	}
}

func TestIncrementalScan(t *testing.T) {
	src := &incrementalSource{
		rows: [][]any{
			{101, "name-101"},
			{102, "name-102"},
			{103, "name-103"},
		},
	}
	sink := &collector{}

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := IncrementalScan(context.Background(), testTable(3), "updated_at",
		since, testParams(), src.dial, sink)
	if err != nil {
		t.Fatalf("IncrementalScan: %v", err)
	}
	if got != 3 {
		t.Errorf("delivered = %d, want 3", got)
	}

	if !strings.Contains(src.query, "[updated_at] > '2025-06-01 00:00:00'") {
		t.Errorf("cursor predicate missing from query: %s", src.query)
	}
	if !strings.Contains(src.query, "ORDER BY [updated_at]") {
		t.Errorf("cursor ordering missing from query: %s", src.query)
	}
}

// incrementalSource serves one canned result set and records the query.
type incrementalSource struct {
	rows  [][]any
	query string
}

func (s *incrementalSource) dial(ctx context.Context) (db.Conn, error) {
	return &incrementalConn{src: s}, nil
}

type incrementalConn struct {
	src *incrementalSource
}

func (c *incrementalConn) Close() error { return nil }

func (c *incrementalConn) Query(ctx context.Context, query string) (db.Rows, error) {
	c.src.query = query
	return &fakeRows{rows: c.src.rows}, nil
}
