package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlpull/sqlpull/internal/config"
	"github.com/sqlpull/sqlpull/internal/extract"
	"github.com/sqlpull/sqlpull/internal/source"
)

// stateTable holds the durable sync state inside the destination.
const stateTable = "_sqlpull_state"

var _ Destination = (*Postgres)(nil)

// Postgres is the pgx-backed destination.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string

	mu   sync.RWMutex
	keys map[string][]string // table -> sanitized PK columns
}

// NewPostgres opens a destination connection pool and ensures the
// state table exists.
func NewPostgres(ctx context.Context, cfg *config.TargetConfig, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{pool: pool, schema: cfg.Schema, keys: make(map[string][]string)}

	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (table_name text PRIMARY KEY, high_water text NOT NULL)",
		sanitize(p.schema), stateTable)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating state table: %w", err)
	}

	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// sanitize lowercases an identifier for PostgreSQL's case-insensitive
// matching, the same rule the source identifiers follow on write.
func sanitize(name string) string {
	return strings.ToLower(name)
}

// EnsureTable creates the destination table from source metadata if it
// does not exist, and registers its key columns for upserts.
func (p *Postgres) EnsureTable(ctx context.Context, t *source.Table) error {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = fmt.Sprintf("%q %s", sanitize(c.Name), pgType(c.DataType))
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%q (%s",
		sanitize(p.schema), sanitize(t.Name), strings.Join(cols, ", "))
	if len(t.PrimaryKey) > 0 {
		pks := make([]string, len(t.PrimaryKey))
		for i, pk := range t.PrimaryKey {
			pks[i] = fmt.Sprintf("%q", sanitize(pk))
		}
		ddl += fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(pks, ", "))
	}
	ddl += ")"

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", t.Name, err)
	}

	keys := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		keys[i] = sanitize(pk)
	}
	p.mu.Lock()
	p.keys[sanitize(t.Name)] = keys
	p.mu.Unlock()

	return nil
}

// Upsert writes one record, updating on primary-key conflict. Tables
// without a primary key get a plain insert.
func (p *Postgres) Upsert(ctx context.Context, table string, rec extract.Record) error {
	table = sanitize(table)

	p.mu.RLock()
	keys := p.keys[table]
	p.mu.RUnlock()

	query := buildUpsertSQL(sanitize(p.schema), table, rec.Columns, keys)
	if _, err := p.pool.Exec(ctx, query, rec.Values...); err != nil {
		return fmt.Errorf("upserting into %s: %w", table, err)
	}
	return nil
}

// buildUpsertSQL renders the INSERT .. ON CONFLICT statement for a
// record's column list. Split out for testing.
func buildUpsertSQL(schema, table string, columns, keys []string) string {
	cols := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = fmt.Sprintf("%q", sanitize(c))
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s.%q (%s) VALUES (%s)",
		schema, table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if len(keys) == 0 {
		return query
	}

	quotedKeys := make([]string, len(keys))
	keySet := make(map[string]bool, len(keys))
	for i, k := range keys {
		quotedKeys[i] = fmt.Sprintf("%q", k)
		keySet[k] = true
	}

	var updates []string
	for _, c := range columns {
		if keySet[sanitize(c)] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%q = EXCLUDED.%q", sanitize(c), sanitize(c)))
	}

	if len(updates) == 0 {
		return query + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", "))
	}
	return query + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(quotedKeys, ", "), strings.Join(updates, ", "))
}

// Delete removes the row matching the key columns.
func (p *Postgres) Delete(ctx context.Context, table string, key map[string]any) error {
	table = sanitize(table)

	var conds []string
	var args []any
	i := 1
	for col, val := range key {
		conds = append(conds, fmt.Sprintf("%q = $%d", sanitize(col), i))
		args = append(args, val)
		i++
	}

	query := fmt.Sprintf("DELETE FROM %s.%q WHERE %s",
		sanitize(p.schema), table, strings.Join(conds, " AND "))
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return nil
}

// Checkpoint upserts the sync state rows.
func (p *Postgres) Checkpoint(ctx context.Context, state map[string]string) error {
	query := fmt.Sprintf(
		"INSERT INTO %s.%s (table_name, high_water) VALUES ($1, $2) ON CONFLICT (table_name) DO UPDATE SET high_water = EXCLUDED.high_water",
		sanitize(p.schema), stateTable)

	for table, hwm := range state {
		if _, err := p.pool.Exec(ctx, query, table, hwm); err != nil {
			return fmt.Errorf("checkpointing %s: %w", table, err)
		}
	}
	return nil
}

// LoadState reads the persisted sync state back out of the
// destination.
func (p *Postgres) LoadState(ctx context.Context) (map[string]string, error) {
	query := fmt.Sprintf("SELECT table_name, high_water FROM %s.%s", sanitize(p.schema), stateTable)
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var table, hwm string
		if err := rows.Scan(&table, &hwm); err != nil {
			return nil, err
		}
		state[table] = hwm
	}
	return state, rows.Err()
}

// CountRows returns the destination row count for validation.
func (p *Postgres) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%q", sanitize(p.schema), sanitize(table))
	err := p.pool.QueryRow(ctx, query).Scan(&count)
	return count, err
}

// pgType maps a SQL Server data type to its PostgreSQL equivalent,
// defaulting to text.
func pgType(mssqlType string) string {
	switch strings.ToLower(mssqlType) {
	case "tinyint", "smallint", "int":
		return "integer"
	case "bigint":
		return "bigint"
	case "bit":
		return "boolean"
	case "decimal", "numeric", "money", "smallmoney":
		return "numeric"
	case "float", "real":
		return "double precision"
	case "date":
		return "date"
	case "time":
		return "time"
	case "datetime", "datetime2", "smalldatetime":
		return "timestamp"
	case "datetimeoffset":
		return "timestamptz"
	case "uniqueidentifier":
		return "uuid"
	case "varbinary", "binary", "image":
		return "bytea"
	default:
		return "text"
	}
}
