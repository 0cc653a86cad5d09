// Package source discovers table metadata from the SQL Server source.
package source

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"
)

// Catalog holds a metadata connection to the source database. Row
// extraction does not go through the catalog; each extraction worker
// owns its own connection.
type Catalog struct {
	db     *sql.DB
	schema string
}

// NewCatalog opens a metadata connection for schema discovery.
func NewCatalog(dsn, schema string) (*Catalog, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Catalog{db: db, schema: schema}, nil
}

// Close closes the metadata connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DiscoverTables returns metadata for every base table in the schema,
// or only the named ones when include is non-empty.
func (c *Catalog) DiscoverTables(ctx context.Context, include []string) ([]Table, error) {
	query := `
		SELECT t.TABLE_SCHEMA, t.TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES t
		WHERE t.TABLE_TYPE = 'BASE TABLE'
		  AND t.TABLE_SCHEMA = @schema
		ORDER BY t.TABLE_NAME
	`

	rows, err := c.db.QueryContext(ctx, query, sql.Named("schema", c.schema))
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(include))
	for _, name := range include {
		wanted[name] = true
	}

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		if len(wanted) > 0 && !wanted[t.Name] {
			continue
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tables {
		t := &tables[i]
		if err := c.loadColumns(ctx, t); err != nil {
			return nil, fmt.Errorf("loading columns for %s: %w", t.FullName(), err)
		}
		if err := c.loadPrimaryKey(ctx, t); err != nil {
			return nil, fmt.Errorf("loading PK for %s: %w", t.FullName(), err)
		}
		if err := c.loadRowCount(ctx, t); err != nil {
			return nil, fmt.Errorf("loading row count for %s: %w", t.FullName(), err)
		}
	}

	return tables, nil
}

func (c *Catalog) loadColumns(ctx context.Context, t *Table) error {
	query := `
		SELECT
			COLUMN_NAME,
			DATA_TYPE,
			CASE WHEN IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
			ORDINAL_POSITION
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @table
		ORDER BY ORDINAL_POSITION
	`

	rows, err := c.db.QueryContext(ctx, query,
		sql.Named("schema", t.Schema),
		sql.Named("table", t.Name))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &col.OrdinalPos); err != nil {
			return err
		}
		t.Columns = append(t.Columns, col)
	}

	return rows.Err()
}

func (c *Catalog) loadPrimaryKey(ctx context.Context, t *Table) error {
	query := `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
			AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
			AND kcu.TABLE_NAME = tc.TABLE_NAME
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		  AND tc.TABLE_SCHEMA = @schema
		  AND tc.TABLE_NAME = @table
		ORDER BY kcu.ORDINAL_POSITION
	`

	rows, err := c.db.QueryContext(ctx, query,
		sql.Named("schema", t.Schema),
		sql.Named("table", t.Name))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
	}

	return rows.Err()
}

func (c *Catalog) loadRowCount(ctx context.Context, t *Table) error {
	// sys.partitions gives a fast approximate count; exact counts on
	// very large tables are too slow for per-run discovery.
	query := `
		SELECT ISNULL(SUM(p.rows), 0)
		FROM sys.partitions p
		JOIN sys.tables st ON p.object_id = st.object_id
		JOIN sys.schemas s ON st.schema_id = s.schema_id
		WHERE s.name = @schema AND st.name = @table AND p.index_id IN (0, 1)
	`

	return c.db.QueryRowContext(ctx, query,
		sql.Named("schema", t.Schema),
		sql.Named("table", t.Name)).Scan(&t.RowCount)
}

// CountRows returns an exact row count, used by validation.
func (c *Catalog) CountRows(ctx context.Context, t *Table) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT_BIG(*) FROM [%s].[%s]", t.Schema, t.Name)
	var count int64
	err := c.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
