package source

// Table represents a source table's discovered metadata. Built once
// per sync run and immutable afterward; RowCount is the fast
// approximate count and is advisory only.
type Table struct {
	Schema     string   `json:"schema"`
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
	RowCount   int64    `json:"row_count"`
}

// FullName returns schema.table format.
func (t *Table) FullName() string {
	return t.Schema + "." + t.Name
}

// IndexColumn returns the column used for range partitioning: the
// first primary-key column when one exists, otherwise the first
// ordinal column.
func (t *Table) IndexColumn() string {
	if len(t.PrimaryKey) > 0 {
		return t.PrimaryKey[0]
	}
	if len(t.Columns) > 0 {
		return t.Columns[0].Name
	}
	return ""
}

// ColumnNames returns the ordered column name list.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column represents a table column's metadata.
type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
	OrdinalPos int    `json:"ordinal_position"`
}
