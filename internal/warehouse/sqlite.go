package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLExecutor runs templates against a local SQLite database. It stands
// in for the production warehouse when developing offline; the façade's
// guarantees are identical either way.
type SQLExecutor struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLExecutor, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLExecutor{db: db}, nil
}

// NewSQLExecutor wraps an existing database handle.
func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

func (e *SQLExecutor) Exec(ctx context.Context, template string, params map[string]any, limit int) (*ResultSet, error) {
	args := make([]any, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, value))
	}

	rows, err := e.db.QueryContext(ctx, template, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: cols}
	// Fetch one row past the cap so the façade can mark truncation.
	for rows.Next() && len(rs.Rows) <= limit {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
