package conn

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/go-i2p/sqlpool/lib/types"
)

// Result holds the decoded rows of one statement.
type Result struct {
	// Columns are the column names in result order.
	Columns []string
	// ColumnTypes are the backend type names, empty when the driver does not
	// report them.
	ColumnTypes []string
	// Rows holds one slice per row, aligned with Columns.
	Rows [][]any
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Maps returns the rows keyed by column name. Later duplicate column names
// overwrite earlier ones.
func (r *Result) Maps() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			m[col] = row[j]
		}
		out[i] = m
	}
	return out
}

// ExecResult reports the outcome of a statement without rows. Fields the
// driver cannot report are -1.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// DecodeError is returned when a column value could not be converted. The
// connection stays usable.
type DecodeError struct {
	Column string
	Row    int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("row %d column %q: %v", e.Row, e.Column, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type namedArg struct {
	Name  string
	Value any
}

// Named binds value to a named placeholder for drivers that support them.
func Named(name string, value any) any {
	return namedArg{Name: name, Value: value}
}

func readRows(rows driver.Rows, reg *types.Registry) (*Result, error) {
	cols := rows.Columns()
	res := &Result{
		Columns:     cols,
		ColumnTypes: make([]string, len(cols)),
		Rows:        [][]any{},
	}
	if typed, ok := rows.(driver.RowsColumnTypeDatabaseTypeName); ok {
		for i := range cols {
			res.ColumnTypes[i] = typed.ColumnTypeDatabaseTypeName(i)
		}
	}

	dest := make([]driver.Value, len(cols))
	for n := 0; ; n++ {
		err := rows.Next(dest)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return nil, err
		}

		row := make([]any, len(cols))
		for i, v := range dest {
			// Drivers may reuse byte buffers between Next calls.
			if b, ok := v.([]byte); ok {
				v = append([]byte(nil), b...)
			}
			decoded, err := reg.Decode(res.ColumnTypes[i], v)
			if err != nil {
				return nil, &DecodeError{Column: cols[i], Row: n, Err: err}
			}
			row[i] = decoded
		}
		res.Rows = append(res.Rows, row)
	}
}
