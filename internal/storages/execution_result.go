package storages

import (
	"github.com/nvstorage/nvstorage/internal/driver"
)

// ExecutionResult is the outcome of running a statement: either a set of
// rows (for SELECT-shaped queries) or an affected-row count (for
// INSERT/UPDATE/DELETE-shaped ones).
type ExecutionResult struct {
	columns []string
	rows    []RowResult
	colIdx  map[string]int

	rowsAffected int64
}

func newExecutionResult(r driver.Result) *ExecutionResult {
	colIdx := make(map[string]int, len(r.Columns))
	for i, name := range r.Columns {
		colIdx[name] = i
	}
	rows := make([]RowResult, len(r.Rows))
	for i, values := range r.Rows {
		rows[i] = RowResult{columns: r.Columns, colIdx: colIdx, values: values}
	}
	return &ExecutionResult{
		columns:      r.Columns,
		rows:         rows,
		colIdx:       colIdx,
		rowsAffected: r.RowsAffected,
	}
}

// RowsAffected returns the number of rows an INSERT/UPDATE/DELETE
// touched. Meaningless for a SELECT result.
func (r *ExecutionResult) RowsAffected() int64 {
	return r.rowsAffected
}

// Columns returns the projected column names, in order. Empty for a
// non-projecting statement.
func (r *ExecutionResult) Columns() []string {
	return r.columns
}

// Len returns the number of rows returned.
func (r *ExecutionResult) Len() int {
	return len(r.rows)
}

// At returns the row at index i.
func (r *ExecutionResult) At(i int) RowResult {
	return r.rows[i]
}

// Rows returns every row in order.
func (r *ExecutionResult) Rows() []RowResult {
	return r.rows
}
