package storages

import (
	"fmt"

	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

// RowResult is one row of an ExecutionResult, addressable by either
// positional index or column name.
type RowResult struct {
	columns []string
	colIdx  map[string]int
	values  []parameters.ParameterValue
}

// Len returns the number of columns in the row.
func (r RowResult) Len() int {
	return len(r.values)
}

// At returns the value at positional index i.
func (r RowResult) At(i int) parameters.ParameterValue {
	return r.values[i]
}

// Column returns the value of the named column.
func (r RowResult) Column(name string) (parameters.ParameterValue, error) {
	idx, ok := r.colIdx[name]
	if !ok {
		return parameters.ParameterValue{}, fmt.Errorf("nvstorage: storages: no such column %q", name)
	}
	return r.values[idx], nil
}

// Columns returns the row's column names, in order.
func (r RowResult) Columns() []string {
	return r.columns
}

// Get extracts the Go-typed value of the named column via
// parameters.As[T].
func Get[T any](r RowResult, name string) (T, error) {
	var zero T
	v, err := r.Column(name)
	if err != nil {
		return zero, err
	}
	return parameters.As[T](v)
}
