package storages

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

// MapStruct fills a pointer-to-struct dest with the values of row,
// matching struct fields to columns by an optional `nvstorage:"col"` tag
// or, failing that, the field name lowercased; the column lookup itself
// is exact, so a column named "Name" does not match field Name.
func MapStruct(row RowResult, dest any) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("nvstorage: storages: MapStruct requires a pointer to struct, got %T", dest)
	}
	elem := v.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		column := columnNameFor(field)
		value, err := row.Column(column)
		if err != nil {
			continue // no matching column for this field; leave zero value
		}
		if err := assign(elem.Field(i), value); err != nil {
			return fmt.Errorf("nvstorage: storages: field %s: %w", field.Name, err)
		}
	}
	return nil
}

// MapTuple fills each of dests, in column order, from row's positional
// values. len(dests) must not exceed row.Len().
func MapTuple(row RowResult, dests ...any) error {
	if len(dests) > row.Len() {
		return fmt.Errorf("nvstorage: storages: MapTuple has %d destinations but row has %d columns", len(dests), row.Len())
	}
	for i, dest := range dests {
		v := reflect.ValueOf(dest)
		if v.Kind() != reflect.Pointer {
			return fmt.Errorf("nvstorage: storages: MapTuple destination %d must be a pointer, got %T", i, dest)
		}
		if err := assign(v.Elem(), row.At(i)); err != nil {
			return fmt.Errorf("nvstorage: storages: destination %d: %w", i, err)
		}
	}
	return nil
}

// columnNameFor resolves the column name a struct field maps to: the
// `nvstorage` tag if present, otherwise the field name lowercased (the
// convention most SQL schemas in the corpus use for generated columns).
func columnNameFor(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("nvstorage"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" {
			return name
		}
	}
	return strings.ToLower(field.Name)
}

// assign writes value into dst, which must be addressable/settable.
func assign(dst reflect.Value, value parameters.ParameterValue) error {
	if value.IsNull() {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	raw := value.Interface()
	rv := reflect.ValueOf(raw)

	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(rv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %s into %s", rv.Type(), dst.Type())
}
