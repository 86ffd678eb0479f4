// Package parameters implements the tagged parameter value union bound
// to prepared and ad-hoc statements, mirroring the variant type used by
// the storage layer's reference implementation.
package parameters

import (
	"fmt"
	"time"
)

// DataType identifies the concrete type carried by a ParameterValue.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeReal
	TypeDouble
	TypeBoolean
	TypeString
	TypeTimestamp
	TypeTimestampWithZone
)

func (t DataType) String() string {
	switch t {
	case TypeSmallInt:
		return "small_int"
	case TypeInt:
		return "int"
	case TypeBigInt:
		return "big_int"
	case TypeReal:
		return "real"
	case TypeDouble:
		return "double"
	case TypeBoolean:
		return "boolean"
	case TypeString:
		return "string"
	case TypeTimestamp:
		return "timestamp"
	case TypeTimestampWithZone:
		return "timestamp_with_zone"
	default:
		return "unknown"
	}
}

// ParameterValue is a tagged union over the scalar types a query can
// bind. Exactly one of the typed fields is meaningful, selected by Type.
type ParameterValue struct {
	Type DataType

	smallInt  int16
	intVal    int32
	bigInt    int64
	real      float32
	double    float64
	boolean   bool
	str       string
	timestamp time.Time
	isNull    bool
}

// SmallInt builds a SMALLINT parameter.
func SmallInt(v int16) ParameterValue { return ParameterValue{Type: TypeSmallInt, smallInt: v} }

// Int builds an INT parameter.
func Int(v int32) ParameterValue { return ParameterValue{Type: TypeInt, intVal: v} }

// BigInt builds a BIGINT parameter.
func BigInt(v int64) ParameterValue { return ParameterValue{Type: TypeBigInt, bigInt: v} }

// Real builds a single-precision floating point parameter.
func Real(v float32) ParameterValue { return ParameterValue{Type: TypeReal, real: v} }

// Double builds a double-precision floating point parameter.
func Double(v float64) ParameterValue { return ParameterValue{Type: TypeDouble, double: v} }

// Boolean builds a boolean parameter.
func Boolean(v bool) ParameterValue { return ParameterValue{Type: TypeBoolean, boolean: v} }

// String builds a text parameter.
func String(v string) ParameterValue { return ParameterValue{Type: TypeString, str: v} }

// Timestamp builds a zoneless timestamp parameter.
func Timestamp(v time.Time) ParameterValue {
	return ParameterValue{Type: TypeTimestamp, timestamp: v}
}

// TimestampWithZone builds a timestamp parameter that carries zone
// offset information.
func TimestampWithZone(v time.Time) ParameterValue {
	return ParameterValue{Type: TypeTimestampWithZone, timestamp: v}
}

// Null builds a NULL parameter of the given declared type, preserving
// type information for drivers that need it (e.g. to pick a wire-format
// placeholder).
func Null(t DataType) ParameterValue {
	return ParameterValue{Type: t, isNull: true}
}

// IsNull reports whether the parameter carries SQL NULL.
func (p ParameterValue) IsNull() bool { return p.isNull }

// As extracts the Go value typed T out of p, returning an error if
// p.Type does not match T or p is NULL.
func As[T any](p ParameterValue) (T, error) {
	var zero T
	if p.isNull {
		return zero, fmt.Errorf("nvstorage: parameters: value is NULL")
	}
	var v any
	switch p.Type {
	case TypeSmallInt:
		v = p.smallInt
	case TypeInt:
		v = p.intVal
	case TypeBigInt:
		v = p.bigInt
	case TypeReal:
		v = p.real
	case TypeDouble:
		v = p.double
	case TypeBoolean:
		v = p.boolean
	case TypeString:
		v = p.str
	case TypeTimestamp, TypeTimestampWithZone:
		v = p.timestamp
	default:
		return zero, fmt.Errorf("nvstorage: parameters: unknown parameter type %v", p.Type)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("nvstorage: parameters: value of type %v cannot be read as %T", p.Type, zero)
	}
	return typed, nil
}

// Interface returns the parameter's value as an any, suitable for
// handing to a driver that accepts untyped placeholders. NULL yields
// untyped nil.
func (p ParameterValue) Interface() any {
	if p.isNull {
		return nil
	}
	switch p.Type {
	case TypeSmallInt:
		return p.smallInt
	case TypeInt:
		return p.intVal
	case TypeBigInt:
		return p.bigInt
	case TypeReal:
		return p.real
	case TypeDouble:
		return p.double
	case TypeBoolean:
		return p.boolean
	case TypeString:
		return p.str
	case TypeTimestamp, TypeTimestampWithZone:
		return p.timestamp
	default:
		return nil
	}
}
