package parameters

import (
	"testing"
	"time"
)

func TestAsRoundTrip(t *testing.T) {
	p := Int(42)
	got, err := As[int32](p)
	if err != nil {
		t.Fatalf("As: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestAsWrongTypeErrors(t *testing.T) {
	p := String("hi")
	if _, err := As[int32](p); err == nil {
		t.Fatal("expected an error reading a string parameter as int32")
	}
}

func TestAsNullErrors(t *testing.T) {
	p := Null(TypeInt)
	if !p.IsNull() {
		t.Fatal("expected IsNull to be true")
	}
	if _, err := As[int32](p); err == nil {
		t.Fatal("expected an error reading a NULL parameter")
	}
}

func TestInterfaceReturnsUnderlyingValue(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		p    ParameterValue
		want any
	}{
		{"small_int", SmallInt(7), int16(7)},
		{"big_int", BigInt(9000), int64(9000)},
		{"double", Double(3.14), float64(3.14)},
		{"bool", Boolean(true), true},
		{"string", String("x"), "x"},
		{"timestamp", Timestamp(now), now},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.p.Interface(); got != c.want {
				t.Errorf("Interface() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestNullInterfaceIsNil(t *testing.T) {
	if Null(TypeString).Interface() != nil {
		t.Error("expected Interface() of a NULL parameter to be nil")
	}
}
