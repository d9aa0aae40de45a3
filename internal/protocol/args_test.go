package protocol

import (
	"encoding/json"
	"testing"
)

func TestArgsInt64AcceptsIntegralForms(t *testing.T) {
	args := Args{33, int64(66), json.Number("7"), 4.0, uint8(2)}
	want := []int64{33, 66, 7, 4, 2}
	for i, w := range want {
		got, ok := args.Int64(i)
		if !ok || got != w {
			t.Fatalf("arg[%d] got=%d ok=%v want=%d", i, got, ok, w)
		}
	}
}

func TestArgsInt64RejectsNonIntegers(t *testing.T) {
	args := Args{"dafs", 1.5, json.Number("2.5"), nil, true}
	for i := range args {
		if _, ok := args.Int64(i); ok {
			t.Fatalf("arg[%d]=%#v should not convert", i, args[i])
		}
	}
	if _, ok := args.Int64(9); ok {
		t.Fatalf("out of range index should not convert")
	}
}

func TestArgsStringAndFloat(t *testing.T) {
	args := Args{"Hello 0", json.Number("2.5"), 3}
	if s, ok := args.String(0); !ok || s != "Hello 0" {
		t.Fatalf("string got=%q ok=%v", s, ok)
	}
	if f, ok := args.Float64(1); !ok || f != 2.5 {
		t.Fatalf("float got=%v ok=%v", f, ok)
	}
	if f, ok := args.Float64(2); !ok || f != 3 {
		t.Fatalf("float from int got=%v ok=%v", f, ok)
	}
	if _, ok := args.String(1); ok {
		t.Fatalf("number should not read as string")
	}
}
