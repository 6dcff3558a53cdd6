package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestArguments_Lookup(t *testing.T) {
	t.Parallel()
	args := MustArguments(
		Argument{ID: "input_dataset", Value: "People"},
		Argument{ID: "sample_rate", Value: 0.25},
		Argument{ID: "header", Value: true},
	)

	if got := args.String("input_dataset"); got != "People" {
		t.Errorf("Expected input_dataset 'People', got %q", got)
	}
	rate, ok := args.Float("sample_rate")
	if !ok || rate != 0.25 {
		t.Errorf("Expected sample_rate 0.25, got %v (ok=%v)", rate, ok)
	}
	if !args.Bool("header") {
		t.Error("Expected header to be true")
	}
	if _, ok := args.Get("missing"); ok {
		t.Error("Expected missing argument to be absent")
	}
	if diff := cmp.Diff([]string{"input_dataset", "sample_rate", "header"}, args.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	if args.Len() != 3 {
		t.Errorf("Expected 3 arguments, got %d", args.Len())
	}
}

func TestArguments_FloatFromString(t *testing.T) {
	t.Parallel()
	args := MustArguments(Argument{ID: "rate", Value: "0.5"}, Argument{ID: "bad", Value: "abc"})

	if rate, ok := args.Float("rate"); !ok || rate != 0.5 {
		t.Errorf("Expected 0.5, got %v (ok=%v)", rate, ok)
	}
	if _, ok := args.Float("bad"); ok {
		t.Error("Expected non-numeric string to fail")
	}
}

func TestArguments_WithKeepsPositionAndOriginal(t *testing.T) {
	t.Parallel()
	original := MustArguments(Argument{ID: "a", Value: 1}, Argument{ID: "b", Value: 2})

	updated, err := original.With("a", 10)
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}
	appended, err := updated.With("c", "x")
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}

	if v, _ := original.Get("a"); v.Int() != 1 {
		t.Errorf("Expected original to be unchanged, got a=%d", v.Int())
	}
	if v, _ := appended.Get("a"); v.Int() != 10 {
		t.Errorf("Expected a=10, got %d", v.Int())
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, appended.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestArguments_Require(t *testing.T) {
	t.Parallel()
	args := MustArguments(Argument{ID: "source", Value: ""}, Argument{ID: "name", Value: "x"})

	if _, err := args.Require("name"); err != nil {
		t.Errorf("Expected name to be present, got %v", err)
	}

	tests := []string{"source", "missing"}
	for _, id := range tests {
		_, err := args.Require(id)
		var argErr *InvalidArgumentError
		if !errors.As(err, &argErr) {
			t.Fatalf("Expected InvalidArgumentError for %q, got %v", id, err)
		}
		if argErr.Argument != id {
			t.Errorf("Expected argument %q, got %q", id, argErr.Argument)
		}
	}
}

func TestCommand_JSON(t *testing.T) {
	t.Parallel()
	cmd := NewCommand("python", "code", Argument{ID: "source", Value: "print(2+2)"})

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"packageId":"python","commandId":"code","arguments":[{"id":"source","value":"print(2+2)"}]}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}

	var decoded Command
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.String() != "python.code" {
		t.Errorf("Expected python.code, got %s", decoded)
	}
	if decoded.Arguments.String("source") != "print(2+2)" {
		t.Errorf("Expected source to survive, got %q", decoded.Arguments.String("source"))
	}
}

func TestParseArguments_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `[{"id":`},
		{"object", `{"id":"a"}`},
		{"missing id", `[{"value":1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseArguments(tt.raw); err == nil {
				t.Errorf("Expected error for %s", tt.raw)
			}
		})
	}

	empty, err := ParseArguments("null")
	if err != nil || empty.Len() != 0 {
		t.Errorf("Expected null to parse as empty arguments, got %v, %v", empty.Raw(), err)
	}
}
