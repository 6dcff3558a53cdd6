package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWithCapture_Ordering(t *testing.T) {
	t.Parallel()
	console := NewConsole(nil, nil)

	outputs, err := WithCapture(console, func(c *Capture) error {
		fmt.Fprintln(console.Stdout(), "first")
		fmt.Fprintln(console.Stdout(), "second")
		c.Emit(HTMLOutput("<b>x</b>"))
		fmt.Fprintln(console.Stderr(), "warning")
		fmt.Fprint(console.Stdout(), "last\n\n")
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := Outputs{
		Stdout: []OutputObject{
			TextOutput("first\nsecond"),
			HTMLOutput("<b>x</b>"),
			TextOutput("last"),
		},
		Stderr: []OutputObject{TextOutput("warning")},
	}
	if diff := cmp.Diff(want, outputs); diff != "" {
		t.Errorf("Outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestWithCapture_RestoresOnError(t *testing.T) {
	t.Parallel()
	var out, errOut bytes.Buffer
	console := NewConsole(&out, &errOut)
	boom := errors.New("boom")

	_, err := WithCapture(console, func(*Capture) error {
		fmt.Fprint(console.Stdout(), "captured")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	stdout, stderr := console.Targets()
	if stdout != io.Writer(&out) || stderr != io.Writer(&errOut) {
		t.Error("Expected console targets to be restored")
	}
	fmt.Fprint(console.Stdout(), "after")
	if out.String() != "after" {
		t.Errorf("Expected only post-capture text in target, got %q", out.String())
	}
}

func TestWithCapture_RestoresOnPanic(t *testing.T) {
	t.Parallel()
	var out, errOut bytes.Buffer
	console := NewConsole(&out, &errOut)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		_, _ = WithCapture(console, func(*Capture) error {
			fmt.Fprint(console.Stdout(), "partial")
			panic("processor crashed")
		})
	}()

	stdout, stderr := console.Targets()
	if stdout != io.Writer(&out) || stderr != io.Writer(&errOut) {
		t.Error("Expected console targets to be restored after panic")
	}
	if out.Len() != 0 {
		t.Errorf("Expected captured text not to leak, got %q", out.String())
	}
}

func TestCapture_NestedAndIdempotentRelease(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	console := NewConsole(&out, nil)

	outer := console.Begin()
	fmt.Fprint(console.Stdout(), "outer")
	inner := console.Begin()
	fmt.Fprint(console.Stdout(), "inner")

	innerOut := inner.Release()
	inner.Release()
	fmt.Fprint(console.Stdout(), "again")
	outerOut := outer.Release()

	if diff := cmp.Diff([]OutputObject{TextOutput("inner")}, innerOut.Stdout); diff != "" {
		t.Errorf("Inner mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]OutputObject{TextOutput("outeragain")}, outerOut.Stdout); diff != "" {
		t.Errorf("Outer mismatch (-want +got):\n%s", diff)
	}
	if stdout, _ := console.Targets(); stdout != io.Writer(&out) {
		t.Error("Expected original target after releasing both captures")
	}
}

func TestConsoleFrom(t *testing.T) {
	t.Parallel()
	console := NewConsole(nil, nil)
	ctx := WithConsole(context.Background(), console)

	if ConsoleFrom(ctx) != console {
		t.Error("Expected console from context")
	}
	if ConsoleFrom(context.Background()) == nil {
		t.Error("Expected a fallback console")
	}
}
