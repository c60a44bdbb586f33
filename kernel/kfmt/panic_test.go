package kfmt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"halcyon/kernel"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func()) { haltFn = origHaltFn }(haltFn)
	defer SetOutputSink(nil)

	var haltCalls int
	haltFn = func() { haltCalls++ }

	specs := []struct {
		err         interface{}
		expContains []string
	}{
		{
			&kernel.Error{Module: "pmm", Message: "out of memory"},
			[]string{"[pmm] unrecoverable error: out of memory", "kernel panic: system halted"},
		},
		{
			"preemption counter underflow",
			[]string{"[rt] unrecoverable error: preemption counter underflow"},
		},
		{
			errors.New("go error"),
			[]string{"[rt] unrecoverable error: go error"},
		},
		{
			nil,
			[]string{"kernel panic: system halted"},
		},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		Panic(spec.err)

		for _, exp := range spec.expContains {
			if !strings.Contains(buf.String(), exp) {
				t.Errorf("[spec %d] expected panic output to contain %q; got:\n%s", specIndex, exp, buf.String())
			}
		}
	}

	if haltCalls != len(specs) {
		t.Fatalf("expected the CPU to halt %d times; got %d", len(specs), haltCalls)
	}
}
