package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"auth", New("list", "", ErrAuth), KindAuth},
		{"wrapped not found", fmt.Errorf("outer: %w", New("fetch", "abc", ErrNotFound)), KindNotFound},
		{"transient with cause", Wrap("fetch", "abc", ErrTransient, errors.New("EOF")), KindTransient},
		{"render", Wrap("render", "x", ErrRender, errors.New("bad xref")), KindRender},
		{"filesystem", Wrap("write", "x", ErrFilesystem, errors.New("disk full")), KindFilesystem},
		{"cancelled", fmt.Errorf("scan: %w", context.Canceled), KindCancelled},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap("fetch", "doc1", ErrTransient, cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("expected sentinel to be reachable through errors.Is")
	}
	if got, want := err.Error(), "fetch doc1: transient store failure: connection reset"; got != want {
		t.Errorf("Error(): got %q, want %q", got, want)
	}
}
