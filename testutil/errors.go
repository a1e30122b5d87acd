/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stretchr/testify/require"
)

// RequireErrorIsAny asserts that err matches at least one of targets (errors.Is).
// It is meant for outcomes that depend on timing, e.g. a context that may be either canceled or past its deadline.
func RequireErrorIsAny(t require.TestingT, err error, targets []error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return
		}
	}
	want := make([]string, 0, len(targets))
	for _, target := range targets {
		want = append(want, fmt.Sprintf("%q", target.Error()))
	}
	require.FailNow(t, fmt.Sprintf("None of the target errors is in the chain:\n"+
		"targets: [%s]\n"+
		"chain:\n%s", strings.Join(want, ", "), formatErrorChain(err)), msgAndArgs...)
}

// RequireErrorWraps asserts that err wraps sentinel and that its text carries detail.
// Processing errors are usually a sentinel annotated with the cause,
// e.g. "processor panicked: boom" wraps the panic sentinel with the recovered value.
func RequireErrorWraps(t require.TestingT, err error, sentinel error, detail string, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if !errors.Is(err, sentinel) {
		require.FailNow(t, fmt.Sprintf("Error does not wrap %q:\n%s", sentinel.Error(), formatErrorChain(err)), msgAndArgs...)
		return
	}
	if !strings.Contains(err.Error(), detail) {
		require.FailNow(t, fmt.Sprintf("Error %q wraps %q but does not mention %q", err.Error(), sentinel.Error(), detail),
			msgAndArgs...)
	}
}

// formatErrorChain walks both single (Unwrap() error) and joined (Unwrap() []error) errors depth-first.
func formatErrorChain(err error) string {
	if err == nil {
		return "\t<nil>"
	}
	var sb strings.Builder
	var walk func(e error, depth int)
	walk = func(e error, depth int) {
		sb.WriteString(strings.Repeat("\t", depth+1))
		sb.WriteString(fmt.Sprintf("%q\n", e.Error()))
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			if next := u.Unwrap(); next != nil {
				walk(next, depth+1)
			}
		case interface{ Unwrap() []error }:
			for _, next := range u.Unwrap() {
				walk(next, depth+1)
			}
		}
	}
	walk(err, 0)
	return strings.TrimSuffix(sb.String(), "\n")
}
