//go:build linux

package stratum

import (
	"fmt"
	"syscall"
	"testing"
)

func TestIsIgnoredSocketErrorRecognizesKnownErrnos(t *testing.T) {
	cases := []struct {
		errno   syscall.Errno
		ignored bool
	}{
		{syscall.ECONNRESET, true},
		{syscall.ECANCELED, true},
		{syscall.ECONNABORTED, true},
		{syscall.ETIMEDOUT, true},
		{syscall.EPIPE, true},
		{syscall.ENOENT, false},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("wrapped: %w", c.errno)
		if got := isIgnoredSocketError(wrapped); got != c.ignored {
			t.Errorf("isIgnoredSocketError(%v) = %v, want %v", c.errno, got, c.ignored)
		}
	}
}

func TestIsIgnoredSocketErrorFalseForNonErrno(t *testing.T) {
	if isIgnoredSocketError(fmt.Errorf("plain error")) {
		t.Fatal("expected non-errno error to not be ignored")
	}
}
