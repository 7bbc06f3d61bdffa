package policy

import (
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitStatusFailure(t *testing.T) {
	w := NewWaitStatusFailure(1)
	rule := OnEntryAndExit(w, w)

	testCases := []struct {
		name   string
		status syscall.WaitStatus
		ret    uintptr
		want   Verdict
	}{
		{"exit_zero", 0, 1234, Respected},
		{"exit_two", syscall.WaitStatus(2 << 8), 1234, Violated},
		{"killed", syscall.WaitStatus(syscall.SIGKILL), 1234, Violated},
		{"wait_error", 0, ^uintptr(0), Violated},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status := tc.status
			v, err := rule.Evaluate(EntryContext([]uintptr{1234, uintptr(unsafe.Pointer(&status)), 0, 0}))
			require.NoError(t, err)
			require.Equal(t, Respected, v)

			v, err = rule.Evaluate(ExitContext(tc.ret))
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestWaitStatusFailure_NullStatusPointer(t *testing.T) {
	w := NewWaitStatusFailure(1)
	rule := OnEntryAndExit(w, w)

	_, err := rule.Evaluate(EntryContext([]uintptr{1234, 0, 0, 0}))
	require.NoError(t, err)
	v, err := rule.Evaluate(ExitContext(1234))
	require.NoError(t, err)
	assert.Equal(t, Respected, v)
}
