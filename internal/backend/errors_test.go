package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodedErrorRoundTrip(t *testing.T) {
	cause := errors.New("boom")
	err := CodedError(ErrCodeEvaluate, "Eval failed", cause)

	require.Equal(t, ErrCodeEvaluate, ErrorCode(err))
	require.Contains(t, err.Error(), "Eval failed")
	require.Contains(t, err.Error(), "boom")
	require.ErrorIs(t, err, cause)
}

func TestErrorCodeDefaultsForUncodedError(t *testing.T) {
	require.Equal(t, ErrCodeLaunchAttach, ErrorCode(errors.New("plain")))
}

func TestCanonicalSIGSEGVMessage(t *testing.T) {
	require.Equal(t,
		"runtime error: invalid memory address or nil pointer dereference"+
			" (substituted for backend \"bad access\" report, see go-delve/delve#1903)",
		canonicalSIGSEGVMessage("bad access"))

	require.Equal(t, "some other message", canonicalSIGSEGVMessage("some other message"))
}

func TestIsTargetExited(t *testing.T) {
	require.True(t, isTargetExited(errors.New("Process 1234 has exited with status 0")))
	require.False(t, isTargetExited(errors.New("Process 1234 has exited with status 1")))
	require.False(t, isTargetExited(nil))
}
