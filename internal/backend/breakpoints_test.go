package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetBreakpointsCreatesAndVerifies(t *testing.T) {
	api := newFakeAPI()
	mgr := NewBreakpointManager(api)

	results, err := mgr.SetBreakpoints("/local/main.go", "/remote/main.go",
		[]RequestedBreakpoint{{Line: 10}, {Line: 20, Condition: "x > 0"}},
		DefaultLoadConfig)

	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Verified)
	require.Equal(t, 10, results[0].Line)
	require.True(t, results[1].Verified)
	require.Equal(t, 20, results[1].Line)
	require.Len(t, api.breakpoints, 2)
}

func TestSetBreakpointsClearsPreviousSetForFile(t *testing.T) {
	api := newFakeAPI()
	mgr := NewBreakpointManager(api)

	_, err := mgr.SetBreakpoints("/local/main.go", "/remote/main.go",
		[]RequestedBreakpoint{{Line: 10}, {Line: 20}}, DefaultLoadConfig)
	require.NoError(t, err)
	require.Len(t, api.breakpoints, 2)

	// Re-request with just one breakpoint: the old set must be fully cleared.
	results, err := mgr.SetBreakpoints("/local/main.go", "/remote/main.go",
		[]RequestedBreakpoint{{Line: 30}}, DefaultLoadConfig)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, api.breakpoints, 1)
}

func TestSetBreakpointsRecoversFromAlreadyExists(t *testing.T) {
	api := newFakeAPI()
	// Pre-seed a breakpoint the backend already knows about, as if a
	// previous session left it behind.
	api.breakpoints[1] = BreakpointRecord{BackendID: 1, File: "/remote/main.go", Line: 10, Verified: true}
	api.createErr = errAlreadyExists

	mgr := NewBreakpointManager(api)
	results, err := mgr.SetBreakpoints("/local/main.go", "/remote/main.go",
		[]RequestedBreakpoint{{Line: 10}}, DefaultLoadConfig)

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Verified)
}

func TestSetBreakpointsAlreadyExistsWithNoMatchIsUnverified(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errAlreadyExists

	mgr := NewBreakpointManager(api)
	results, err := mgr.SetBreakpoints("/local/main.go", "/remote/main.go",
		[]RequestedBreakpoint{{Line: 99}}, DefaultLoadConfig)

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Verified)
}
