package backend

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
)

func newTestSession(api BackendAPI) *Session {
	s := NewSession()
	s.api = api
	s.pathMapper = NewPathMapper("/local", "/remote", "/usr/local/go", nil)
	s.breakpoints = NewBreakpointManager(api)
	s.renderer = NewVariableRenderer(api, s.arena, 16)
	return s
}

func waitForEvent(t *testing.T, s *Session) dap.Message {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHandleThreadsReturnsDummyWhileContinueInFlight(t *testing.T) {
	s := newTestSession(newFakeAPI())
	s.continueInFlight = true

	resp, err := s.handleThreads(&dap.ThreadsRequest{Request: dap.Request{}})
	require.NoError(t, err)

	tr := resp.(*dap.ThreadsResponse)
	require.Len(t, tr.Body.Threads, 1)
	require.Equal(t, DummyThreadID, tr.Body.Threads[0].Id)
}

func TestHandleThreadsListsGoroutines(t *testing.T) {
	api := newFakeAPI()
	api.goroutines = []Goroutine{{ID: 3}, {ID: 7}}
	s := newTestSession(api)

	resp, err := s.handleThreads(&dap.ThreadsRequest{Request: dap.Request{}})
	require.NoError(t, err)

	tr := resp.(*dap.ThreadsResponse)
	require.Len(t, tr.Body.Threads, 2)
	require.Equal(t, 3, tr.Body.Threads[0].Id)
}

func TestHandleThreadsFallsBackToDummyWhenNoGoroutines(t *testing.T) {
	s := newTestSession(newFakeAPI())
	resp, err := s.handleThreads(&dap.ThreadsRequest{Request: dap.Request{}})
	require.NoError(t, err)

	tr := resp.(*dap.ThreadsResponse)
	require.Len(t, tr.Body.Threads, 1)
	require.Equal(t, DummyThreadID, tr.Body.Threads[0].Id)
}

func TestHandleConfigurationDoneStopOnEntrySkipsContinue(t *testing.T) {
	s := newTestSession(newFakeAPI())
	s.stopOnEntry = true

	_, err := s.handleConfigurationDone(&dap.ConfigurationDoneRequest{Request: dap.Request{}})
	require.NoError(t, err)

	ev := waitForEvent(t, s)
	stopped, ok := ev.(*dap.StoppedEvent)
	require.True(t, ok)
	require.Equal(t, "entry", stopped.Body.Reason)
	require.False(t, s.continueInFlight, "stopOnEntry must not begin a continue")
}

func TestHandleConfigurationDoneBeginsContinue(t *testing.T) {
	api := newFakeAPI()
	api.state = &BackendState{CurrentGoroutineID: 9}
	s := newTestSession(api)

	_, err := s.handleConfigurationDone(&dap.ConfigurationDoneRequest{Request: dap.Request{}})
	require.NoError(t, err)

	ev := waitForEvent(t, s)
	stopped, ok := ev.(*dap.StoppedEvent)
	require.True(t, ok)
	require.Equal(t, 9, stopped.Body.ThreadId)
}

func TestBeginContinueEmitsTerminatedOnExit(t *testing.T) {
	api := newFakeAPI()
	api.state = &BackendState{Exited: true}
	s := newTestSession(api)

	s.beginContinue()

	ev := waitForEvent(t, s)
	_, ok := ev.(*dap.TerminatedEvent)
	require.True(t, ok)
}

func TestBeginContinueStaleCompletionDoesNotClearInFlight(t *testing.T) {
	api := newFakeAPI()
	api.cmdGate = make(chan struct{})
	s := newTestSession(api)

	s.beginContinue()

	// Supersede the continue just issued before its Command RPC returns:
	// its completion is then stale and must not clear continueInFlight nor
	// emit a stop.
	s.mu.Lock()
	staleEpoch := s.epoch.current()
	s.epoch.bump() // supersede staleEpoch
	s.mu.Unlock()
	close(api.cmdGate)

	select {
	case ev := <-s.Events():
		t.Fatalf("stale completion emitted %T", ev)
	case <-time.After(200 * time.Millisecond):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEqual(t, staleEpoch, s.epoch.current())
	require.True(t, s.continueInFlight)
}

func TestHandleDisconnectNoDebugIsANoop(t *testing.T) {
	s := newTestSession(newFakeAPI())
	s.mode = ModeNoDebugRun

	resp, err := s.handleDisconnect(context.Background(), &dap.DisconnectRequest{Request: dap.Request{}})
	require.NoError(t, err)
	_, ok := resp.(*dap.DisconnectResponse)
	require.True(t, ok)
}

func TestHandleDisconnectRemoteClosesTransportOnly(t *testing.T) {
	s := newTestSession(newFakeAPI())
	s.mode = ModeAttachRemote
	s.transport = &Transport{}

	resp, err := s.handleDisconnect(context.Background(), &dap.DisconnectRequest{Request: dap.Request{}})
	require.NoError(t, err)
	_, ok := resp.(*dap.DisconnectResponse)
	require.True(t, ok)
}

func TestHandleSetVariableUsesStoredScope(t *testing.T) {
	api := newFakeAPI()
	s := newTestSession(api)
	handle := s.arena.PutVariable(&variableNode{goroutineID: 2, frame: 1})

	_, err := s.handleSetVariable(&dap.SetVariableRequest{
		Request: dap.Request{},
		Arguments: dap.SetVariableArguments{
			VariablesReference: handle,
			Name:               "x",
			Value:              "42",
		},
	})
	require.NoError(t, err)
	require.Len(t, api.setCalls, 1)
	require.Equal(t, 2, api.setCalls[0].goroutine)
	require.Equal(t, 1, api.setCalls[0].frame)
	require.Equal(t, "42", api.setCalls[0].value)
}

func TestHandleSetVariableRejectsStaleHandle(t *testing.T) {
	s := newTestSession(newFakeAPI())
	_, err := s.handleSetVariable(&dap.SetVariableRequest{
		Request:   dap.Request{},
		Arguments: dap.SetVariableArguments{VariablesReference: 9999},
	})
	require.Error(t, err)
}
