package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/go-dap"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// Session is the actor implementing the DAP request handlers and owning
// the high-level state machine: it is the single logical owner of the
// Backend Launcher and Transport; the Breakpoint Manager and Variable
// Renderer hold weak references resolved back through Session.
type Session struct {
	mu sync.Mutex

	mode       Mode
	apiVersion int
	loadConfig LoadConfig
	stackTraceDepth int
	showGlobals bool

	pathMapper *PathMapper
	goroot     string

	api       BackendAPI
	transport *Transport
	launcher  *Launcher

	breakpoints *BreakpointManager
	arena       *HandleArena
	renderer    *VariableRenderer

	runState      RunState
	epoch         continueEpoch
	continueInFlight bool
	skipStopEventOnce bool
	currentGoroutineID int
	stopOnEntry   bool

	// events carries DAP events the server loop should write to the
	// client (Initialized/Stopped/Terminated/Output), decoupled from the
	// request/response Ask/Await cycle.
	events chan dap.Message

	sourceDirOfFrame map[int]string // frame handle id -> source directory, for globals lookup
}

// NewSession constructs an idle Session actor; it does not launch or
// connect to anything until an initialize/launch/attach request arrives.
func NewSession() *Session {
	arena := NewHandleArena()
	return &Session{
		loadConfig:      DefaultLoadConfig,
		stackTraceDepth: 50,
		runState:        RunNotConnected,
		arena:           arena,
		events:          make(chan dap.Message, 16),
		sourceDirOfFrame: make(map[int]string),
	}
}

// Events returns the channel the DAP server loop should drain and forward
// to the client as it fills.
func (s *Session) Events() <-chan dap.Message { return s.events }

func (s *Session) emit(msg dap.Message) {
	select {
	case s.events <- msg:
	default:
		log.Printf("[session] event channel full, dropping %T", msg)
	}
}

// Receive is the actor's message handler: the single serialization point
// for all DAP-triggered state transitions.
func (s *Session) Receive(ctx context.Context, msg *DAPRequest) fn.Result[*DAPResponse] {
	resp, err := s.handle(ctx, msg.Request)
	if err != nil {
		s.logDiagnostic(err)
		return fn.Ok(&DAPResponse{Response: errorResponseFor(msg.Request, err)})
	}
	return fn.Ok(&DAPResponse{Response: resp})
}

// logDiagnostic snapshots the current goroutine's stack trace and writes
// it alongside the error to the log. The client sees the backend's raw
// error text; the log gets the canonical substitution so the known
// backend issue is traceable from the log alone.
func (s *Session) logDiagnostic(err error) {
	msg := err.Error()
	root := err
	for u := errors.Unwrap(root); u != nil; u = errors.Unwrap(root) {
		root = u
	}
	if sub := canonicalSIGSEGVMessage(root.Error()); sub != root.Error() {
		msg = sub
	}
	log.Printf("[session] backend error: %v", msg)
	if s.api == nil {
		return
	}
	frames, stErr := s.api.Stacktrace(s.currentGoroutineID, 20, false, s.loadConfig)
	if stErr != nil {
		log.Printf("[session] failed to snapshot diagnostic stacktrace: %v", stErr)
		return
	}
	for _, f := range frames {
		log.Printf("[session]   at %s (%s:%d)", f.Function, f.File, f.Line)
	}
}

func (s *Session) handle(ctx context.Context, req dap.Message) (dap.Message, error) {
	switch r := req.(type) {
	case *dap.InitializeRequest:
		return s.handleInitialize(r)
	case *dap.LaunchRequest:
		return s.handleLaunch(ctx, r)
	case *dap.AttachRequest:
		return s.handleAttach(ctx, r)
	case *dap.ConfigurationDoneRequest:
		return s.handleConfigurationDone(r)
	case *dap.SetBreakpointsRequest:
		return s.handleSetBreakpoints(r)
	case *dap.ThreadsRequest:
		return s.handleThreads(r)
	case *dap.StackTraceRequest:
		return s.handleStackTrace(r)
	case *dap.ScopesRequest:
		return s.handleScopes(r)
	case *dap.VariablesRequest:
		return s.handleVariables(r)
	case *dap.ContinueRequest:
		return s.handleContinue(r)
	case *dap.NextRequest:
		return s.handleCommand(r, &r.Request, "next")
	case *dap.StepInRequest:
		return s.handleCommand(r, &r.Request, "step")
	case *dap.StepOutRequest:
		return s.handleCommand(r, &r.Request, "stepOut")
	case *dap.PauseRequest:
		return s.handlePause(r)
	case *dap.EvaluateRequest:
		return s.handleEvaluate(r)
	case *dap.SetVariableRequest:
		return s.handleSetVariable(r)
	case *dap.DisconnectRequest:
		return s.handleDisconnect(ctx, r)
	default:
		return nil, CodedError(ErrCodeLaunchAttach, fmt.Sprintf("unsupported request: %T", req), nil)
	}
}

func (s *Session) handleInitialize(r *dap.InitializeRequest) (dap.Message, error) {
	resp := &dap.InitializeResponse{Response: newResponse(r.Request)}
	resp.Body.SupportsConfigurationDoneRequest = true
	resp.Body.SupportsSetVariable = true
	return resp, nil
}

func (s *Session) handleLaunch(ctx context.Context, r *dap.LaunchRequest) (dap.Message, error) {
	var cfg LaunchConfig
	if err := json.Unmarshal(r.Arguments, &cfg); err != nil {
		return nil, CodedError(ErrCodeLaunchAttach, "invalid launch arguments", err)
	}
	s.applyCommonConfig(cfg.APIVersion, cfg.DlvLoadConfig, cfg.StackTraceDepth, cfg.ShowGlobalVariables)
	s.stopOnEntry = cfg.StopOnEntry

	plan, err := ResolvePlan(&cfg, nil, os.Environ())
	if err != nil {
		return nil, err
	}
	s.mode = plan.Mode
	s.pathMapper = NewPathMapper(plan.Cwd, cfg.RemotePath, goroot(), gopaths())
	s.goroot = goroot()

	if plan.Mode == ModeNoDebugRun {
		go func() {
			code, _ := NoDebugRun(ctx, plan, func(cat, text string) { s.emit(OutputEventFor(cat, text)) })
			log.Printf("[session] no-debug run exited with code %d", code)
			s.emit(TerminatedEventFor())
		}()
		return &dap.LaunchResponse{Response: newResponse(r.Request)}, nil
	}

	if err := s.bringUpBackend(ctx, plan, cfg.APIVersion); err != nil {
		return nil, err
	}

	s.emit(InitializedEventFor())
	return &dap.LaunchResponse{Response: newResponse(r.Request)}, nil
}

func (s *Session) handleAttach(ctx context.Context, r *dap.AttachRequest) (dap.Message, error) {
	var cfg AttachConfig
	if err := json.Unmarshal(r.Arguments, &cfg); err != nil {
		return nil, CodedError(ErrCodeLaunchAttach, "invalid attach arguments", err)
	}
	s.applyCommonConfig(cfg.APIVersion, cfg.DlvLoadConfig, cfg.StackTraceDepth, cfg.ShowGlobalVariables)

	plan, err := ResolvePlan(nil, &cfg, os.Environ())
	if err != nil {
		return nil, err
	}
	s.mode = plan.Mode
	s.pathMapper = NewPathMapper(plan.Cwd, cfg.RemotePath, goroot(), gopaths())
	s.goroot = goroot()

	if err := s.bringUpBackend(ctx, plan, cfg.APIVersion); err != nil {
		return nil, err
	}

	s.emit(InitializedEventFor())
	return &dap.AttachResponse{Response: newResponse(r.Request)}, nil
}

func (s *Session) applyCommonConfig(apiVersion int, loadCfg *LoadConfig, depth int, showGlobals bool) {
	s.apiVersion = apiVersion
	if loadCfg != nil {
		s.loadConfig = *loadCfg
	}
	if depth > 0 {
		s.stackTraceDepth = depth
	}
	s.showGlobals = showGlobals
}

// bringUpBackend spawns (or connects to) the backend, waits for readiness,
// dials the transport, and constructs the API-Version Shim. On success the
// state machine transitions not-connected -> connected-stopped.
func (s *Session) bringUpBackend(ctx context.Context, plan *LaunchPlan, wantVersion int) error {
	if plan.Mode == ModeAttachRemote {
		if err := ConnectRemote(ctx); err != nil {
			return CodedError(ErrCodeLaunchAttach, "remote connect grace delay interrupted", err)
		}
	} else {
		l := NewLauncher()
		s.launcher = l

		g, gctx := errgroup.WithContext(ctx)
		if err := l.Spawn(gctx, g, plan, func(cat, text string) { s.emit(OutputEventFor(cat, text)) }); err != nil {
			return CodedError(ErrCodeLaunchAttach, "failed to spawn backend", err)
		}
		go func() {
			if err := g.Wait(); err != nil {
				log.Printf("[session] backend output pump error: %v", err)
			}
		}()

		select {
		case <-l.Process.Ready:
		case code := <-l.Process.ExitCode:
			return CodedError(ErrCodeLaunchAttach,
				fmt.Sprintf("backend exited before becoming ready (code %d)", code), nil)
		case <-ctx.Done():
			return ctx.Err()
		}

		go func() {
			code := <-l.Process.ExitCode
			if code != 0 {
				s.emit(TerminatedEventFor())
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", plan.Host, plan.Port)
	var t *Transport
	err := RetryWithBackoff(ctx, DefaultRetryConfig, func() error {
		var dialErr error
		t, dialErr = DialTransport(addr)
		return dialErr
	})
	if err != nil {
		return CodedError(ErrCodeLaunchAttach, "failed to connect to backend", err)
	}
	s.transport = t

	api, err := NewBackendAPI(t, wantVersion)
	if err != nil {
		return err
	}
	s.api = api

	if plan.Mode == ModeAttachLocal || plan.Mode == ModeAttachRemote {
		if _, err := api.State(true); err != nil {
			return CodedError(ErrCodeLaunchAttach, "backend did not respond to pre-attach probe", err)
		}
	}

	s.breakpoints = NewBreakpointManager(api)
	s.renderer = NewVariableRenderer(api, s.arena, 256)

	s.runState = RunConnectedStopped
	return nil
}

// handleConfigurationDone implements the configurationDone transition: if
// stopOnEntry was requested, emit Stopped("entry", 1) without issuing
// continue; otherwise begin the run.
func (s *Session) handleConfigurationDone(r *dap.ConfigurationDoneRequest) (dap.Message, error) {
	resp := &dap.ConfigurationDoneResponse{Response: newResponse(r.Request)}

	if s.stopOnEntry {
		s.emit(StoppedEventFor("entry", DummyThreadID))
		return resp, nil
	}

	s.beginContinue()
	return resp, nil
}

func (s *Session) handleSetBreakpoints(r *dap.SetBreakpointsRequest) (dap.Message, error) {
	s.mu.Lock()
	wasRunning := s.continueInFlight
	s.mu.Unlock()

	if wasRunning {
		s.mu.Lock()
		s.skipStopEventOnce = true
		s.mu.Unlock()
		if _, err := s.api.Command("halt"); err != nil {
			return nil, CodedError(ErrCodeSetBreakpointHalt, "halt before setBreakpoints failed", err)
		}
	}

	localFile := r.Arguments.Source.Path
	remoteFile := s.pathMapper.ToRemote(localFile)

	requested := make([]RequestedBreakpoint, len(r.Arguments.Breakpoints))
	for i, b := range r.Arguments.Breakpoints {
		requested[i] = RequestedBreakpoint{Line: b.Line, Condition: b.Condition}
	}

	results, err := s.breakpoints.SetBreakpoints(localFile, remoteFile, requested, s.loadConfig)
	if err != nil {
		return nil, err
	}

	resp := &dap.SetBreakpointsResponse{Response: newResponse(r.Request)}
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(results))
	for i, res := range results {
		resp.Body.Breakpoints[i] = dap.Breakpoint{Verified: res.Verified, Line: res.Line}
	}

	if wasRunning {
		s.beginContinue()
	}

	return resp, nil
}

func (s *Session) handleThreads(r *dap.ThreadsRequest) (dap.Message, error) {
	s.mu.Lock()
	inFlight := s.continueInFlight
	s.mu.Unlock()

	resp := &dap.ThreadsResponse{Response: newResponse(r.Request)}
	if inFlight {
		// Spec §4.5/§8 invariant 6: synthesize without issuing any RPC.
		resp.Body.Threads = []dap.Thread{{Id: DummyThreadID, Name: DummyThreadName}}
		return resp, nil
	}

	goroutines, err := s.api.ListGoroutines(0)
	if err != nil {
		return nil, CodedError(ErrCodeThreads, "ListGoroutines failed", err)
	}
	if len(goroutines) == 0 {
		resp.Body.Threads = []dap.Thread{{Id: DummyThreadID, Name: DummyThreadName}}
		return resp, nil
	}

	resp.Body.Threads = make([]dap.Thread, len(goroutines))
	for i, g := range goroutines {
		resp.Body.Threads[i] = dap.Thread{Id: g.ID, Name: fmt.Sprintf("Goroutine %d", g.ID)}
	}
	return resp, nil
}

func (s *Session) handleStackTrace(r *dap.StackTraceRequest) (dap.Message, error) {
	depth := s.stackTraceDepth
	if r.Arguments.Levels > 0 {
		depth = r.Arguments.Levels
	}

	frames, err := s.api.Stacktrace(r.Arguments.ThreadId, depth, false, s.loadConfig)
	if err != nil {
		return nil, CodedError(ErrCodeStackTrace, "Stacktrace failed", err)
	}

	start := r.Arguments.StartFrame
	resp := &dap.StackTraceResponse{Response: newResponse(r.Request)}
	resp.Body.TotalFrames = len(frames)
	resp.Body.StackFrames = make([]dap.StackFrame, 0, len(frames))
	for i, f := range frames {
		if i < start {
			continue
		}
		handle := s.arena.PutFrame(FrameHandle{GoroutineID: r.Arguments.ThreadId, FrameIndex: f.Index})
		localPath := s.pathMapper.ToLocal(f.File)
		s.sourceDirOfFrame[handle] = dirOf(localPath)
		resp.Body.StackFrames = append(resp.Body.StackFrames, dap.StackFrame{
			Id:     handle,
			Name:   f.Function,
			Line:   f.Line,
			Column: 1,
			Source: &dap.Source{Name: baseOf(localPath), Path: localPath},
		})
	}
	return resp, nil
}

func (s *Session) handleScopes(r *dap.ScopesRequest) (dap.Message, error) {
	fh, ok := s.arena.GetFrame(r.Arguments.FrameId)
	if !ok {
		return nil, CodedError(ErrCodeScopesLocals, "stale or unknown frame handle", nil)
	}

	vars, err := s.renderer.Scopes(fh.GoroutineID, fh.FrameIndex, s.loadConfig)
	if err != nil {
		return nil, err
	}

	resp := &dap.ScopesResponse{Response: newResponse(r.Request)}
	localsNode := &variableNode{
		v:           DebugVariable{Name: "Locals", Children: vars},
		goroutineID: fh.GoroutineID, frame: fh.FrameIndex, cfg: s.loadConfig,
	}
	localsHandle := s.arena.PutVariable(localsNode)
	resp.Body.Scopes = append(resp.Body.Scopes, dap.Scope{
		Name: "Locals", VariablesReference: localsHandle,
	})

	if s.showGlobals {
		if dir, ok := s.sourceDirOfFrame[r.Arguments.FrameId]; ok {
			if globals, found := s.renderer.Globals(dir, s.loadConfig); found {
				globalsNode := &variableNode{
					v:           DebugVariable{Name: "Globals", Children: globals},
					goroutineID: fh.GoroutineID, frame: fh.FrameIndex, cfg: s.loadConfig,
				}
				resp.Body.Scopes = append(resp.Body.Scopes, dap.Scope{
					Name: "Globals", VariablesReference: s.arena.PutVariable(globalsNode),
				})
			}
		}
	}

	return resp, nil
}

func (s *Session) handleVariables(r *dap.VariablesRequest) (dap.Message, error) {
	rendered, err := s.renderer.Expand(r.Arguments.VariablesReference)
	if err != nil {
		return nil, err
	}

	resp := &dap.VariablesResponse{Response: newResponse(r.Request)}
	resp.Body.Variables = make([]dap.Variable, len(rendered))
	for i, v := range rendered {
		resp.Body.Variables[i] = dap.Variable{
			Name: v.Name, Value: v.Value, Type: v.Type,
			VariablesReference: v.VariablesReference,
			IndexedVariables:   v.IndexedVariables,
			NamedVariables:     v.NamedVariables,
		}
	}
	return resp, nil
}

func (s *Session) handleContinue(r *dap.ContinueRequest) (dap.Message, error) {
	s.beginContinue()
	resp := &dap.ContinueResponse{Response: newResponse(r.Request)}
	resp.Body.AllThreadsContinued = true
	return resp, nil
}

// beginContinue transitions connected-stopped -> running, bumping the
// continue epoch and issuing Command{continue} asynchronously; its
// completion is reconciled against the epoch to guard against stale
// completions.
func (s *Session) beginContinue() {
	s.mu.Lock()
	s.runState = RunRunning
	s.continueInFlight = true
	myEpoch := s.epoch.bump()
	s.mu.Unlock()

	go func() {
		st, err := s.api.Command("continue")

		s.mu.Lock()
		if myEpoch != s.epoch.current() {
			// A newer continue has since been issued; this completion is
			// stale and must not clear continue-in-flight.
			s.mu.Unlock()
			return
		}
		s.continueInFlight = false
		s.runState = RunConnectedStopped
		skip := s.skipStopEventOnce
		s.skipStopEventOnce = false
		s.mu.Unlock()

		if err != nil {
			log.Printf("[session] continue command failed: %v", err)
			return
		}
		if st != nil && st.Exited {
			s.emit(TerminatedEventFor())
			return
		}

		s.arena.Reset()
		if !skip {
			goroutineID := DummyThreadID
			if st != nil && st.CurrentGoroutineID != 0 {
				goroutineID = st.CurrentGoroutineID
			}
			s.mu.Lock()
			s.currentGoroutineID = goroutineID
			s.mu.Unlock()
			s.emit(StoppedEventFor("breakpoint", goroutineID))
		}
	}()
}

func (s *Session) handleCommand(req dap.Message, base *dap.Request, name string) (dap.Message, error) {
	st, err := s.api.Command(name)
	if err != nil {
		return nil, CodedError(ErrCodePauseSetVariable, name+" command failed", err)
	}

	s.arena.Reset()
	goroutineID := s.currentGoroutineID
	if st != nil && st.CurrentGoroutineID != 0 {
		goroutineID = st.CurrentGoroutineID
	}
	reason := "step"
	s.emit(StoppedEventFor(reason, goroutineID))

	switch r := req.(type) {
	case *dap.NextRequest:
		return &dap.NextResponse{Response: newResponse(r.Request)}, nil
	case *dap.StepInRequest:
		return &dap.StepInResponse{Response: newResponse(r.Request)}, nil
	case *dap.StepOutRequest:
		return &dap.StepOutResponse{Response: newResponse(r.Request)}, nil
	}
	return nil, CodedError(ErrCodeLaunchAttach, "unreachable command dispatch", nil)
}

func (s *Session) handlePause(r *dap.PauseRequest) (dap.Message, error) {
	_, err := s.api.Command("halt")
	if err != nil {
		return nil, CodedError(ErrCodePauseSetVariable, "pause/halt failed", err)
	}
	s.arena.Reset()
	s.emit(StoppedEventFor("pause", r.Arguments.ThreadId))
	return &dap.PauseResponse{Response: newResponse(r.Request)}, nil
}

func (s *Session) handleEvaluate(r *dap.EvaluateRequest) (dap.Message, error) {
	fh, ok := s.arena.GetFrame(r.Arguments.FrameId)
	goroutineID, frame := s.currentGoroutineID, 0
	if ok {
		goroutineID, frame = fh.GoroutineID, fh.FrameIndex
	}

	v, err := s.api.Eval(r.Arguments.Expression, goroutineID, frame, s.loadConfig)
	if err != nil {
		return nil, CodedError(ErrCodeEvaluate, "Eval failed", err)
	}
	v.FullyQualifiedName = r.Arguments.Expression

	rendered := s.renderer.Render(v, goroutineID, frame, s.loadConfig)
	resp := &dap.EvaluateResponse{Response: newResponse(r.Request)}
	resp.Body.Result = rendered.Value
	resp.Body.Type = rendered.Type
	resp.Body.VariablesReference = rendered.VariablesReference
	resp.Body.IndexedVariables = rendered.IndexedVariables
	resp.Body.NamedVariables = rendered.NamedVariables
	return resp, nil
}

func (s *Session) handleSetVariable(r *dap.SetVariableRequest) (dap.Message, error) {
	node, ok := s.arena.GetVariable(r.Arguments.VariablesReference)
	if !ok {
		return nil, CodedError(ErrCodePauseSetVariable, "stale or unknown variable handle", nil)
	}

	if err := s.api.Set(node.goroutineID, node.frame, r.Arguments.Name, r.Arguments.Value); err != nil {
		return nil, CodedError(ErrCodePauseSetVariable, "Set failed", err)
	}

	resp := &dap.SetVariableResponse{Response: newResponse(r.Request)}
	resp.Body.Value = r.Arguments.Value
	return resp, nil
}

func (s *Session) handleDisconnect(ctx context.Context, r *dap.DisconnectRequest) (dap.Message, error) {
	isRemote := s.mode == ModeAttachRemote
	isNoDebug := s.mode == ModeNoDebugRun

	var proc *BackendProcess
	var artifact = &Artifacts{}
	if s.launcher != nil {
		proc = s.launcher.Process
		artifact = s.launcher.Artifact
	}

	orch := NewDisconnectOrchestrator(s.api, s.transport, proc, artifact, isRemote, isNoDebug)
	if err := orch.Disconnect(ctx); err != nil {
		log.Printf("[session] disconnect orchestrator error: %v", err)
	}

	return &dap.DisconnectResponse{Response: newResponse(r.Request)}, nil
}

// ---- helpers ----

func newResponse(req dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
	}
}

func errorResponseFor(req dap.Message, err error) *dap.ErrorResponse {
	r := requestOf(req)

	return &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      r.Seq,
			Success:         false,
			Command:         r.Command,
			Message:         "failed",
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:     ErrorCode(err),
				Format: err.Error(),
			},
		},
	}
}

// requestOf extracts the embedded dap.Request from any concrete DAP
// request type so errorResponseFor can echo its Seq/Command.
func requestOf(msg dap.Message) dap.Request {
	switch r := msg.(type) {
	case *dap.InitializeRequest:
		return r.Request
	case *dap.LaunchRequest:
		return r.Request
	case *dap.AttachRequest:
		return r.Request
	case *dap.ConfigurationDoneRequest:
		return r.Request
	case *dap.SetBreakpointsRequest:
		return r.Request
	case *dap.ThreadsRequest:
		return r.Request
	case *dap.StackTraceRequest:
		return r.Request
	case *dap.ScopesRequest:
		return r.Request
	case *dap.VariablesRequest:
		return r.Request
	case *dap.ContinueRequest:
		return r.Request
	case *dap.NextRequest:
		return r.Request
	case *dap.StepInRequest:
		return r.Request
	case *dap.StepOutRequest:
		return r.Request
	case *dap.PauseRequest:
		return r.Request
	case *dap.EvaluateRequest:
		return r.Request
	case *dap.SetVariableRequest:
		return r.Request
	case *dap.DisconnectRequest:
		return r.Request
	default:
		return dap.Request{}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return path
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
