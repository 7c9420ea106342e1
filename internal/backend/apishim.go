package backend

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// BackendAPI hides the v1/v2 backend RPC dialect differences behind one
// typed interface. Session code references this interface only.
type BackendAPI interface {
	// Version returns the backend's reported API version.
	Version() (int, error)

	// State fetches the current debugger state. nonBlocking requests the
	// backend not wait for a stop before responding (used for pre-attach
	// probing).
	State(nonBlocking bool) (*BackendState, error)

	// Command issues a named execution command (continue, next, step,
	// stepOut, halt) and returns the resulting state.
	Command(name string) (*BackendState, error)

	CreateBreakpoint(file string, line int, cond string, cfg LoadConfig) (int, error)
	ClearBreakpoint(id int) error
	ListBreakpoints() ([]BreakpointRecord, error)

	ListGoroutines(count int) ([]Goroutine, error)
	Stacktrace(goroutineID, depth int, full bool, cfg LoadConfig) ([]StackFrameInfo, error)

	ListLocalVars(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error)
	ListFunctionArgs(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error)
	ListPackageVars(filter string, cfg LoadConfig) ([]DebugVariable, error)

	Eval(expr string, goroutineID, frame int, cfg LoadConfig) (DebugVariable, error)
	Set(scopeGoroutine, scopeFrame int, symbol, value string) error

	Detach(kill bool) error
}

// BackendState is the renderer/controller-visible subset of the backend's
// reported run state.
type BackendState struct {
	Running    bool
	Exited     bool
	ExitStatus int
	Err        string
	CurrentGoroutineID int
}

// StackFrameInfo is one backend-reported stack frame (pre-DAP-rendering).
type StackFrameInfo struct {
	Index    int
	Function string
	File     string // remote path
	Line     int
}

// NewBackendAPI constructs the dialect-appropriate implementation after
// confirming the backend's reported version matches the client-selected
// dialect: on initialize, the shim issues GetVersion, and if the reported
// version does not match the client-selected dialect, the session fails
// with a message instructing the user to change apiVersion.
func NewBackendAPI(t *Transport, wantVersion int) (BackendAPI, error) {
	var probe BackendAPI
	switch wantVersion {
	case 1:
		probe = &v1Shim{t: t}
	case 2, 0:
		probe = &v2Shim{t: t}
	default:
		return nil, errors.Errorf("unsupported apiVersion %d", wantVersion)
	}

	got, err := probe.Version()
	if err != nil {
		return nil, CodedError(ErrCodeVersion, "GetVersion failed", err)
	}
	effective := wantVersion
	if effective == 0 {
		effective = 2
	}
	if got != effective {
		return nil, CodedError(ErrCodeVersion, fmt.Sprintf(
			"backend reports API version %d but apiVersion=%d was requested; "+
				"change the \"apiVersion\" launch argument to match", got, effective),
			nil)
	}
	return probe, nil
}

// ---- v1 dialect: raw, unwrapped results ----

type v1Shim struct{ t *Transport }

func (s *v1Shim) Version() (int, error) {
	type getVersionOut struct {
		APIVersion int `json:"APIVersion"`
	}
	out, err := call[getVersionOut](s.t, "GetVersion", struct{}{})
	if err != nil {
		return 0, err
	}
	return out.APIVersion, nil
}

func (s *v1Shim) State(nonBlocking bool) (*BackendState, error) {
	type stateArgs struct {
		NonBlocking bool
	}
	raw, err := rawCall(s.t, "State", stateArgs{NonBlocking: nonBlocking})
	if err != nil {
		return nil, err
	}
	return decodeBackendState(raw)
}

func (s *v1Shim) Command(name string) (*BackendState, error) {
	type cmdArgs struct {
		Name string
	}
	raw, err := rawCall(s.t, "Command", cmdArgs{Name: name})
	if err != nil {
		return nil, err
	}
	return decodeBackendState(raw)
}

func (s *v1Shim) CreateBreakpoint(file string, line int, cond string, cfg LoadConfig) (int, error) {
	type bpIn struct {
		File       string
		Line       int
		Cond       string `json:",omitempty"`
		LoadArgs   LoadConfig
		LoadLocals LoadConfig
	}
	type bpOut struct {
		ID int `json:"id"`
	}
	out, err := call[bpOut](s.t, "CreateBreakpoint", bpIn{
		File: file, Line: line, Cond: cond, LoadArgs: cfg, LoadLocals: cfg,
	})
	if err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (s *v1Shim) ClearBreakpoint(id int) error {
	_, err := call[json.RawMessage](s.t, "ClearBreakpoint", struct{ ID int }{ID: id})
	return err
}

func (s *v1Shim) ListBreakpoints() ([]BreakpointRecord, error) {
	type bpOut struct {
		ID   int
		File string
		Line int
	}
	out, err := call[[]bpOut](s.t, "ListBreakpoints", struct{}{})
	if err != nil {
		return nil, err
	}
	recs := make([]BreakpointRecord, len(out))
	for i, b := range out {
		recs[i] = BreakpointRecord{BackendID: b.ID, File: b.File, Line: b.Line, Verified: true}
	}
	return recs, nil
}

func (s *v1Shim) ListGoroutines(count int) ([]Goroutine, error) {
	return listGoroutines(s.t, "ListGoroutines", count)
}

func (s *v1Shim) Stacktrace(goroutineID, depth int, full bool, cfg LoadConfig) ([]StackFrameInfo, error) {
	type args struct {
		ID    int
		Depth int
	}
	return stacktrace(s.t, "StacktraceGoroutine", args{ID: goroutineID, Depth: depth})
}

func (s *v1Shim) ListLocalVars(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error) {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope scope
		Cfg   LoadConfig
	}
	return listVars(s.t, "ListLocalVars", args{Scope: scope{goroutineID, frame}, Cfg: cfg})
}

func (s *v1Shim) ListFunctionArgs(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error) {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope scope
		Cfg   LoadConfig
	}
	return listVars(s.t, "ListFunctionArgs", args{Scope: scope{goroutineID, frame}, Cfg: cfg})
}

func (s *v1Shim) ListPackageVars(filter string, cfg LoadConfig) ([]DebugVariable, error) {
	type args struct {
		Filter string
		Cfg    LoadConfig
	}
	return listVars(s.t, "ListPackageVars", args{Filter: filter, Cfg: cfg})
}

func (s *v1Shim) Eval(expr string, goroutineID, frame int, cfg LoadConfig) (DebugVariable, error) {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope scope
		Expr  string
		Cfg   LoadConfig
	}
	return evalVar(s.t, "EvalSymbol", args{Scope: scope{goroutineID, frame}, Expr: expr, Cfg: cfg})
}

func (s *v1Shim) Set(scopeGoroutine, scopeFrame int, symbol, value string) error {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope  scope
		Symbol string
		Value  string
	}
	_, err := call[json.RawMessage](s.t, "SetSymbol", args{
		Scope: scope{scopeGoroutine, scopeFrame}, Symbol: symbol, Value: value,
	})
	return err
}

func (s *v1Shim) Detach(kill bool) error {
	_, err := call[json.RawMessage](s.t, "Detach", kill)
	return err
}

// ---- v2 dialect: results wrapped under a named field ----

type v2Shim struct{ t *Transport }

func (s *v2Shim) Version() (int, error) {
	type out struct {
		APIVersion int `json:"APIVersion"`
	}
	o, err := call[out](s.t, "GetVersion", struct{}{})
	if err != nil {
		return 0, err
	}
	return o.APIVersion, nil
}

func (s *v2Shim) State(nonBlocking bool) (*BackendState, error) {
	type wrapped struct {
		State json.RawMessage `json:"State"`
	}
	type stateArgs struct {
		NonBlocking bool
	}
	w, err := call[wrapped](s.t, "State", stateArgs{NonBlocking: nonBlocking})
	if err != nil {
		return nil, err
	}
	return decodeBackendState(w.State)
}

func (s *v2Shim) Command(name string) (*BackendState, error) {
	type wrapped struct {
		State json.RawMessage `json:"State"`
	}
	type cmdArgs struct {
		Name string
	}
	w, err := call[wrapped](s.t, "Command", cmdArgs{Name: name})
	if err != nil {
		return nil, err
	}
	return decodeBackendState(w.State)
}

func (s *v2Shim) CreateBreakpoint(file string, line int, cond string, cfg LoadConfig) (int, error) {
	type bpIn struct {
		Breakpoint struct {
			File string
			Line int
			Cond string `json:",omitempty"`
		}
		LoadArgs   LoadConfig
		LoadLocals LoadConfig
	}
	var in bpIn
	in.Breakpoint.File = file
	in.Breakpoint.Line = line
	in.Breakpoint.Cond = cond
	in.LoadArgs = cfg
	in.LoadLocals = cfg

	type wrapped struct {
		Breakpoint struct {
			ID int `json:"id"`
		} `json:"Breakpoint"`
	}
	out, err := call[wrapped](s.t, "CreateBreakpoint", in)
	if err != nil {
		return 0, err
	}
	return out.Breakpoint.ID, nil
}

func (s *v2Shim) ClearBreakpoint(id int) error {
	_, err := call[json.RawMessage](s.t, "ClearBreakpoint", struct{ ID int }{ID: id})
	return err
}

func (s *v2Shim) ListBreakpoints() ([]BreakpointRecord, error) {
	type bpOut struct {
		ID   int
		File string
		Line int
	}
	type wrapped struct {
		Breakpoints []bpOut `json:"Breakpoints"`
	}
	out, err := call[wrapped](s.t, "ListBreakpoints", struct{}{})
	if err != nil {
		return nil, err
	}
	recs := make([]BreakpointRecord, len(out.Breakpoints))
	for i, b := range out.Breakpoints {
		recs[i] = BreakpointRecord{BackendID: b.ID, File: b.File, Line: b.Line, Verified: true}
	}
	return recs, nil
}

func (s *v2Shim) ListGoroutines(count int) ([]Goroutine, error) {
	type wrapped struct {
		Goroutines []goroutineWire `json:"Goroutines"`
	}
	w, err := call[wrapped](s.t, "ListGoroutines", struct{ Count int }{Count: count})
	if err != nil {
		return nil, err
	}
	return wireToGoroutines(w.Goroutines), nil
}

func (s *v2Shim) Stacktrace(goroutineID, depth int, full bool, cfg LoadConfig) ([]StackFrameInfo, error) {
	type args struct {
		ID    int
		Depth int
		Full  bool
		Cfg   LoadConfig
	}
	type wrapped struct {
		Locations []frameWire `json:"Locations"`
	}
	w, err := call[wrapped](s.t, "Stacktrace", args{ID: goroutineID, Depth: depth, Full: full, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return wireToFrames(w.Locations), nil
}

func (s *v2Shim) ListLocalVars(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error) {
	return listVarsV2(s.t, "ListLocalVars", goroutineID, frame, cfg)
}

func (s *v2Shim) ListFunctionArgs(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error) {
	return listVarsV2(s.t, "ListFunctionArgs", goroutineID, frame, cfg)
}

func (s *v2Shim) ListPackageVars(filter string, cfg LoadConfig) ([]DebugVariable, error) {
	type args struct {
		Filter string
		Cfg    LoadConfig
	}
	type wrapped struct {
		Variables []variableWire `json:"Variables"`
	}
	w, err := call[wrapped](s.t, "ListPackageVars", args{Filter: filter, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return wireToVars(w.Variables), nil
}

func (s *v2Shim) Eval(expr string, goroutineID, frame int, cfg LoadConfig) (DebugVariable, error) {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope scope
		Expr  string
		Cfg   LoadConfig
	}
	type wrapped struct {
		Variable variableWire `json:"Variable"`
	}
	w, err := call[wrapped](s.t, "Eval", args{Scope: scope{goroutineID, frame}, Expr: expr, Cfg: cfg})
	if err != nil {
		return DebugVariable{}, err
	}
	return wireToVar(w.Variable), nil
}

func (s *v2Shim) Set(scopeGoroutine, scopeFrame int, symbol, value string) error {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope  scope
		Symbol string
		Value  string
	}
	_, err := call[json.RawMessage](s.t, "Set", args{
		Scope: scope{scopeGoroutine, scopeFrame}, Symbol: symbol, Value: value,
	})
	return err
}

func (s *v2Shim) Detach(kill bool) error {
	_, err := call[json.RawMessage](s.t, "Detach", struct{ Kill bool }{Kill: kill})
	return err
}

// ---- shared wire decoding helpers ----

func decodeBackendState(raw json.RawMessage) (*BackendState, error) {
	var w struct {
		Running             bool   `json:"Running"`
		Exited              bool   `json:"exited"`
		ExitStatus          int    `json:"exitStatus"`
		Err                 string `json:"err"`
		CurrentThread       struct {
			GoroutineID int `json:"goroutineID"`
		} `json:"currentThread"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Wrap(err, "decoding backend state")
		}
	}
	return &BackendState{
		Running:             w.Running,
		Exited:              w.Exited,
		ExitStatus:          w.ExitStatus,
		Err:                 w.Err,
		CurrentGoroutineID:  w.CurrentThread.GoroutineID,
	}, nil
}

type goroutineWire struct {
	ID                  int      `json:"id"`
	CurrentLoc          locWire  `json:"currentLoc"`
	UserCurrentLoc      locWire  `json:"userCurrentLoc"`
	GoStatementLoc      locWire  `json:"goStatementLoc"`
}

type locWire struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func wireToGoroutines(in []goroutineWire) []Goroutine {
	out := make([]Goroutine, len(in))
	for i, g := range in {
		out[i] = Goroutine{
			ID:                  g.ID,
			CurrentLocation:     Location(g.CurrentLoc),
			UserCurrentLocation: Location(g.UserCurrentLoc),
			GoStatementLocation: Location(g.GoStatementLoc),
		}
	}
	return out
}

func listGoroutines(t *Transport, method string, count int) ([]Goroutine, error) {
	out, err := call[[]goroutineWire](t, method, struct{ Count int }{Count: count})
	if err != nil {
		return nil, err
	}
	return wireToGoroutines(out), nil
}

type frameWire struct {
	Function string  `json:"function"`
	File     string  `json:"file"`
	Line     int     `json:"line"`
}

func wireToFrames(in []frameWire) []StackFrameInfo {
	out := make([]StackFrameInfo, len(in))
	for i, f := range in {
		out[i] = StackFrameInfo{Index: i, Function: f.Function, File: f.File, Line: f.Line}
	}
	return out
}

func stacktrace(t *Transport, method string, args interface{}) ([]StackFrameInfo, error) {
	out, err := call[[]frameWire](t, method, args)
	if err != nil {
		return nil, err
	}
	return wireToFrames(out), nil
}

type variableWire struct {
	Name       string          `json:"name"`
	Addr       uint64          `json:"addr"`
	Type       string          `json:"type"`
	RealType   string          `json:"realType"`
	Kind       ReflectKind     `json:"kind"`
	Flags      VariableFlags   `json:"flags"`
	OnlyAddr   bool            `json:"onlyAddr"`
	DeclLine   int64           `json:"DeclLine"`
	Value      string          `json:"value"`
	Len        int64           `json:"len"`
	Cap        int64           `json:"cap"`
	Children   []variableWire  `json:"children"`
	Unreadable string          `json:"unreadable"`
	Base       uint64          `json:"base"`
}

func wireToVar(w variableWire) DebugVariable {
	children := make([]DebugVariable, len(w.Children))
	for i, c := range w.Children {
		children[i] = wireToVar(c)
	}
	return DebugVariable{
		Name:       w.Name,
		Addr:       w.Addr,
		Type:       w.Type,
		RealType:   w.RealType,
		Kind:       w.Kind,
		Flags:      w.Flags,
		OnlyAddr:   w.OnlyAddr,
		DeclLine:   w.DeclLine,
		Value:      w.Value,
		Len:        w.Len,
		Cap:        w.Cap,
		Children:   children,
		Unreadable: w.Unreadable,
		Base:       w.Base,
	}
}

func wireToVars(in []variableWire) []DebugVariable {
	out := make([]DebugVariable, len(in))
	for i, v := range in {
		out[i] = wireToVar(v)
	}
	return out
}

func listVars(t *Transport, method string, args interface{}) ([]DebugVariable, error) {
	out, err := call[[]variableWire](t, method, args)
	if err != nil {
		return nil, err
	}
	return wireToVars(out), nil
}

func listVarsV2(t *Transport, method string, goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error) {
	type scope struct{ GoroutineID, Frame int }
	type args struct {
		Scope scope
		Cfg   LoadConfig
	}
	type wrapped struct {
		Variables []variableWire `json:"Variables"`
	}
	w, err := call[wrapped](t, method, args{Scope: scope{goroutineID, frame}, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return wireToVars(w.Variables), nil
}

func evalVar(t *Transport, method string, args interface{}) (DebugVariable, error) {
	out, err := call[variableWire](t, method, args)
	if err != nil {
		return DebugVariable{}, err
	}
	return wireToVar(out), nil
}
