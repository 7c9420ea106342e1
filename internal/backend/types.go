package backend

import (
	"encoding/json"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Mode is the tagged-union of ways a session can be brought up.
type Mode string

const (
	ModeDebug         Mode = "debug"
	ModeTest          Mode = "test"
	ModeExec          Mode = "exec"
	ModeAttachLocal   Mode = "attach-local"
	ModeAttachRemote  Mode = "attach-remote"
	ModeNoDebugRun    Mode = "no-debug-run"
)

// RunState is the backend-run-state half of the Session Controller's state
// machine.
type RunState string

const (
	RunNotConnected     RunState = "not-connected"
	RunConnectedStopped RunState = "connected-stopped"
	RunRunning          RunState = "running"
	RunExited           RunState = "exited"
)

// LoadConfig bounds how much of a variable tree one RPC call returns. It
// is passed to every variable-reading v2 RPC and is constant for the
// session's lifetime unless overridden by launch args.
type LoadConfig struct {
	FollowPointers    bool `json:"followPointers"`
	MaxVariableRecurse int `json:"maxVariableRecurse"`
	MaxStringLen      int  `json:"maxStringLen"`
	MaxArrayValues    int  `json:"maxArrayValues"`
	MaxStructFields   int  `json:"maxStructFields"`
}

// DefaultLoadConfig is used whenever a launch/attach request omits
// dlvLoadConfig.
var DefaultLoadConfig = LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 1,
	MaxStringLen:       64,
	MaxArrayValues:     64,
	MaxStructFields:    -1,
}

// SubstitutePath is one entry of a remotePath local<->remote mapping list,
// modeled on tttoad-delve/service/dap/types.go's SubstitutePath. It has no
// custom UnmarshalJSON: only the object form ({"from", "to"}) decodes, not
// a bare-string shorthand.
type SubstitutePath struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// LaunchConfig is the decoded set of recognised launch argument keys.
type LaunchConfig struct {
	Name           string            `json:"name"`
	Program        string            `json:"program"`
	Args           []string          `json:"args"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	EnvFile        json.RawMessage   `json:"envFile"`
	Mode           string            `json:"mode"`
	BuildFlags     []string          `json:"buildFlags"`
	Output         string            `json:"output"`
	NoDebug        bool              `json:"noDebug"`
	StopOnEntry    bool              `json:"stopOnEntry"`
	ShowLog        bool              `json:"showLog"`
	LogOutput      string            `json:"logOutput"`
	Trace          string            `json:"trace"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	RemotePath     string            `json:"remotePath"`
	Backend        string            `json:"backend"`
	Init           string            `json:"init"`
	DlvToolPath    string            `json:"dlvToolPath"`
	APIVersion     int               `json:"apiVersion"`
	StackTraceDepth int              `json:"stackTraceDepth"`
	DlvLoadConfig  *LoadConfig       `json:"dlvLoadConfig"`
	ShowGlobalVariables bool         `json:"showGlobalVariables"`
	PackagePathToGoModPathMap map[string]string `json:"packagePathToGoModPathMap"`
}

// AttachConfig is the decoded set of recognised attach argument keys.
type AttachConfig struct {
	Name        string `json:"name"`
	ProcessID   int    `json:"processId"`
	Mode        string `json:"mode"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Cwd         string `json:"cwd"`
	ShowLog     bool   `json:"showLog"`
	LogOutput   string `json:"logOutput"`
	Trace       string `json:"trace"`
	Backend     string `json:"backend"`
	DlvToolPath string `json:"dlvToolPath"`
	APIVersion  int    `json:"apiVersion"`
	StackTraceDepth int `json:"stackTraceDepth"`
	DlvLoadConfig   *LoadConfig `json:"dlvLoadConfig"`
	ShowGlobalVariables bool    `json:"showGlobalVariables"`
	RemotePath  string `json:"remotePath"`
}

// BreakpointRecord is one entry in the Breakpoint Manager's authoritative
// per-file set.
type BreakpointRecord struct {
	BackendID  int
	File       string // remote path
	Line       int
	Condition  string
	Verified   bool
}

// Goroutine is the opaque-beyond-location backend goroutine record reported
// to the client as a DAP "thread".
type Goroutine struct {
	ID                  int
	CurrentLocation     Location
	UserCurrentLocation Location
	GoStatementLocation Location
}

// Location names a source position in backend (remote) path space.
type Location struct {
	File     string
	Line     int
	Function string
}

// DummyThreadID is the synthetic thread id reported when no goroutines
// exist, or while continue is in-flight. The backend does not guarantee
// id 1 is the main goroutine; preserved for client compatibility.
const DummyThreadID = 1

// DummyThreadName is the synthetic thread name paired with DummyThreadID.
const DummyThreadName = "Dummy"

// FrameHandle is an opaque handle->(goroutine,frame-index) entry, reset on
// every stop event.
type FrameHandle struct {
	GoroutineID int
	FrameIndex  int
}

// DebugVariable is the backend's reported shape for one variable node.
// FullyQualifiedName is the renderer-derived expression used to re-query
// children.
type DebugVariable struct {
	Name               string
	Addr               uint64
	Type               string // declared type
	RealType           string // resolved type
	Kind               ReflectKind
	Flags              VariableFlags
	OnlyAddr           bool
	DeclLine           int64
	Value              string
	Len                int64
	Cap                int64
	Children           []DebugVariable
	Unreadable         string
	Base               uint64
	FullyQualifiedName string
}

// ReflectKind mirrors the subset of reflect.Kind values the renderer acts
// on.
type ReflectKind uint

const (
	KindInvalid ReflectKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindComplex
	KindArray
	KindPtr
	KindSlice
	KindString
	KindStruct
	KindMap
	KindUnsafePointer
	KindInterface
	KindFunc
	KindChan
)

// VariableFlags is a bitmask over the backend's per-variable flags.
type VariableFlags uint8

const (
	FlagEscaped VariableFlags = 1 << iota
	FlagShadowed
	FlagConstant
	FlagArgument
	FlagReturnArg
)

func (f VariableFlags) has(bit VariableFlags) bool { return f&bit != 0 }

// BackendProcess is the spawned child the Backend Launcher owns.
// Remote-attach sessions never populate Cmd.
type BackendProcess struct {
	Cmd *exec.Cmd
	// Ready closes once the first stdout byte has been observed.
	Ready chan struct{}
	// ExitCode receives the process's exit status once it terminates.
	ExitCode chan int
}

// Artifacts tracks an on-disk build output the session must remove on
// forced teardown.
type Artifacts struct {
	mu         sync.Mutex
	OutputPath string
}

func (a *Artifacts) set(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.OutputPath = path
}

func (a *Artifacts) get() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.OutputPath
}

// continueEpoch is the cancellation-by-generation counter guarding stale
// "continue" completions.
type continueEpoch struct {
	counter int64
}

func (e *continueEpoch) bump() int64 {
	return atomic.AddInt64(&e.counter, 1)
}

func (e *continueEpoch) current() int64 {
	return atomic.LoadInt64(&e.counter)
}
