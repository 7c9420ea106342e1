package backend

import (
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// HandleArena backs both the stack-frame and variable handle tables. Both
// tables are reset together on every stop transition and handle ids are
// never reused, so a handle from a previous stop can never resolve to data
// from the new one.
type HandleArena struct {
	mu         sync.Mutex
	generation uint32
	nextID     int32
	frames     map[int]FrameHandle
	vars       map[int]*variableNode
}

// variableNode is what a variable handle resolves to: the rendered
// variable plus enough scope context to re-evaluate its
// fully-qualified-name expression for lazy expansion.
type variableNode struct {
	v           DebugVariable
	goroutineID int
	frame       int
	cfg         LoadConfig
	isMapEntries bool // children alternate key,value pairs
}

// NewHandleArena constructs an empty arena.
func NewHandleArena() *HandleArena {
	return &HandleArena{frames: make(map[int]FrameHandle), vars: make(map[int]*variableNode)}
}

// Reset invalidates every outstanding handle by bumping the generation and
// clearing both tables. Must be called before a Stopped event is sent to
// the client.
func (a *HandleArena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.frames = make(map[int]FrameHandle)
	a.vars = make(map[int]*variableNode)
}

func (a *HandleArena) newID() int {
	return int(atomic.AddInt32(&a.nextID, 1))
}

// PutFrame stores a stack-frame handle.
func (a *HandleArena) PutFrame(h FrameHandle) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.newID()
	a.frames[id] = h
	return id
}

// GetFrame resolves a stack-frame handle.
func (a *HandleArena) GetFrame(id int) (FrameHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.frames[id]
	return h, ok
}

// PutVariable stores a variable handle. Only called for variables with
// expandable children.
func (a *HandleArena) PutVariable(n *variableNode) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.newID()
	a.vars[id] = n
	return id
}

// GetVariable resolves a variable handle.
func (a *HandleArena) GetVariable(id int) (*variableNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.vars[id]
	return n, ok
}

// RenderedVariable is the DAP-facing projection of a DebugVariable.
type RenderedVariable struct {
	Name               string
	Value              string
	Type               string
	VariablesReference int
	IndexedVariables   int
	NamedVariables     int
}

// VariableRenderer converts backend variable trees into DAP-visible values
// and manages the handle table.
type VariableRenderer struct {
	api     BackendAPI
	arena   *HandleArena
	pkgCache *lru.Cache // directory -> package name, for the globals scope
}

// NewVariableRenderer constructs a renderer. pkgCacheSize bounds the
// per-directory package-name cache so a long-running session's cache
// cannot grow unboundedly.
func NewVariableRenderer(api BackendAPI, arena *HandleArena, pkgCacheSize int) *VariableRenderer {
	cache, _ := lru.New(pkgCacheSize)
	return &VariableRenderer{api: api, arena: arena, pkgCache: cache}
}

// Scopes lists the args and locals for a frame, prepending function args
// before locals and disambiguating shadowed locals by decreasing DeclLine.
// Globals are listed separately by Globals.
func (r *VariableRenderer) Scopes(goroutineID, frame int, cfg LoadConfig) ([]DebugVariable, error) {
	args, err := r.api.ListFunctionArgs(goroutineID, frame, cfg)
	if err != nil {
		return nil, CodedError(ErrCodeArgs, "ListFunctionArgs failed", err)
	}
	locals, err := r.api.ListLocalVars(goroutineID, frame, cfg)
	if err != nil {
		return nil, CodedError(ErrCodeScopesLocals, "ListLocalVars failed", err)
	}

	disambiguateShadowed(locals)
	seedFullyQualifiedNames(args)
	seedFullyQualifiedNames(locals)

	out := make([]DebugVariable, 0, len(args)+len(locals))
	out = append(out, args...)
	out = append(out, locals...)
	return out, nil
}

// disambiguateShadowed groups shadowed locals by name, sorts each group by
// DeclLine descending, and wraps the k-th member's displayed name in
// exactly k+1 layers of parentheses.
func disambiguateShadowed(vars []DebugVariable) {
	groups := make(map[string][]int) // name -> indices into vars
	for i, v := range vars {
		if v.Flags.has(FlagShadowed) {
			groups[v.Name] = append(groups[v.Name], i)
		}
	}
	for _, idxs := range groups {
		sort.Slice(idxs, func(a, b int) bool {
			return vars[idxs[a]].DeclLine > vars[idxs[b]].DeclLine
		})
		for k, idx := range idxs {
			vars[idx].Name = strings.Repeat("(", k+1) + vars[idx].Name + strings.Repeat(")", k+1)
		}
	}
}

// seedFullyQualifiedNames assigns each top-level variable's own name as its
// root fully-qualified-name.
func seedFullyQualifiedNames(vars []DebugVariable) {
	for i := range vars {
		if vars[i].FullyQualifiedName == "" {
			vars[i].FullyQualifiedName = vars[i].Name
		}
	}
}

// Globals looks up the current package name for sourceDir (cached),
// queries package variables filtered to that package, strips the
// "<pkg>." prefix, and removes the compiler-generated initdone· entry. A
// `go list` failure is silently swallowed: the globals scope is simply
// omitted.
func (r *VariableRenderer) Globals(sourceDir string, cfg LoadConfig) ([]DebugVariable, bool) {
	pkg, ok := r.lookupPackageName(sourceDir)
	if !ok {
		return nil, false
	}

	vars, err := r.api.ListPackageVars(fmt.Sprintf("^%s\\.", pkg), cfg)
	if err != nil {
		log.Printf("[variables] %v", CodedError(ErrCodeGlobals, "ListPackageVars failed", err))
		return nil, false
	}

	prefix := pkg + "."
	out := make([]DebugVariable, 0, len(vars))
	for _, v := range vars {
		if strings.Contains(v.Name, "initdone·") {
			continue
		}
		v.Name = strings.TrimPrefix(v.Name, prefix)
		v.FullyQualifiedName = v.Name
		out = append(out, v)
	}
	return out, true
}

func (r *VariableRenderer) lookupPackageName(dir string) (string, bool) {
	if v, ok := r.pkgCache.Get(dir); ok {
		return v.(string), true
	}

	name, ok := goListPackageName(dir)
	if !ok {
		return "", false
	}
	r.pkgCache.Add(dir, name)
	return name, true
}

// goListPackageName runs `go list -f '{{.Name}} {{.ImportPath}}'` in dir and
// returns the package's short name. Any failure (directory deleted,
// no Go toolchain, not a package directory) yields ok=false; the caller
// swallows this silently rather than surfacing an error.
func goListPackageName(dir string) (string, bool) {
	cmd := exec.Command("go", "list", "-f", "{{.Name}} {{.ImportPath}}")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// Render produces the DAP-visible value/expandability for v, creating a
// handle in arena when v has children to expand.
func (r *VariableRenderer) Render(v DebugVariable, goroutineID, frame int, cfg LoadConfig) RenderedVariable {
	display, expandable := renderByKind(v)

	out := RenderedVariable{
		Name:  v.Name,
		Value: display,
		Type:  v.Type,
	}

	if expandable {
		out.VariablesReference = r.arena.PutVariable(&variableNode{
			v: v, goroutineID: goroutineID, frame: frame, cfg: cfg,
			isMapEntries: v.Kind == KindMap,
		})
		switch v.Kind {
		case KindSlice, KindArray:
			out.IndexedVariables = int(v.Len)
		case KindMap:
			out.IndexedVariables = int(v.Len)
		}
	}

	return out
}

// renderByKind applies the display rules for each reflect-kind the
// backend can report.
func renderByKind(v DebugVariable) (display string, expandable bool) {
	switch v.Kind {
	case KindUnsafePointer:
		return fmt.Sprintf("unsafe.Pointer(0x%x)", v.Addr), false

	case KindPtr:
		if v.Base == 0 {
			return "nil " + v.Type, false
		}
		if len(v.Children) == 1 && v.Children[0].Addr == 0 && v.Children[0].Kind == KindInvalid {
			return "void", false
		}
		return fmt.Sprintf("%s(0x%x)", v.Type, v.Addr), len(v.Children) > 0

	case KindSlice:
		if v.Base == 0 {
			return "nil " + v.Type, false
		}
		return fmt.Sprintf("%s (length: %d, cap: %d)", v.Type, v.Len, v.Cap), true

	case KindMap:
		if v.Base == 0 {
			return "nil " + v.Type, false
		}
		return fmt.Sprintf("%s (length: %d)", v.Type, v.Len), true

	case KindArray:
		return v.Type, true

	case KindString:
		if v.Unreadable != "" {
			return v.Unreadable, false
		}
		bytesRead := len([]byte(v.Value))
		if int64(bytesRead) < v.Len {
			n := v.Len - int64(bytesRead)
			return fmt.Sprintf("%q...+%d more", v.Value, n), false
		}
		return fmt.Sprintf("%q", v.Value), false

	default:
		if v.Value != "" {
			return v.Value, len(v.Children) > 0
		}
		return v.Type, len(v.Children) > 0
	}
}

// Expand returns the rendered children for a variable handle, triggering a
// fresh Eval of the fully-qualified-name when the node is partial: a
// struct with len > len(children), or an interface whose first child is
// an address-only placeholder.
func (r *VariableRenderer) Expand(handle int) ([]RenderedVariable, error) {
	node, ok := r.arena.GetVariable(handle)
	if !ok {
		return nil, CodedError(ErrCodeScopesLocals, "stale or unknown variable handle", nil)
	}

	v := node.v
	if needsReEval(v) {
		fresh, err := r.api.Eval(v.FullyQualifiedName, node.goroutineID, node.frame, node.cfg)
		if err != nil {
			return nil, CodedError(ErrCodeEvaluate, "lazy expansion eval failed", err)
		}
		fresh.FullyQualifiedName = v.FullyQualifiedName
		v = fresh
		node.v = v
	}

	propagateChildFQN(v)

	if node.isMapEntries {
		return r.renderMapEntries(v, node)
	}

	out := make([]RenderedVariable, len(v.Children))
	for i, c := range v.Children {
		out[i] = r.Render(c, node.goroutineID, node.frame, node.cfg)
	}
	return out, nil
}

func needsReEval(v DebugVariable) bool {
	if v.Kind == KindStruct && v.Len > int64(len(v.Children)) {
		return true
	}
	if v.Kind == KindInterface && len(v.Children) > 0 && v.Children[0].OnlyAddr {
		return true
	}
	return false
}

// propagateChildFQN assigns each child's fully-qualified-name from its
// parent. Dereferenced pointers inherit the parent's fqn unchanged.
func propagateChildFQN(v DebugVariable) {
	for i := range v.Children {
		c := &v.Children[i]
		if v.Kind == KindPtr {
			c.FullyQualifiedName = v.FullyQualifiedName
		} else {
			c.FullyQualifiedName = v.FullyQualifiedName + "." + c.Name
		}
	}
}

// renderMapEntries treats children as alternating key,value pairs: keys
// render first, then each value is lazily loaded by indexing expression
// <parent-fqn>.<name>[<rendered-key>].
func (r *VariableRenderer) renderMapEntries(v DebugVariable, node *variableNode) ([]RenderedVariable, error) {
	out := make([]RenderedVariable, 0, len(v.Children))
	for i := 0; i+1 < len(v.Children); i += 2 {
		key := v.Children[i]
		val := v.Children[i+1]
		keyDisplay, _ := renderByKind(key)
		val.FullyQualifiedName = fmt.Sprintf("%s[%s]", v.FullyQualifiedName, keyDisplay)
		rendered := r.Render(val, node.goroutineID, node.frame, node.cfg)
		rendered.Name = keyDisplay
		out = append(out, rendered)
	}
	return out, nil
}
