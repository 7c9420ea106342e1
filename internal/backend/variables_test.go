package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleArenaResetInvalidatesHandles(t *testing.T) {
	a := NewHandleArena()
	id := a.PutFrame(FrameHandle{GoroutineID: 1, FrameIndex: 0})

	_, ok := a.GetFrame(id)
	require.True(t, ok)

	a.Reset()
	_, ok = a.GetFrame(id)
	require.False(t, ok, "handles from a prior generation must not resolve")
}

func TestDisambiguateShadowedWrapsByDeclLineDescending(t *testing.T) {
	vars := []DebugVariable{
		{Name: "x", DeclLine: 5, Flags: FlagShadowed},
		{Name: "x", DeclLine: 10, Flags: FlagShadowed},
		{Name: "x", DeclLine: 1, Flags: FlagShadowed},
		{Name: "y"},
	}
	disambiguateShadowed(vars)

	require.Equal(t, "(x)", vars[1].Name, "highest DeclLine (10) gets one pair of parens")
	require.Equal(t, "((x))", vars[0].Name, "DeclLine 5 is second, gets two pairs")
	require.Equal(t, "(((x)))", vars[2].Name, "DeclLine 1 is last, gets three pairs")
	require.Equal(t, "y", vars[3].Name, "unshadowed variables are untouched")
}

func TestRenderByKindNilPointer(t *testing.T) {
	v := DebugVariable{Kind: KindPtr, Type: "*int", Base: 0}
	display, expandable := renderByKind(v)
	require.Equal(t, "nil *int", display)
	require.False(t, expandable)
}

func TestRenderByKindVoidPointer(t *testing.T) {
	v := DebugVariable{
		Kind: KindPtr, Type: "*int", Base: 1, Addr: 1,
		Children: []DebugVariable{{Kind: KindInvalid, Addr: 0}},
	}
	display, expandable := renderByKind(v)
	require.Equal(t, "void", display)
	require.False(t, expandable)
}

func TestRenderByKindNilSlice(t *testing.T) {
	v := DebugVariable{Kind: KindSlice, Type: "[]int", Base: 0}
	display, expandable := renderByKind(v)
	require.Equal(t, "nil []int", display)
	require.False(t, expandable)
}

func TestRenderByKindSlice(t *testing.T) {
	v := DebugVariable{Kind: KindSlice, Type: "[]int", Base: 1, Len: 3, Cap: 4}
	display, expandable := renderByKind(v)
	require.Equal(t, "[]int (length: 3, cap: 4)", display)
	require.True(t, expandable)
}

func TestRenderByKindStringTruncated(t *testing.T) {
	v := DebugVariable{Kind: KindString, Value: "hello", Len: 10}
	display, expandable := renderByKind(v)
	require.Equal(t, `"hello"...+5 more`, display)
	require.False(t, expandable)
}

func TestRenderByKindStringNotTruncated(t *testing.T) {
	v := DebugVariable{Kind: KindString, Value: "hello", Len: 5}
	display, _ := renderByKind(v)
	require.Equal(t, `"hello"`, display)
}

func TestRenderByKindStringUnreadable(t *testing.T) {
	v := DebugVariable{Kind: KindString, Unreadable: "invalid memory address"}
	display, expandable := renderByKind(v)
	require.Equal(t, "invalid memory address", display)
	require.False(t, expandable)
}

func TestScopesOrdersArgsBeforeLocalsAndSeedsFQN(t *testing.T) {
	api := newFakeAPI()
	api.args = []DebugVariable{{Name: "arg1"}}
	api.localVars = []DebugVariable{{Name: "local1"}}

	r := NewVariableRenderer(api, NewHandleArena(), 16)
	out, err := r.Scopes(1, 0, DefaultLoadConfig)

	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "arg1", out[0].Name)
	require.Equal(t, "arg1", out[0].FullyQualifiedName)
	require.Equal(t, "local1", out[1].Name)
}

func TestGlobalsStripsPackagePrefixAndInitdone(t *testing.T) {
	api := newFakeAPI()
	api.pkgVars = []DebugVariable{
		{Name: "main.counter"},
		{Name: "main.initdone·"},
	}

	r := NewVariableRenderer(api, NewHandleArena(), 16)
	r.pkgCache.Add("/src/dir", "main")

	globals, ok := r.Globals("/src/dir", DefaultLoadConfig)
	require.True(t, ok)
	require.Len(t, globals, 1)
	require.Equal(t, "counter", globals[0].Name)
}

func TestExpandLazilyReEvaluatesPartialStruct(t *testing.T) {
	api := newFakeAPI()
	arena := NewHandleArena()
	r := NewVariableRenderer(api, arena, 16)

	partial := DebugVariable{
		Name: "s", Kind: KindStruct, Len: 2, FullyQualifiedName: "s",
		Children: []DebugVariable{{Name: "A"}},
	}
	api.evalResult = DebugVariable{
		Kind: KindStruct,
		Children: []DebugVariable{
			{Name: "A", Value: "1"},
			{Name: "B", Value: "2"},
		},
	}

	handle := arena.PutVariable(&variableNode{v: partial, goroutineID: 1, frame: 0, cfg: DefaultLoadConfig})
	rendered, err := r.Expand(handle)

	require.NoError(t, err)
	require.Len(t, rendered, 2)
	require.Equal(t, "B", rendered[1].Name)
}

func TestExpandMapEntriesIndexByRenderedKey(t *testing.T) {
	api := newFakeAPI()
	arena := NewHandleArena()
	r := NewVariableRenderer(api, arena, 16)

	node := &variableNode{
		isMapEntries: true,
		goroutineID:  1, frame: 0, cfg: DefaultLoadConfig,
		v: DebugVariable{
			FullyQualifiedName: "m",
			Children: []DebugVariable{
				{Kind: KindString, Value: "k1"},
				{Kind: KindInt, Value: "1"},
			},
		},
	}
	handle := arena.PutVariable(node)

	rendered, err := r.Expand(handle)
	require.NoError(t, err)
	require.Len(t, rendered, 1)
	require.Equal(t, "1", rendered[0].Value)
	require.Equal(t, `"k1"`, rendered[0].Name)
}
