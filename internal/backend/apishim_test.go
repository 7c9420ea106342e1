package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBackendState(t *testing.T) {
	raw := json.RawMessage(`{
		"Running": false,
		"exited": true,
		"exitStatus": 2,
		"err": "boom",
		"currentThread": {"goroutineID": 7}
	}`)

	st, err := decodeBackendState(raw)
	require.NoError(t, err)
	require.True(t, st.Exited)
	require.Equal(t, 2, st.ExitStatus)
	require.Equal(t, "boom", st.Err)
	require.Equal(t, 7, st.CurrentGoroutineID)
}

func TestDecodeBackendStateEmpty(t *testing.T) {
	st, err := decodeBackendState(nil)
	require.NoError(t, err)
	require.False(t, st.Exited)
	require.Equal(t, 0, st.CurrentGoroutineID)
}

func TestWireToVarRecursesChildren(t *testing.T) {
	w := variableWire{
		Name: "parent",
		Children: []variableWire{
			{Name: "child1"},
			{Name: "child2"},
		},
	}
	v := wireToVar(w)
	require.Equal(t, "parent", v.Name)
	require.Len(t, v.Children, 2)
	require.Equal(t, "child1", v.Children[0].Name)
}

func TestWireToGoroutines(t *testing.T) {
	in := []goroutineWire{
		{ID: 1, CurrentLoc: locWire{File: "/a.go", Line: 10, Function: "main.f"}},
	}
	out := wireToGoroutines(in)
	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].ID)
	require.Equal(t, "/a.go", out[0].CurrentLocation.File)
	require.Equal(t, 10, out[0].CurrentLocation.Line)
}

func TestWireToFramesAssignsSequentialIndex(t *testing.T) {
	in := []frameWire{
		{Function: "main.a", File: "/a.go", Line: 1},
		{Function: "main.b", File: "/b.go", Line: 2},
	}
	out := wireToFrames(in)
	require.Equal(t, 0, out[0].Index)
	require.Equal(t, 1, out[1].Index)
	require.Equal(t, "main.b", out[1].Function)
}
