package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathMapperRoundTrip(t *testing.T) {
	m := NewPathMapper("/home/user/proj", "/remote/proj", "/usr/local/go", []string{"/home/user/go"})

	local := "/home/user/proj/main.go"
	remote := m.ToRemote(local)
	require.Equal(t, "/remote/proj/main.go", remote)
	require.Equal(t, local, m.ToLocal(remote))
}

func TestPathMapperGorootFallback(t *testing.T) {
	m := NewPathMapper("/home/user/proj", "/remote/proj", "/usr/local/go", nil)

	// remote root doesn't match but the path carries the GOROOT "/src/" marker
	got := m.ToLocal("/some/other/src/fmt/print.go")
	require.Equal(t, "/usr/local/go/src/fmt/print.go", got)
}

func TestPathMapperGopathFallback(t *testing.T) {
	m := NewPathMapper("/home/user/proj", "/remote/proj", "/usr/local/go", []string{"/home/user/go"})

	remote := "/root/pkg/mod/github.com/pkg/errors@v0.9.1/errors.go"
	got := m.ToLocal(remote)
	require.Equal(t, "/home/user/go/pkg/mod/github.com/pkg/errors@v0.9.1/errors.go", got)
}

func TestPathMapperNoRuleApplies(t *testing.T) {
	m := NewPathMapper("/home/user/proj", "", "", nil)
	remote := "/some/unrelated/path.go"
	require.Equal(t, remote, m.ToLocal(remote))
}

func TestPathMapperIdentityWithoutRemoteRoot(t *testing.T) {
	m := NewPathMapper("/home/user/proj", "", "/usr/local/go", nil)
	local := "/home/user/proj/main.go"
	require.Equal(t, local, m.ToRemote(local))
}
