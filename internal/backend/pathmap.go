package backend

import (
	"os"
	"runtime"
	"strings"
)

// goroot returns the process's GOROOT.
func goroot() string {
	if g := os.Getenv("GOROOT"); g != "" {
		return g
	}
	return runtime.GOROOT()
}

// gopaths splits the GOPATH environment variable into its elements.
func gopaths() []string {
	gp := os.Getenv("GOPATH")
	if gp == "" {
		return nil
	}
	return strings.Split(gp, string(os.PathListSeparator))
}

// PathMapper bidirectionally translates between local workspace paths and
// remote debugger paths, with fallback rules for the standard library
// (GOROOT) and module-cache (GOPATH) roots when the remote root does not
// apply.
type PathMapper struct {
	LocalRoot  string
	RemoteRoot string
	LocalSep   string
	RemoteSep  string
	GOROOT     string
	GOPATHs    []string
}

// NewPathMapper builds a mapper with '/' separators on both sides unless
// overridden; real editors rarely run this bridge on a host where the
// remote side uses '\\', but the separators are configurable so the
// mapping rules are exercised independent of the host OS.
func NewPathMapper(localRoot, remoteRoot, goroot string, gopaths []string) *PathMapper {
	return &PathMapper{
		LocalRoot:  trimTrailingSep(localRoot, "/"),
		RemoteRoot: trimTrailingSep(remoteRoot, "/"),
		LocalSep:   "/",
		RemoteSep:  "/",
		GOROOT:     trimTrailingSep(goroot, "/"),
		GOPATHs:    gopaths,
	}
}

func trimTrailingSep(p, sep string) string {
	return strings.TrimSuffix(p, sep)
}

// ToRemote rewrites a local path into remote path space. With no remote
// root configured, it is the identity function.
func (m *PathMapper) ToRemote(local string) string {
	if m.RemoteRoot == "" {
		return local
	}
	rewritten := resep(local, m.LocalSep, m.RemoteSep)
	localRoot := resep(m.LocalRoot, m.LocalSep, m.RemoteSep)
	if strings.HasPrefix(rewritten, localRoot) {
		return m.RemoteRoot + strings.TrimPrefix(rewritten, localRoot)
	}
	return rewritten
}

// ToLocal rewrites a remote path into local path space, applying the
// GOROOT/GOPATH fallback rules when the remote path does not live under
// the configured remote root.
func (m *PathMapper) ToLocal(remote string) string {
	if m.RemoteRoot != "" && strings.HasPrefix(remote, m.RemoteRoot) {
		suffix := strings.TrimPrefix(remote, m.RemoteRoot)
		suffix = resep(suffix, m.RemoteSep, m.LocalSep)
		return m.LocalRoot + suffix
	}

	goSrcMarker := m.RemoteSep + "src" + m.RemoteSep
	if m.GOROOT != "" {
		if idx := strings.Index(remote, goSrcMarker); idx >= 0 {
			suffix := remote[idx:]
			suffix = resep(suffix, m.RemoteSep, m.LocalSep)
			return m.GOROOT + suffix
		}
	}

	modMarker := m.RemoteSep + "pkg" + m.RemoteSep + "mod" + m.RemoteSep
	if len(m.GOPATHs) > 0 {
		if idx := strings.Index(remote, modMarker); idx >= 0 {
			suffix := remote[idx:]
			suffix = resep(suffix, m.RemoteSep, m.LocalSep)
			return m.GOPATHs[0] + suffix
		}
	}

	// Pass through unchanged: no rule applies.
	return remote
}

// resep rewrites path separators from 'from' to 'to', tolerating the
// non-native separator also being present in the input (forward slashes
// are always tolerated).
func resep(p, from, to string) string {
	if from == to {
		return p
	}
	p = strings.ReplaceAll(p, "\\", from)
	p = strings.ReplaceAll(p, "/", from)
	return strings.ReplaceAll(p, from, to)
}
