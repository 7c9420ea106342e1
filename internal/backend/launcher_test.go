package backend

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePlanDebugModeDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(program, []byte("package main\nfunc main(){}\n"), 0644))

	cfg := &LaunchConfig{Program: program}
	plan, err := ResolvePlan(cfg, nil, nil)

	require.NoError(t, err)
	require.Equal(t, ModeDebug, plan.Mode)
	require.Equal(t, dir, plan.Cwd)
	require.Equal(t, "127.0.0.1", plan.Host)
	require.NotZero(t, plan.Port)
}

func TestResolvePlanNoDebugRun(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(program, []byte("package main\nfunc main(){}\n"), 0644))

	cfg := &LaunchConfig{Program: program, NoDebug: true}
	plan, err := ResolvePlan(cfg, nil, nil)

	require.NoError(t, err)
	require.Equal(t, ModeNoDebugRun, plan.Mode)
}

func TestResolvePlanRejectsMissingProgram(t *testing.T) {
	cfg := &LaunchConfig{Program: "/does/not/exist/main.go"}
	_, err := ResolvePlan(cfg, nil, nil)
	require.Error(t, err)
}

func TestResolvePlanRejectsNonGoFile(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "main.txt")
	require.NoError(t, os.WriteFile(program, []byte("not go"), 0644))

	cfg := &LaunchConfig{Program: program}
	_, err := ResolvePlan(cfg, nil, nil)
	require.Error(t, err)
}

func TestResolvePlanAttachLocalRequiresProcessID(t *testing.T) {
	attach := &AttachConfig{Mode: "local"}
	_, err := ResolvePlan(nil, attach, nil)
	require.Error(t, err)
}

func TestResolvePlanAttachLocal(t *testing.T) {
	attach := &AttachConfig{Mode: "local", ProcessID: 1234}
	plan, err := ResolvePlan(nil, attach, nil)
	require.NoError(t, err)
	require.Equal(t, ModeAttachLocal, plan.Mode)
	require.Equal(t, 1234, plan.ProcessID)
}

func TestResolvePlanAttachRemoteDefaultMode(t *testing.T) {
	attach := &AttachConfig{Host: "10.0.0.1", Port: 5000}
	plan, err := ResolvePlan(nil, attach, nil)
	require.NoError(t, err)
	require.Equal(t, ModeAttachRemote, plan.Mode)
	require.Equal(t, "10.0.0.1", plan.Host)
	require.Equal(t, 5000, plan.Port)
}

func TestBuildArgvDebugMode(t *testing.T) {
	plan := &LaunchPlan{
		Mode: ModeDebug, Cwd: "/proj", Program: "/proj",
		Host: "127.0.0.1", Port: 12345,
	}
	argv := BuildArgv(plan)

	require.Equal(t, "dlv", argv[0])
	require.Equal(t, "debug", argv[1])
	require.Contains(t, argv, ".")
	require.Contains(t, argv, "--headless=true")
	require.Contains(t, argv, "--listen=127.0.0.1:12345")
	require.Contains(t, argv, "--api-version=2")
}

func TestBuildArgvAppendsProgramArgsAfterDoubleDash(t *testing.T) {
	plan := &LaunchPlan{
		Mode: ModeExec, Program: "/bin/prog", Args: []string{"-x", "1"},
		Host: "127.0.0.1", Port: 1,
	}
	argv := BuildArgv(plan)

	dashIdx := -1
	for i, a := range argv {
		if a == "--" {
			dashIdx = i
		}
	}
	require.NotEqual(t, -1, dashIdx)
	require.Equal(t, []string{"-x", "1"}, argv[dashIdx+1:])
}

func TestMergeEnvOverridesLastWins(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FOO=from_file\nBAR=keep\n"), 0644))

	raw, err := json.Marshal(envFile)
	require.NoError(t, err)

	env, err := mergeEnv([]string{"FOO=from_process"}, raw, map[string]string{"FOO": "from_override"})
	require.NoError(t, err)

	m := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	require.Equal(t, "from_override", m["FOO"])
	require.Equal(t, "keep", m["BAR"])
}

func TestGopathPackageArgRewritesUnderGopathWorkspace(t *testing.T) {
	gopath := t.TempDir()
	pkgDir := filepath.Join(gopath, "src", "example.com", "foo")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	t.Setenv("GOPATH", gopath)

	pkg, ok := gopathPackageArg(pkgDir)
	require.True(t, ok)
	require.Equal(t, "example.com/foo", pkg)
}

func TestGopathPackageArgSkipsModuleMappedDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0644))

	_, ok := gopathPackageArg(dir)
	require.False(t, ok)
}
