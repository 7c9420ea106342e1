package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ConnectGraceDelay is the fixed pause before connecting to a remote
// backend, working around a known race where the backend rejects
// connections issued too quickly.
const ConnectGraceDelay = 200 * time.Millisecond

// HaltWatchdog is the disconnect hard timeout.
const HaltWatchdog = 1 * time.Second

// LaunchPlan is the fully-resolved set of inputs the launcher needs to
// spawn (or skip spawning) a backend process.
type LaunchPlan struct {
	Mode       Mode
	Program    string
	Cwd        string
	Args       []string
	Env        []string // merged KEY=VALUE, process env then env-files then overrides, last wins
	BuildFlags []string
	Backend    string
	DlvToolPath string
	Host       string
	Port       int
	LogEnabled bool
	LogOutput  string
	ProcessID  int // attach-local
}

// ResolvePlan validates a LaunchConfig/AttachConfig pair into a LaunchPlan.
// cfg carries launch-only fields; attach carries attach-only fields.
// Exactly one of cfg/attach is non-nil.
func ResolvePlan(cfg *LaunchConfig, attach *AttachConfig, processEnv []string) (*LaunchPlan, error) {
	plan := &LaunchPlan{Host: "127.0.0.1"}

	switch {
	case cfg != nil:
		mode, err := resolveLaunchMode(cfg)
		if err != nil {
			return nil, err
		}
		plan.Mode = mode
		plan.Program = cfg.Program
		plan.Args = cfg.Args
		plan.BuildFlags = cfg.BuildFlags
		plan.Backend = cfg.Backend
		plan.DlvToolPath = cfg.DlvToolPath
		plan.LogEnabled = cfg.ShowLog
		plan.LogOutput = cfg.LogOutput
		plan.Host = firstNonEmpty(cfg.Host, plan.Host)
		plan.Port = cfg.Port

		if mode == ModeDebug || mode == ModeTest {
			if err := validateDebugProgram(cfg.Program, &plan.Cwd); err != nil {
				return nil, err
			}
		}
		if mode == ModeExec {
			fi, err := os.Stat(cfg.Program)
			if err != nil || fi.IsDir() {
				return nil, CodedError(ErrCodeLaunchAttach,
					"launch/exec requires an existing regular executable file, not a directory", err)
			}
			plan.Cwd = cfg.Cwd
		}

		env, err := mergeEnv(processEnv, cfg.EnvFile, cfg.Env)
		if err != nil {
			return nil, err
		}
		plan.Env = env

	case attach != nil:
		plan.Backend = attach.Backend
		plan.DlvToolPath = attach.DlvToolPath
		plan.LogEnabled = attach.ShowLog
		plan.LogOutput = attach.LogOutput
		plan.Host = firstNonEmpty(attach.Host, plan.Host)
		plan.Port = attach.Port
		plan.Cwd = attach.Cwd

		switch attach.Mode {
		case "local":
			if attach.ProcessID == 0 {
				return nil, CodedError(ErrCodeLaunchAttach, "attach-local requires processId", nil)
			}
			plan.Mode = ModeAttachLocal
			plan.ProcessID = attach.ProcessID
		case "remote", "":
			plan.Mode = ModeAttachRemote
		default:
			return nil, CodedError(ErrCodeLaunchAttach, "unknown attach mode: "+attach.Mode, nil)
		}

	default:
		return nil, CodedError(ErrCodeLaunchAttach, "neither launch nor attach config provided", nil)
	}

	if plan.Port == 0 {
		plan.Port = 2000 + rand.Intn(48000)
	}

	return plan, nil
}

func resolveLaunchMode(cfg *LaunchConfig) (Mode, error) {
	if cfg.NoDebug && (cfg.Mode == "debug" || cfg.Mode == "" || cfg.Mode == "auto") {
		return ModeNoDebugRun, nil
	}
	switch cfg.Mode {
	case "", "auto", "debug":
		return ModeDebug, nil
	case "test":
		return ModeTest, nil
	case "exec":
		return ModeExec, nil
	case "remote":
		return ModeAttachRemote, nil
	default:
		return "", CodedError(ErrCodeLaunchAttach, "unknown launch mode: "+cfg.Mode, nil)
	}
}

// validateDebugProgram applies the directory/file rules for launch/debug
// and launch/test, writing the resolved cwd into *cwd.
func validateDebugProgram(program string, cwd *string) error {
	if program == "" {
		return CodedError(ErrCodeLaunchAttach, "launch requires \"program\"", nil)
	}
	fi, err := os.Stat(program)
	if err != nil {
		return CodedError(ErrCodeLaunchAttach, "program path does not exist: "+program, err)
	}
	if fi.IsDir() {
		*cwd = program
		return nil
	}
	if filepath.Ext(program) != ".go" {
		return CodedError(ErrCodeLaunchAttach,
			"launch/debug program file must have a .go extension: "+program, nil)
	}
	*cwd = filepath.Dir(program)
	return nil
}

// mergeEnv merges process env, then one or more env-files (string or list
// of paths; later files override earlier), then per-launch overrides, last
// wins.
func mergeEnv(processEnv []string, envFileRaw json.RawMessage, overrides map[string]string) ([]string, error) {
	merged := make(map[string]string, len(processEnv))
	for _, kv := range processEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	for _, path := range envFilePaths(envFileRaw) {
		vars, err := parseEnvFile(path)
		if err != nil {
			return nil, CodedError(ErrCodeLaunchAttach, "failed to parse env file "+path, err)
		}
		for k, v := range vars {
			merged[k] = v
		}
	}

	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// envFilePaths decodes the envFile launch argument, which may be a bare
// string or a list of strings.
func envFilePaths(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// parseEnvFile reads simple KEY=VALUE lines, ignoring blanks and lines
// starting with '#'.
func parseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// BuildArgv constructs the backend's argv for plan.
func BuildArgv(plan *LaunchPlan) []string {
	dlv := plan.DlvToolPath
	if dlv == "" {
		dlv = "dlv"
	}

	var sub string
	switch plan.Mode {
	case ModeDebug:
		sub = "debug"
	case ModeTest:
		sub = "test"
	case ModeExec:
		sub = "exec"
	case ModeAttachLocal:
		sub = "attach"
	}

	argv := []string{dlv, sub}

	switch plan.Mode {
	case ModeDebug, ModeTest:
		if plan.Cwd != "" && plan.Program == plan.Cwd {
			argv = append(argv, ".")
		} else if pkg, ok := gopathPackageArg(plan.Program); ok {
			argv = append(argv, pkg)
		} else if plan.Program != "" {
			argv = append(argv, plan.Program)
		}
	case ModeExec:
		argv = append(argv, plan.Program)
	case ModeAttachLocal:
		argv = append(argv, strconv.Itoa(plan.ProcessID))
	}

	argv = append(argv,
		"--headless=true",
		fmt.Sprintf("--listen=%s:%d", plan.Host, plan.Port),
		"--api-version=2",
	)

	if plan.Backend != "" {
		argv = append(argv, "--backend="+plan.Backend)
	}
	if plan.LogEnabled {
		argv = append(argv, "--log")
	}
	if plan.LogOutput != "" {
		argv = append(argv, "--log-output="+plan.LogOutput)
	}

	if len(plan.BuildFlags) > 0 {
		argv = append(argv, "--build-flags="+strings.Join(plan.BuildFlags, " "))
	}

	if plan.Mode == ModeDebug || plan.Mode == ModeTest || plan.Mode == ModeExec {
		if len(plan.Args) > 0 {
			argv = append(argv, "--")
			argv = append(argv, plan.Args...)
		}
	}

	return argv
}

// gopathPackageArg rewrites the program argument to the package path
// relative to the GOPATH workspace's src root, when the program sits
// under an inferred GOPATH workspace with no explicit module mapping (no
// go.mod anywhere above it).
func gopathPackageArg(program string) (string, bool) {
	if program == "" {
		return "", false
	}
	dir := program
	if fi, err := os.Stat(program); err == nil && !fi.IsDir() {
		dir = filepath.Dir(program)
	}

	for d := dir; ; {
		if _, err := os.Stat(filepath.Join(d, "go.mod")); err == nil {
			return "", false // module-mapped, no rewrite
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}

	for _, gp := range strings.Split(os.Getenv("GOPATH"), string(os.PathListSeparator)) {
		if gp == "" {
			continue
		}
		srcRoot := filepath.Join(gp, "src") + string(filepath.Separator)
		if strings.HasPrefix(dir, srcRoot) {
			pkg := strings.TrimPrefix(dir, srcRoot)
			return filepath.ToSlash(pkg), true
		}
	}
	return "", false
}

// Launcher spawns and supervises the backend process.
type Launcher struct {
	Process  *BackendProcess
	Artifact *Artifacts
}

// NewLauncher constructs an empty launcher.
func NewLauncher() *Launcher {
	return &Launcher{Artifact: &Artifacts{}}
}

// Spawn starts the backend per plan, streaming its stdout/stderr through
// onOutput and closing Process.Ready on the first observed stdout byte. g
// is used so the caller's errgroup also observes a pump failure.
func (l *Launcher) Spawn(ctx context.Context, g *errgroup.Group, plan *LaunchPlan,
	onOutput func(category, text string)) error {

	argv := BuildArgv(plan)
	if plan.Mode == ModeDebug || plan.Mode == ModeTest {
		output := filepath.Join(os.TempDir(), "dlv-bridge-"+uuid.New().String())
		l.Artifact.set(output)
		argv = append(argv[:2], append([]string{"--output=" + output}, argv[2:]...)...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = plan.Cwd
	cmd.Env = plan.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "attaching stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "attaching stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return CodedError(ErrCodeLaunchAttach, "failed to spawn backend binary", err)
	}

	ready := make(chan struct{})
	exitCode := make(chan int, 1)
	l.Process = &BackendProcess{Cmd: cmd, Ready: ready, ExitCode: exitCode}

	var readyOnce sync.Once
	g.Go(func() error {
		return pumpOutput(stdout, "stdout", onOutput, func() {
			readyOnce.Do(func() { close(ready) })
		})
	})
	g.Go(func() error {
		return pumpOutput(stderr, "stderr", onOutput, func() {})
	})
	g.Go(func() error {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		exitCode <- code
		return nil
	})

	return nil
}

// pumpOutput reads lines from r, invoking onFirstByte once and onOutput per
// line, until EOF.
func pumpOutput(r io.Reader, category string, onOutput func(category, text string), onFirstByte func()) error {
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			onFirstByte()
			first = false
		}
		onOutput(category, scanner.Text())
	}
	return scanner.Err()
}

// ConnectRemote waits the fixed grace delay then returns, standing in for
// a readiness signal on an already-running remote backend.
func ConnectRemote(ctx context.Context) error {
	t := time.NewTimer(ConnectGraceDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoDebugRun bypasses the backend entirely: spawns `go run` with the
// launch args/env and streams its output as OutputEvents, propagating
// exit status.
func NoDebugRun(ctx context.Context, plan *LaunchPlan, onOutput func(category, text string)) (int, error) {
	argv := append([]string{"run", plan.Program}, plan.Args...)
	cmd := exec.CommandContext(ctx, "go", argv...)
	cmd.Dir = plan.Cwd
	cmd.Env = plan.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, errors.Wrap(err, "attaching stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, errors.Wrap(err, "attaching stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return -1, CodedError(ErrCodeLaunchAttach, "failed to spawn go run", err)
	}

	var g errgroup.Group
	g.Go(func() error { return pumpOutput(stdout, "stdout", onOutput, func() {}) })
	g.Go(func() error { return pumpOutput(stderr, "stderr", onOutput, func() {}) })
	_ = g.Wait()

	err = cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
