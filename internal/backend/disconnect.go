package backend

import (
	"context"
	"log"
	"os"
	"syscall"
	"time"
)

// DisconnectOrchestrator implements the tri-modal shutdown: remote sessions
// close only the transport; local sessions halt, interpret the result, and
// detach, escalating to a forced kill + artifact cleanup on any failure or
// on the 1s watchdog expiring.
type DisconnectOrchestrator struct {
	api      BackendAPI
	transport *Transport
	process  *BackendProcess
	artifact *Artifacts
	isRemote bool
	isNoDebug bool
}

// NewDisconnectOrchestrator binds the orchestrator to the session's
// current backend handle, process, and artifact tracker.
func NewDisconnectOrchestrator(api BackendAPI, t *Transport, proc *BackendProcess,
	artifact *Artifacts, isRemote, isNoDebug bool) *DisconnectOrchestrator {

	return &DisconnectOrchestrator{
		api: api, transport: t, process: proc, artifact: artifact,
		isRemote: isRemote, isNoDebug: isNoDebug,
	}
}

// Disconnect runs the tri-modal shutdown sequence.
func (d *DisconnectOrchestrator) Disconnect(ctx context.Context) error {
	if d.isRemote {
		return d.transport.Close()
	}

	if d.isNoDebug {
		return nil
	}

	haltDone := make(chan error, 1)
	go func() {
		_, err := d.api.Command("halt")
		haltDone <- err
	}()

	select {
	case err := <-haltDone:
		if err != nil {
			if isTargetExited(err) {
				// Target already gone: skip detach.
				return d.transport.Close()
			}
			return d.detachOrForceCleanup(false)
		}
		return d.detachOrForceCleanup(false)

	case <-time.After(HaltWatchdog):
		log.Printf("[disconnect] halt watchdog expired after %s, forcing cleanup", HaltWatchdog)
		d.forceCleanup()
		return nil
	}
}

// detachOrForceCleanup issues Detach{Kill: isLocal} and force-cleans up on
// any error.
func (d *DisconnectOrchestrator) detachOrForceCleanup(alreadyForced bool) error {
	if err := d.api.Detach(true); err != nil {
		if !alreadyForced {
			d.forceCleanup()
		}
		return nil
	}
	_ = d.transport.Close()
	return nil
}

// forceCleanup kills the process tree and unlinks the build artifact,
// best-effort: neither failure blocks disconnect or is surfaced to the
// client.
func (d *DisconnectOrchestrator) forceCleanup() {
	if d.process != nil && d.process.Cmd != nil && d.process.Cmd.Process != nil {
		if err := killProcessTree(d.process.Cmd.Process.Pid); err != nil {
			log.Printf("[disconnect] failed to kill process tree: %v", err)
		}
	}
	if d.transport != nil {
		_ = d.transport.Close()
	}
	if path := d.artifact.get(); path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[disconnect] failed to remove artifact %s: %v", path, err)
		}
	}
}

// killProcessTree sends SIGKILL to the process group rooted at pid.
func killProcessTree(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err != nil {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}
