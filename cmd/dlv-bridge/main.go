// Command dlv-bridge is a stdio Debug Adapter Protocol server: one process,
// one client connection, one debugging session. It speaks DAP on
// stdin/stdout and drives a backend debugger process over the backend's
// JSON-RPC control interface.
package main

import (
	"context"
	"log"
	"os"

	"github.com/dap-bridge/dlv-bridge/internal/backend"
	"github.com/dap-bridge/dlv-bridge/internal/dapserver"
	"github.com/dap-bridge/dlv-bridge/internal/logging"
	"github.com/lightningnetwork/lnd/actor"
)

func main() {
	logFile, err := logging.InitFileLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logFile.Close()

	actorSys := actor.NewActorSystem()
	defer actorSys.Shutdown()

	session := backend.NewSession()
	sessionKey := actor.NewServiceKey[*backend.DAPRequest, *backend.DAPResponse]("session")
	actor.RegisterWithSystem(
		actorSys, "session", sessionKey,
		actor.NewFunctionBehavior[*backend.DAPRequest, *backend.DAPResponse](session.Receive),
	)
	sessionRef := actor.FindInReceptionist(actorSys.Receptionist(), sessionKey)[0]

	conn := dapserver.NewConn(os.Stdin, os.Stdout)
	srv := dapserver.NewServer(session, sessionRef)

	log.Printf("dlv-bridge ready, serving DAP over stdio")
	if err := srv.Serve(context.Background(), conn); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
	log.Printf("dlv-bridge session ended")
}
