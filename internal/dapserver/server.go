package dapserver

import (
	"context"
	"log"

	"github.com/dap-bridge/dlv-bridge/internal/backend"
	"github.com/google/go-dap"
	"github.com/lightningnetwork/lnd/actor"
	"golang.org/x/sync/errgroup"
)

// Server is the top-level DAP connection loop: one Server per client
// connection, talking to exactly one session actor (no multiplexing,
// one process per session). Grounded on docker-buildx/dap/server.go's
// read-loop/write-loop split, reworked to dispatch into the Session
// Controller actor via Ask instead of a direct handler table.
type Server struct {
	session *backend.Session
	ref     actor.ActorRef[*backend.DAPRequest, *backend.DAPResponse]
}

// NewServer binds a Server to session's actor reference. session is also
// used directly to drain its Events() channel.
func NewServer(session *backend.Session, ref actor.ActorRef[*backend.DAPRequest, *backend.DAPResponse]) *Server {
	return &Server{session: session, ref: ref}
}

// Serve runs the read/dispatch/write loop over conn until the client
// disconnects or ctx is cancelled. It returns once every connection-bound
// goroutine has exited.
func (s *Server) Serve(ctx context.Context, conn *Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatchLoop(gctx, conn)
	})
	g.Go(func() error {
		return s.eventLoop(gctx, conn)
	})

	err := g.Wait()
	conn.Close()
	return err
}

// dispatchLoop reads one DAP request at a time and feeds it to the session
// actor, writing back whatever response comes out. Requests are handled one
// at a time by design: the session actor is itself the single serialization
// point.
func (s *Server) dispatchLoop(ctx context.Context, conn *Conn) error {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return nil
		}

		req, ok := msg.(dap.RequestMessage)
		if !ok {
			log.Printf("[dapserver] ignoring non-request message %T", msg)
			continue
		}

		future := s.ref.Ask(ctx, &backend.DAPRequest{Request: req})
		result, err := future.Await(ctx).Unpack()
		if err != nil {
			log.Printf("[dapserver] session actor error: %v", err)
			continue
		}

		if err := conn.Send(result.Response); err != nil {
			return err
		}

		if _, ok := req.(*dap.DisconnectRequest); ok {
			return nil
		}
	}
}

// eventLoop drains the session's event channel and forwards each event to
// the client, concurrently with request/response traffic.
func (s *Server) eventLoop(ctx context.Context, conn *Conn) error {
	events := s.session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.Send(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
