package backend

import (
	"encoding/json"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Transport owns the JSON-RPC client connection to the backend and exposes
// a single generic call primitive. Every call maps to one invocation of
// "RPCServer.<method>"; net/rpc's own sequence numbers
// preserve request-id<->response correspondence across concurrent calls on
// the same connection, so Transport adds no correlation of its own beyond a
// log-only uuid tag.
type Transport struct {
	mu     sync.Mutex
	client *rpc.Client
	conn   net.Conn
}

// DialTransport connects to the backend's JSON-RPC listener at addr.
func DialTransport(addr string) (*Transport, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing backend at %s", addr)
	}
	return &Transport{
		conn:   conn,
		client: jsonrpc.NewClient(conn),
	}, nil
}

// Close shuts down the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// call issues "RPCServer.<method>" with args and decodes the reply into a
// freshly allocated T. The backend's two RPC dialects share this one wire
// mechanic; only method names and argument/result shapes differ, which is
// the API-Version Shim's job to hide.
func call[T any](t *Transport, method string, args interface{}) (T, error) {
	var zero T

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return zero, errors.New("transport closed")
	}

	tag := uuid.New().String()[:8]
	var reply T
	err := client.Call(fmt.Sprintf("RPCServer.%s", method), args, &reply)
	if err != nil {
		return zero, errors.Wrapf(err, "rpc %s [%s]", method, tag)
	}
	return reply, nil
}

// rawCall is used by call sites that need to inspect the raw reply shape
// before deciding how to unwrap it (the v1/v2 dialect difference handled
// by the API-Version Shim).
func rawCall(t *Transport, method string, args interface{}) (json.RawMessage, error) {
	return call[json.RawMessage](t, method, args)
}
