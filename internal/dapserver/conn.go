// Package dapserver drives the Debug Adapter Protocol connection: it reads
// protocol messages off an io.Reader, feeds each request to the session
// actor, and writes the response plus any pending events back to an
// io.Writer. Grounded on docker-buildx/dap/conn.go's reader/writer-goroutine
// split over buffered channels.
package dapserver

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
)

// Conn wraps a DAP transport (typically stdin/stdout) with buffered
// channels so reads and writes never block each other.
type Conn struct {
	recvCh <-chan dap.Message
	sendCh chan<- dap.Message

	writeMu sync.Mutex
	wr      io.Writer
	seq     atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn starts a background reader goroutine over rd and returns a Conn
// that writes directly (mutex-guarded) to wr.
func NewConn(rd io.Reader, wr io.Writer) *Conn {
	recvCh := make(chan dap.Message, 64)

	go func() {
		defer close(recvCh)
		br := bufio.NewReader(rd)
		for {
			m, err := dap.ReadProtocolMessage(br)
			if err != nil {
				return
			}
			recvCh <- m
		}
	}()

	return &Conn{
		recvCh: recvCh,
		wr:     wr,
		closed: make(chan struct{}),
	}
}

// Recv returns the next message read from the connection, or io.EOF once
// the peer closes the stream.
func (c *Conn) Recv(ctx context.Context) (dap.Message, error) {
	select {
	case m, ok := <-c.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	}
}

// Send assigns the next sequence number (DAP requires a process-unique,
// monotonically increasing seq per message) and writes m to the underlying
// writer, serialized against concurrent writers (the dispatch loop and the
// event-forwarding loop both call this).
func (c *Conn) Send(m dap.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch m := m.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = int(c.seq.Add(1))
	case dap.EventMessage:
		m.GetEvent().Seq = int(c.seq.Add(1))
	case dap.RequestMessage:
		m.GetRequest().Seq = int(c.seq.Add(1))
	}

	if err := dap.WriteProtocolMessage(c.wr, m); err != nil {
		return errors.Wrap(err, "writing DAP message")
	}
	return nil
}

// Close signals pending Recv calls to unblock with io.EOF.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
