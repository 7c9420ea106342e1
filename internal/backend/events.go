package backend

import "github.com/google/go-dap"

// EventProjector turns backend state transitions into DAP events. It
// never talks to the transport directly; the Session Controller feeds it
// state and forwards whatever it returns to the client's event channel.

// StoppedEventFor builds a Stopped event for reason/goroutineID.
// allThreadsStopped is always true because the backend stops the world.
func StoppedEventFor(reason string, goroutineID int) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           "stopped",
		},
		Body: dap.StoppedEventBody{
			Reason:            reason,
			ThreadId:          goroutineID,
			AllThreadsStopped: true,
		},
	}
}

// TerminatedEventFor builds a Terminated event. Sent when a continue
// observes exited=true, when the spawned backend exits non-zero, and when a
// no-debug run ends. The halt-error check during disconnect does not send
// one.
func TerminatedEventFor() *dap.TerminatedEvent {
	return &dap.TerminatedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           "terminated",
		},
	}
}

// OutputEventFor forwards backend stdout/stderr verbatim; category is
// "stdout" or "stderr", no parsing is performed.
func OutputEventFor(category, text string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           "output",
		},
		Body: dap.OutputEventBody{
			Category: category,
			Output:   text,
		},
	}
}

// InitializedEventFor builds the Initialized event sent once the launcher
// is ready and the transport is connected.
func InitializedEventFor() *dap.InitializedEvent {
	return &dap.InitializedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           "initialized",
		},
	}
}
